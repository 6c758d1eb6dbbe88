package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/auth"
	"github.com/safeharbour/harbour/internal/mcp"
	"github.com/safeharbour/harbour/internal/pipeline"
	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/sanitize"
	"github.com/safeharbour/harbour/internal/server"
)

func newExtractCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract person mentions from a JSON request on stdin",
		Long: `Reads one JSON request from stdin:

  {"text": "...", "known_names": [{"name": "...", "uin": "..."}]}

and writes one JSON document to stdout: {"entities": [...]} on success or
{"error": "..."} on failure, in which case the exit status is 1.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd, args); err != nil {
				return writeJSONError(cmd, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx, true)
			if err != nil {
				return writeJSONError(cmd, err)
			}
			defer rt.close(ctx)

			p := a.newPipeline(rt)
			ctx = audit.WithRequest(ctx, audit.RequestInfo{Source: audit.SourceCLI})
			if err := p.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				return &exitError{err: err}
			}
			return nil
		},
	}
}

// writeJSONError reports err on stdout as the single {"error"} document of
// the extract contract.
func writeJSONError(cmd *cobra.Command, err error) error {
	_ = pipeline.WriteJSON(cmd.OutOrStdout(), pipeline.ErrorResponse{Error: pipeline.Message(err)})
	return &exitError{err: err}
}

func newSanitizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize <input.pdf> [output.pdf]",
		Short: "Strip identifying metadata from a PDF report",
		Long: `Removes author, dates, subject, keywords and XMP metadata from a PDF and
stamps the configured title, producer and creator. Without output.pdf the
input file is overwritten in place.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			in := args[0]
			out := in
			if len(args) == 2 {
				out = args[1]
			}

			rt, err := a.open(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			ctx = audit.WithRequest(ctx, audit.RequestInfo{Source: audit.SourceCLI})
			report, err := a.newSanitizer(rt).SanitizeFile(ctx, in, out)
			w := cmd.OutOrStdout()
			if err != nil {
				fmt.Fprintln(w, sanitize.Message(in, err))
				return &exitError{err: err}
			}

			stripped := "(none)"
			if len(report.StrippedFields) > 0 {
				stripped = strings.Join(report.StrippedFields, ", ")
			}
			fmt.Fprintln(w, "PDF sanitized successfully")
			fmt.Fprintf(w, "   Input:  %s\n", report.Input)
			fmt.Fprintf(w, "   Output: %s\n", report.Output)
			fmt.Fprintf(w, "   Stripped: %s\n", stripped)
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve extraction and sanitizing over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			authz, err := auth.NewFromConfig(a.cfg)
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}
			rt, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			srv := server.New(a.cfg.Server, authz, a.newPipeline(rt), a.newSanitizer(rt))
			if err := srv.Start(ctx, addr); err != nil {
				return fmt.Errorf("server: %w", err)
			}
			redact.Logf("Harbour stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server over stdio",
		Long: `Speaks the Model Context Protocol on stdin/stdout and exposes the
extract_person_mentions and sanitize_pdf tools. Logs go to stderr or the
configured log file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			srv := mcp.NewServer(mcp.ServerConfig{
				Pipeline:  a.newPipeline(rt),
				Sanitizer: a.newSanitizer(rt),
				Version:   version,
			})
			redact.Logf("Harbour MCP server ready (recognizer=%s)", rt.rec.Name())
			return mcp.Serve(ctx, srv, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Overrides the root hook: printing the version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harbour %s\n", version)
		},
	}
}

func (a *app) newPipeline(rt *runtime) *pipeline.Pipeline {
	return pipeline.New(rt.rec, pipeline.Options{
		Emitter:       rt.emitter,
		Telemetry:     rt.tel,
		MaxTextChars:  a.cfg.Server.MaxTextChars,
		MaxKnownNames: a.cfg.Server.MaxKnownNames,
	})
}

func (a *app) newSanitizer(rt *runtime) *sanitize.Sanitizer {
	return sanitize.New(a.cfg.Sanitizer, sanitize.Options{
		Emitter:   rt.emitter,
		Telemetry: rt.tel,
	})
}
