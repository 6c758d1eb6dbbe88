// Command harbour extracts person mentions from text and sanitizes PDF
// reports, from the command line, over HTTP or as an MCP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/recognize"
	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(&app{}).ExecuteContext(ctx)
	stop()
	_ = redact.Close()
	if err != nil {
		var reported *exitError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// exitError is a failure whose message has already been written for the
// user. main only turns it into a non-zero exit status.
type exitError struct {
	err error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// app carries flag values and the loaded configuration between the root
// command and its subcommands.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "harbour",
		Short: "Person-mention extraction and report sanitizing",
		Long: `Harbour finds person-name mentions in free text, reconciles them against
a roster of known people, and strips identifying metadata from PDF reports.

Run it once per request from the command line, as an HTTP service, or as
an MCP server speaking over stdio.`,
		Version:           version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.SetVersionTemplate("harbour {{.Version}}\n")

	root.PersistentFlags().StringVar(&a.configPath, "config", "harbour.yaml", "path to config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newExtractCmd(a),
		newSanitizeCmd(a),
		newServeCmd(a),
		newMCPCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads and validates the config and points the logger away from
// stdout, which belongs to command output.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.configPath, err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	output := cfg.Logging.Output
	if strings.EqualFold(strings.TrimSpace(output), "stdout") {
		output = "stderr"
	}
	if err := redact.Setup(redact.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	a.cfg = cfg
	return nil
}

// runtime holds the process-wide collaborators shared by the commands.
type runtime struct {
	tel     *telemetry.Provider
	emitter *audit.Emitter
	rec     recognize.Recognizer
}

// open starts telemetry and the audit emitter and, when withRecognizer is
// set, the configured entity recognizer. An unavailable recognizer is not
// fatal: requests report it to the caller instead.
func (a *app) open(ctx context.Context, withRecognizer bool) (*runtime, error) {
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  a.cfg.Telemetry.Enabled,
		Endpoint: a.cfg.Telemetry.Endpoint,
		Protocol: a.cfg.Telemetry.Protocol,
		Service:  a.cfg.Telemetry.Service,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	emitter, err := audit.NewFromConfig(a.cfg.Audit, tel)
	if err != nil {
		tel.Shutdown(ctx)
		return nil, fmt.Errorf("audit: %w", err)
	}

	rt := &runtime{tel: tel, emitter: emitter}
	if !withRecognizer {
		return rt, nil
	}

	rec, err := recognize.New(a.cfg.Recognizer)
	switch {
	case errors.Is(err, recognize.ErrUnavailable):
		redact.Warnf("recognizer %s unavailable: %v", a.cfg.Recognizer.Backend, err)
		rec = recognize.NewFailing(err)
	case err != nil:
		rt.close(ctx)
		return nil, fmt.Errorf("recognizer: %w", err)
	}
	rt.rec = rec
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.rec != nil {
		if err := rt.rec.Close(); err != nil {
			redact.Warnf("close recognizer: %v", err)
		}
	}
	// The emitter drains with its own timeout; a cancelled command
	// context must not cut delivery short.
	rt.emitter.Close(context.WithoutCancel(ctx))
	rt.tel.Shutdown(context.WithoutCancel(ctx))
}
