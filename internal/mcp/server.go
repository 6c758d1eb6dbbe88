// Package mcp provides a Model Context Protocol server for Harbour.
//
// It exposes person-mention extraction and PDF report sanitizing as MCP
// tools over the stdio transport.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/pipeline"
	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/sanitize"
)

const (
	ToolExtract  = "extract_person_mentions"
	ToolSanitize = "sanitize_pdf"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Pipeline  *pipeline.Pipeline
	Sanitizer *sanitize.Sanitizer
	Version   string // version string for MCP server info
}

// NewServer creates a configured MCP server with the Harbour tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Harbour",
		ver,
		server.WithToolCapabilities(false),
	)
	if cfg.Pipeline != nil {
		registerExtractTool(s, cfg.Pipeline)
	}
	if cfg.Sanitizer != nil {
		registerSanitizeTool(s, cfg.Sanitizer)
	}
	return s
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(redact.Writer(), "mcp: ", 0))
	return stdio.Listen(ctx, in, out)
}

// --- Tools ---

func registerExtractTool(s *server.MCPServer, p *pipeline.Pipeline) {
	tool := mcp.NewTool(ToolExtract,
		mcp.WithDescription("Find person-name mentions in text and reconcile each against a roster of known people. Returns every PERSON mention with character offsets and the UIN of the first roster entry whose name matches exactly or shares a word, or null."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Free text to scan for person names"),
		),
		mcp.WithArray("known_names",
			mcp.Description("Ordered roster of known people; earlier entries win ties"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"uin":  map[string]any{"type": "string"},
				},
				"required": []string{"name"},
			}),
		),
		mcp.WithArray("spans",
			mcp.Description("Pre-recognized spans to use instead of running the entity recognizer"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":  map[string]any{"type": "string"},
					"start": map[string]any{"type": "integer"},
					"end":   map[string]any{"type": "integer"},
					"label": map[string]any{"type": "string"},
				},
				"required": []string{"text", "start", "end", "label"},
			}),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = audit.WithRequest(ctx, audit.RequestInfo{Source: audit.SourceMCP})

		raw, err := json.Marshal(req.GetRawArguments())
		if err != nil {
			return mcp.NewToolResultError(pipeline.Message(&pipeline.InputError{Err: err})), nil
		}
		resp, err := p.Process(ctx, bytes.NewReader(raw))
		if err != nil {
			return mcp.NewToolResultError(pipeline.Message(err)), nil
		}

		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(pipeline.Message(err)), nil
		}
		return mcp.NewToolResultStructured(resp, string(data)), nil
	})
}

func registerSanitizeTool(s *server.MCPServer, san *sanitize.Sanitizer) {
	tool := mcp.NewTool(ToolSanitize,
		mcp.WithDescription("Strip author, dates, subject, keywords and XMP metadata from a PDF report and stamp a fixed title, producer and creator. Overwrites the input when output_path is empty."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("input_path",
			mcp.Required(),
			mcp.Description("Path of the PDF to sanitize"),
		),
		mcp.WithString("output_path",
			mcp.Description("Where to write the sanitized PDF (default: overwrite input_path)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = audit.WithRequest(ctx, audit.RequestInfo{Source: audit.SourceMCP})

		in, err := req.RequireString("input_path")
		if err != nil || in == "" {
			return mcp.NewToolResultError("input_path is required"), nil
		}
		out := req.GetString("output_path", "")

		report, err := san.SanitizeFile(ctx, in, out)
		if err != nil {
			return mcp.NewToolResultError(sanitize.Message(in, err)), nil
		}

		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode report: %v", err)), nil
		}
		return mcp.NewToolResultStructured(report, string(data)), nil
	})
}
