// Package server exposes extraction and report sanitizing over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/auth"
	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/pipeline"
	"github.com/safeharbour/harbour/internal/recognize"
	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/sanitize"
)

const (
	robotsTxt       = "User-agent: *\nDisallow: /\n"
	maxRequestIDLen = 128
)

// Server wraps the HTTP server components for Harbour.
type Server struct {
	mux       *http.ServeMux
	cfg       config.ServerConfig
	auth      *auth.Auth
	pipeline  *pipeline.Pipeline
	sanitizer *sanitize.Sanitizer
}

// New creates a new Harbour server with all routes registered.
func New(cfg config.ServerConfig, authz *auth.Auth, p *pipeline.Pipeline, san *sanitize.Sanitizer) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		auth:      authz,
		pipeline:  p,
		sanitizer: san,
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/robots.txt", handleRobots)
	s.mux.HandleFunc("/v1/extract", s.handleExtract)
	s.mux.HandleFunc("/v1/sanitize", s.handleSanitize)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		redact.Logf("Harbour running on %s (recognizer=%s auth=%v)", addr, s.pipeline.RecognizerName(), s.auth.Enabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, robotsTxt)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, ok := s.authorize(w, r)
	if !ok {
		return
	}

	body := r.Body
	if s.cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	resp, err := s.pipeline.Process(ctx, body)
	if tooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Invalid JSON input: request body exceeds %d bytes", s.cfg.MaxBodyBytes))
		return
	}
	if err != nil {
		writeError(w, extractStatus(err), pipeline.Message(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := pipeline.WriteJSON(w, resp); err != nil {
		redact.Warnf("failed to write extract response: %v", err)
	}
}

func (s *Server) handleSanitize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, ok := s.authorize(w, r)
	if !ok {
		return
	}

	body := r.Body
	if s.cfg.MaxPDFBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPDFBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("PDF exceeds %d bytes", s.cfg.MaxPDFBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body")
		return
	}

	var out bytes.Buffer
	report, err := s.sanitizer.Sanitize(ctx, bytes.NewReader(data), &out)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, sanitize.ErrEncrypted) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "Error sanitizing PDF: "+err.Error())
		return
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode sanitize report")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", fmt.Sprint(out.Len()))
	w.Header().Set("X-Harbour-Sanitize-Report", string(reportJSON))
	if _, err := out.WriteTo(w); err != nil {
		redact.Warnf("failed to write sanitized pdf: %v", err)
	}
}

// authorize resolves the caller. With no API keys configured every request
// is accepted anonymously.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	info := audit.RequestInfo{Source: audit.SourceHTTP}
	if id := r.Header.Get("X-Request-Id"); len(id) <= maxRequestIDLen {
		info.ID = id
	}
	if s.auth.Enabled() {
		apiKey, ok := auth.ParseBearerToken(r.Header.Get("Authorization"))
		if !ok || apiKey == "" {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return nil, false
		}
		client, ok := s.auth.Lookup(apiKey)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return nil, false
		}
		info.ClientID = client.ID
	}
	info = audit.RequestFrom(audit.WithRequest(r.Context(), info))
	w.Header().Set("X-Request-Id", info.ID)
	return audit.WithRequest(r.Context(), info), true
}

func extractStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, recognize.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func tooLarge(err error) bool {
	if err == nil {
		return false
	}
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// writeError writes the single-field error body used by every endpoint.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = pipeline.WriteJSON(w, pipeline.ErrorResponse{Error: message})
}
