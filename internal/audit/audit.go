// Package audit records what Harbour did for each request. Events carry
// counts and outcomes only; text, names and UINs never enter an event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/safeharbour/harbour/internal/redact"
)

// Kind names the operation an event describes.
type Kind string

const (
	KindExtract  Kind = "extract"
	KindSanitize Kind = "sanitize"
)

// Outcome is the result class of an operation.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeInvalidInput Outcome = "invalid_input"
	OutcomeUnavailable  Outcome = "unavailable"
	OutcomeError        Outcome = "error"
)

const (
	SourceCLI  = "cli"
	SourceHTTP = "http"
	SourceMCP  = "mcp"
)

// ExtractSummary describes one extraction without its content.
type ExtractSummary struct {
	Recognizer    string `json:"recognizer"`
	SpansSupplied bool   `json:"spans_supplied"`
	TextChars     int    `json:"text_chars"`
	KnownNames    int    `json:"known_names"`
	Spans         int    `json:"spans"`
	Mentions      int    `json:"mentions"`
	Matched       int    `json:"matched"`
}

// SanitizeSummary describes one sanitized document.
type SanitizeSummary struct {
	StrippedFields []string `json:"stripped_fields"`
	XMPRemoved     bool     `json:"xmp_removed"`
	InputBytes     int64    `json:"input_bytes,omitempty"`
}

// Event is the canonical audit payload.
type Event struct {
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id"`
	Kind      Kind             `json:"kind"`
	Source    string           `json:"source"`
	ClientID  string           `json:"client_id,omitempty"`
	Outcome   Outcome          `json:"outcome"`
	Error     string           `json:"error,omitempty"`
	LatencyMs float64          `json:"latency_ms"`
	Extract   *ExtractSummary  `json:"extract,omitempty"`
	Sanitize  *SanitizeSummary `json:"sanitize,omitempty"`
}

// RequestInfo identifies the caller of an operation.
type RequestInfo struct {
	ID       string
	Source   string
	ClientID string
}

type requestInfoKey struct{}

// WithRequest stores caller information in ctx.
func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestFrom returns the caller information stored in ctx, assigning a
// request ID when none was set.
func RequestFrom(ctx context.Context) RequestInfo {
	var info RequestInfo
	if ctx != nil {
		if v, ok := ctx.Value(requestInfoKey{}).(RequestInfo); ok {
			info = v
		}
	}
	info.ID = ensureRequestID(info.ID)
	return info
}

// NewEvent starts an event for the caller recorded in ctx.
func NewEvent(ctx context.Context, kind Kind, outcome Outcome, latency time.Duration) *Event {
	info := RequestFrom(ctx)
	return &Event{
		Version:   "1",
		Timestamp: time.Now().UTC(),
		RequestID: info.ID,
		Kind:      kind,
		Source:    info.Source,
		ClientID:  info.ClientID,
		Outcome:   outcome,
		LatencyMs: durationMillis(latency),
	}
}

// WithError attaches a redacted error message.
func (e *Event) WithError(err error) *Event {
	if e != nil && err != nil {
		e.Error = redact.String(err.Error())
	}
	return e
}

// LogEvent prints a redacted JSON representation of the audit event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		redact.Logf("audit: failed to marshal event: %v", err)
		return
	}
	redact.Debugf("audit: %s", string(data))
}

// NewRequestID returns a random request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

func ensureRequestID(id string) string {
	if id != "" {
		return id
	}
	return NewRequestID()
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
