// Package pipeline is the request boundary around the name extractor: it
// decodes a request, obtains spans, reconciles them against the roster and
// reports exactly one response or error.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"

	"github.com/safeharbour/harbour/internal/audit"
	"github.com/safeharbour/harbour/internal/names"
	"github.com/safeharbour/harbour/internal/recognize"
	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/telemetry"
)

// Request is the extraction input. Spans, when present, replace the
// recognizer output.
type Request struct {
	Text       string           `json:"text"`
	KnownNames []names.Identity `json:"known_names"`
	Spans      []names.Span     `json:"spans,omitempty"`
}

// Response lists the PERSON mentions found in the request text.
type Response struct {
	Entities []names.Mention `json:"entities"`
}

// ErrorResponse is written instead of a Response when a request fails.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Options configures a Pipeline. Zero limits disable the check.
type Options struct {
	Emitter       *audit.Emitter
	Telemetry     *telemetry.Provider
	MaxTextChars  int
	MaxKnownNames int
}

// Pipeline runs extraction requests against a recognizer. It is safe for
// concurrent use when the recognizer is.
type Pipeline struct {
	recognizer recognize.Recognizer
	emitter    *audit.Emitter
	tel        *telemetry.Provider
	opts       Options
}

// New returns a pipeline backed by rec.
func New(rec recognize.Recognizer, opts Options) *Pipeline {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Pipeline{
		recognizer: rec,
		emitter:    opts.Emitter,
		tel:        tel,
		opts:       opts,
	}
}

// RecognizerName reports the configured backend.
func (p *Pipeline) RecognizerName() string {
	if p.recognizer == nil {
		return "none"
	}
	return p.recognizer.Name()
}

// Decode reads one JSON request object from r.
func Decode(r io.Reader) (*Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &InputError{Err: errors.New("empty input")}
	}
	if data[0] != '{' {
		return nil, &InputError{Err: errors.New("expected a JSON object")}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, &InputError{Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &InputError{Err: errors.New("unexpected data after the request object")}
	}
	return &req, nil
}

// Run extracts the mentions for req.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := p.tel.Tracer().Start(ctx, "harbour.extract")
	defer span.End()

	summary := &audit.ExtractSummary{Recognizer: p.RecognizerName()}
	resp, recognizeTime, err := p.run(ctx, req, summary)

	outcome := Classify(err)
	span.SetAttributes(telemetry.SafeAttributes(map[string]interface{}{
		"harbour.recognizer": summary.Recognizer,
		"harbour.outcome":    string(outcome),
		"harbour.spans":      summary.Spans,
		"harbour.entities":   summary.Mentions,
		"harbour.matched":    summary.Matched,
	})...)
	if err != nil {
		span.SetStatus(codes.Error, string(outcome))
	}
	p.record(ctx, start, recognizeTime, summary, err)
	return resp, err
}

func (p *Pipeline) run(ctx context.Context, req *Request, summary *audit.ExtractSummary) (*Response, time.Duration, error) {
	if req == nil {
		return nil, 0, &InputError{Err: errors.New("empty request")}
	}
	textChars := utf8.RuneCountInString(req.Text)
	summary.TextChars = textChars
	summary.KnownNames = len(req.KnownNames)

	if limit := p.opts.MaxTextChars; limit > 0 && textChars > limit {
		return nil, 0, &InputError{Err: fmt.Errorf("text exceeds %d characters", limit)}
	}
	if limit := p.opts.MaxKnownNames; limit > 0 && len(req.KnownNames) > limit {
		return nil, 0, &InputError{Err: fmt.Errorf("known_names exceeds %d entries", limit)}
	}

	var (
		spans         []names.Span
		recognizeTime time.Duration
	)
	if req.Spans != nil {
		if err := validateSpans(req.Spans, textChars); err != nil {
			return nil, 0, &InputError{Err: err}
		}
		summary.Recognizer = "supplied"
		summary.SpansSupplied = true
		spans = req.Spans
	} else {
		if p.recognizer == nil {
			return nil, 0, &ProcessingError{Err: errors.New("no entity recognizer configured")}
		}
		began := time.Now()
		var err error
		spans, err = p.recognizer.Recognize(ctx, req.Text)
		recognizeTime = time.Since(began)
		if err != nil {
			if errors.Is(err, recognize.ErrUnavailable) {
				return nil, recognizeTime, err
			}
			return nil, recognizeTime, &ProcessingError{Err: err}
		}
	}

	mentions := names.Extract(spans, req.KnownNames)
	summary.Spans = len(spans)
	summary.Mentions = len(mentions)
	for _, m := range mentions {
		if m.Matched() {
			summary.Matched++
		}
	}
	redact.Debugf("extract: recognizer=%s spans=%d mentions=%d matched=%d", summary.Recognizer, summary.Spans, summary.Mentions, summary.Matched)
	return &Response{Entities: mentions}, recognizeTime, nil
}

func validateSpans(spans []names.Span, textChars int) error {
	for i, s := range spans {
		if s.Start < 0 || s.End > textChars || s.Start >= s.End {
			return fmt.Errorf("spans[%d]: offsets [%d, %d) outside text of %d characters", i, s.Start, s.End, textChars)
		}
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, start time.Time, recognizeTime time.Duration, summary *audit.ExtractSummary, err error) {
	latency := time.Since(start)
	outcome := Classify(err)

	ev := audit.NewEvent(ctx, audit.KindExtract, outcome, latency).WithError(err)
	ev.Extract = summary
	p.emitter.Emit(ctx, ev)

	p.tel.RecordExtract(ctx, telemetry.ExtractMetrics{
		Outcome:      string(outcome),
		Recognizer:   summary.Recognizer,
		Source:       ev.Source,
		DurationMs:   float64(latency) / float64(time.Millisecond),
		RecognizerMs: float64(recognizeTime) / float64(time.Millisecond),
		Mentions:     summary.Mentions,
		Matched:      summary.Matched,
	})
	if err != nil {
		redact.Warnf("extract failed: request_id=%s outcome=%s", ev.RequestID, outcome)
	}
}

// Process decodes one request from r and runs it. Decoding failures are
// audited like any other failed extraction.
func (p *Pipeline) Process(ctx context.Context, r io.Reader) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Pin the request ID so the decode failure path and Run share it.
	ctx = audit.WithRequest(ctx, audit.RequestFrom(ctx))

	start := time.Now()
	req, err := Decode(r)
	if err != nil {
		p.record(ctx, start, 0, &audit.ExtractSummary{Recognizer: p.RecognizerName()}, err)
		return nil, err
	}
	return p.Run(ctx, req)
}

// Serve reads one request from r and writes exactly one JSON document to
// w: the response, or an ErrorResponse when anything failed. The failure
// is also returned so callers can set an exit status.
func (p *Pipeline) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	resp, err := p.Process(ctx, r)
	if err != nil {
		if werr := WriteJSON(w, ErrorResponse{Error: Message(err)}); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	return WriteJSON(w, resp)
}

// WriteJSON encodes v as a single line of JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
