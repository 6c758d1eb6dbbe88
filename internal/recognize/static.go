package recognize

import (
	"context"

	"github.com/safeharbour/harbour/internal/names"
)

// Static returns a fixed set of spans regardless of the input text.
type Static struct {
	spans []names.Span
	err   error
}

// NewStatic returns a recognizer that always yields spans.
func NewStatic(spans []names.Span) *Static {
	cp := make([]names.Span, len(spans))
	copy(cp, spans)
	return &Static{spans: cp}
}

// NewFailing returns a recognizer that always fails with err.
func NewFailing(err error) *Static {
	return &Static{err: err}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Recognize(ctx context.Context, _ string) ([]names.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]names.Span, len(s.spans))
	copy(out, s.spans)
	return out, nil
}

func (s *Static) Close() error { return nil }
