// Package recognize supplies entity recognizers that turn free text into
// labeled spans for the name extractor.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/names"
)

// ErrUnavailable marks a recognizer that cannot run, e.g. because its
// model or runtime library is missing.
var ErrUnavailable = errors.New("entity recognizer unavailable")

// Recognizer labels spans of text. Offsets in the returned spans are
// character offsets into text.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, text string) ([]names.Span, error)
	Close() error
}

// New builds the recognizer selected by cfg.Backend.
func New(cfg config.RecognizerConfig) (Recognizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "prose":
		return NewProse(cfg.PersonLabels), nil
	case "onnx":
		return NewONNX(cfg.ONNX, cfg.PersonLabels)
	default:
		return nil, fmt.Errorf("unknown recognizer backend %q", cfg.Backend)
	}
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

// labelSet maps backend labels onto the PERSON label consumed by the
// extractor. Other labels pass through upper-cased.
type labelSet map[string]struct{}

func newLabelSet(person []string) labelSet {
	ls := make(labelSet, len(person)+1)
	ls[names.LabelPerson] = struct{}{}
	for _, p := range person {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			ls[p] = struct{}{}
		}
	}
	return ls
}

func (ls labelSet) canonical(label string) string {
	up := strings.ToUpper(strings.TrimSpace(label))
	if _, ok := ls[up]; ok {
		return names.LabelPerson
	}
	return up
}

// runeOffsets converts byte offsets into text to character offsets.
type runeOffsets struct {
	text  string
	index []int // byte offset -> rune offset, len(text)+1 entries
}

func newRuneOffsets(text string) *runeOffsets {
	idx := make([]int, len(text)+1)
	n := 0
	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		for j := 0; j < size; j++ {
			idx[i+j] = n
		}
		i += size
		n++
	}
	idx[len(text)] = n
	return &runeOffsets{text: text, index: idx}
}

// span builds a span over the byte range [start, end) with character offsets.
func (r *runeOffsets) span(start, end int, label string) (names.Span, bool) {
	if start < 0 || end > len(r.text) || start >= end {
		return names.Span{}, false
	}
	return names.Span{
		Text:  r.text[start:end],
		Start: r.index[start],
		End:   r.index[end],
		Label: label,
	}, true
}
