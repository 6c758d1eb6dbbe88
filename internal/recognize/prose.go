package recognize

import (
	"context"
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/safeharbour/harbour/internal/names"
)

// Prose recognizes entities with the pure Go prose averaged perceptron
// model. It holds no state between calls.
type Prose struct {
	labels labelSet
}

// NewProse returns a prose recognizer. personLabels are reported as PERSON.
func NewProse(personLabels []string) *Prose {
	return &Prose{labels: newLabelSet(personLabels)}
}

func (p *Prose) Name() string { return "prose" }

func (p *Prose) Recognize(ctx context.Context, text string) ([]names.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return []names.Span{}, nil
	}

	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return nil, fmt.Errorf("prose: %w", err)
	}

	tokens := doc.Tokens()
	offsets := make([]tokenOffset, len(tokens))
	cursor := 0
	for i, tok := range tokens {
		offsets[i] = locateToken(text, tok.Text, &cursor)
	}

	ro := newRuneOffsets(text)
	spans := []names.Span{}
	next := 0
	for _, ent := range doc.Entities() {
		first, last, ok := findTokenRun(tokens, strings.Fields(ent.Text), next)
		if !ok {
			continue
		}
		next = last + 1
		if offsets[first].Start < 0 || offsets[last].End < 0 {
			continue
		}
		if sp, ok := ro.span(offsets[first].Start, offsets[last].End, p.labels.canonical(ent.Label)); ok {
			spans = append(spans, sp)
		}
	}
	return spans, nil
}

// findTokenRun returns the first and last index of the earliest run of
// labelled tokens at or after from whose texts equal words.
func findTokenRun(tokens []prose.Token, words []string, from int) (int, int, bool) {
	if len(words) == 0 {
		return 0, 0, false
	}
	for i := from; i+len(words) <= len(tokens); i++ {
		if tokens[i].Label == "O" {
			continue
		}
		match := true
		for j, w := range words {
			if tokens[i+j].Text != w {
				match = false
				break
			}
		}
		if match {
			return i, i + len(words) - 1, true
		}
	}
	return 0, 0, false
}

func (p *Prose) Close() error { return nil }

// locateToken finds tok in text at or after *cursor and advances the
// cursor past it. Tokens the tokenizer rewrote are reported as missing.
func locateToken(text, tok string, cursor *int) tokenOffset {
	if tok == "" || *cursor >= len(text) {
		return tokenOffset{Start: -1, End: -1}
	}
	idx := strings.Index(text[*cursor:], tok)
	if idx < 0 {
		return tokenOffset{Start: -1, End: -1}
	}
	start := *cursor + idx
	end := start + len(tok)
	*cursor = end
	return tokenOffset{Start: start, End: end}
}
