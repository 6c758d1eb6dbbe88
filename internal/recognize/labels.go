package recognize

import (
	"sort"
	"strings"
)

// tokenOffset is a byte range of one token in the source text. Special
// and padding tokens carry -1.
type tokenOffset struct {
	Start int
	End   int
}

// byteSpan is a labeled byte range before conversion to character offsets.
type byteSpan struct {
	Label string
	Start int
	End   int
}

// spansFromTokenLabels merges per-token BIO labels into spans. A bare
// label without a B- or I- prefix continues a run of the same type.
func spansFromTokenLabels(labels []string, offsets []tokenOffset) []byteSpan {
	if len(labels) == 0 || len(offsets) == 0 {
		return nil
	}
	var spans []byteSpan
	var cur *byteSpan

	for i, lbl := range labels {
		if i >= len(offsets) {
			break
		}
		offset := offsets[i]
		if offset.Start < 0 || offset.End <= offset.Start {
			continue
		}
		prefix, typ := splitLabel(lbl)
		if typ == "" || strings.EqualFold(lbl, "O") {
			if cur != nil {
				spans = append(spans, *cur)
				cur = nil
			}
			continue
		}
		if prefix == "B" || prefix == "S" || cur == nil || !strings.EqualFold(cur.Label, typ) {
			if cur != nil {
				spans = append(spans, *cur)
			}
			cur = &byteSpan{Label: typ, Start: offset.Start, End: offset.End}
			continue
		}
		if offset.End > cur.End {
			cur.End = offset.End
		}
	}
	if cur != nil {
		spans = append(spans, *cur)
	}
	return mergeSpans(spans)
}

func splitLabel(lbl string) (string, string) {
	lbl = strings.TrimSpace(lbl)
	if lbl == "" {
		return "", ""
	}
	parts := strings.SplitN(lbl, "-", 2)
	if len(parts) == 1 {
		return "", lbl
	}
	switch strings.ToUpper(parts[0]) {
	case "B", "I", "E", "S":
		return strings.ToUpper(parts[0]), parts[1]
	}
	return "", lbl
}

// mergeSpans orders spans by position and joins touching or overlapping
// spans of the same type.
func mergeSpans(in []byteSpan) []byteSpan {
	if len(in) == 0 {
		return nil
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Start == in[j].Start {
			return in[i].End < in[j].End
		}
		return in[i].Start < in[j].Start
	})
	out := make([]byteSpan, 0, len(in))
	cur := in[0]
	for _, sp := range in[1:] {
		if sp.Start <= cur.End && strings.EqualFold(sp.Label, cur.Label) {
			if sp.End > cur.End {
				cur.End = sp.End
			}
			continue
		}
		out = append(out, cur)
		cur = sp
	}
	out = append(out, cur)
	return out
}
