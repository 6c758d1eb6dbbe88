package names

// LabelPerson is the only span label the extractor consumes.
const LabelPerson = "PERSON"

// Span is a labeled region of text produced by an entity recognizer.
// Start and End are character offsets into the original text.
type Span struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
}

// Mention is a PERSON span annotated with the UIN of the roster entry it
// was reconciled to. UIN is nil when nothing in the roster matched or the
// matching entry has no UIN.
type Mention struct {
	Text  string  `json:"text"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	UIN   *string `json:"uin"`

	matched bool
}

// Matched reports whether the mention was reconciled to a roster entry.
func (m Mention) Matched() bool { return m.matched }

// Extract keeps the PERSON spans in order and reconciles each one against
// the full roster. The result is never nil.
func Extract(spans []Span, roster []Identity) []Mention {
	mentions := make([]Mention, 0, len(spans))
	for _, span := range spans {
		if span.Label != LabelPerson {
			continue
		}
		m := Mention{
			Text:  span.Text,
			Start: span.Start,
			End:   span.End,
			Label: LabelPerson,
		}
		if uin, ok := Match(span.Text, roster); ok {
			m.matched = true
			if uin != nil {
				v := *uin
				m.UIN = &v
			}
		}
		mentions = append(mentions, m)
	}
	return mentions
}
