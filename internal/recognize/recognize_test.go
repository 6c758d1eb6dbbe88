package recognize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jdkato/prose/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/names"
)

func TestSpansFromTokenLabelsMergesBIO(t *testing.T) {
	// "John Smith at Acme"
	labels := []string{"O", "B-PER", "I-PER", "O", "B-ORG", "O"}
	offsets := []tokenOffset{{-1, -1}, {0, 4}, {5, 10}, {11, 13}, {14, 18}, {-1, -1}}

	got := spansFromTokenLabels(labels, offsets)
	require.Len(t, got, 2)
	assert.Equal(t, byteSpan{Label: "PER", Start: 0, End: 10}, got[0])
	assert.Equal(t, byteSpan{Label: "ORG", Start: 14, End: 18}, got[1])
}

func TestSpansFromTokenLabelsSplitsAdjacentBegins(t *testing.T) {
	labels := []string{"B-PER", "B-PER", "I-PER"}
	offsets := []tokenOffset{{0, 3}, {4, 7}, {8, 12}}

	got := spansFromTokenLabels(labels, offsets)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Start)
	assert.Equal(t, 3, got[0].End)
	assert.Equal(t, 4, got[1].Start)
	assert.Equal(t, 12, got[1].End)
}

func TestSpansFromTokenLabelsMergesWordPieces(t *testing.T) {
	// "Johnson" split into "john" "##son", both tagged as a fresh entity.
	labels := []string{"B-PER", "B-PER"}
	offsets := []tokenOffset{{0, 4}, {4, 7}}

	got := spansFromTokenLabels(labels, offsets)
	require.Len(t, got, 1)
	assert.Equal(t, byteSpan{Label: "PER", Start: 0, End: 7}, got[0])
}

func TestSplitLabel(t *testing.T) {
	cases := []struct {
		in, prefix, typ string
	}{
		{"B-PER", "B", "PER"},
		{"I-PERSON", "I", "PERSON"},
		{"PERSON", "", "PERSON"},
		{"O", "", "O"},
		{"", "", ""},
		{"X-RAY", "", "X-RAY"},
	}
	for _, tc := range cases {
		p, typ := splitLabel(tc.in)
		assert.Equal(t, tc.prefix, p, tc.in)
		assert.Equal(t, tc.typ, typ, tc.in)
	}
}

func TestLabelSetCanonical(t *testing.T) {
	ls := newLabelSet([]string{"per", " B-NAME "})
	assert.Equal(t, names.LabelPerson, ls.canonical("PER"))
	assert.Equal(t, names.LabelPerson, ls.canonical("person"))
	assert.Equal(t, "ORG", ls.canonical("org"))
}

func TestRuneOffsetsConvertsBytes(t *testing.T) {
	text := "Zoë met José"
	ro := newRuneOffsets(text)
	start := strings.Index(text, "José")
	sp, ok := ro.span(start, len(text), names.LabelPerson)
	require.True(t, ok)
	assert.Equal(t, "José", sp.Text)
	assert.Equal(t, 8, sp.Start)
	assert.Equal(t, 12, sp.End)
	assert.Equal(t, sp.Text, string([]rune(text)[sp.Start:sp.End]))

	_, ok = ro.span(3, 3, "X")
	assert.False(t, ok)
	_, ok = ro.span(0, len(text)+1, "X")
	assert.False(t, ok)
}

func TestArgmaxLabels(t *testing.T) {
	vocab := []string{"O", "B-PER", "I-PER"}
	logits := []float32{
		5, 1, 0,
		0, 3, 1,
		0, 1, 4,
	}
	assert.Equal(t, []string{"O", "B-PER", "I-PER"}, argmaxLabels(logits, 3, vocab, 3))
	assert.Equal(t, []string{"O", "", ""}, argmaxLabels(logits[:3], 3, vocab, 3))
}

func testTokenizer(lower bool) *WordPieceTokenizer {
	vocab := map[string]int64{
		"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3,
		"john": 4, "smith": 5, "met": 6, ",": 7, "jo": 8, "##hn": 9, "##son": 10,
		"John": 11,
	}
	return newTokenizerFromVocab(vocab, lower)
}

func TestEncodeWithOffsets(t *testing.T) {
	tok := testTokenizer(true)
	text := "John met Smith, Johnson"
	ids, attn, offsets := tok.EncodeWithOffsets(text, 12)
	require.Len(t, ids, 12)
	require.Len(t, attn, 12)
	require.Len(t, offsets, 12)

	assert.Equal(t, []int64{2, 4, 6, 5, 7, 4, 10, 3, 0, 0, 0, 0}, ids)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0}, attn)
	assert.Equal(t, tokenOffset{-1, -1}, offsets[0])
	assert.Equal(t, "John", text[offsets[1].Start:offsets[1].End])
	assert.Equal(t, "Smith", text[offsets[3].Start:offsets[3].End])
	assert.Equal(t, ",", text[offsets[4].Start:offsets[4].End])
	assert.Equal(t, "John", text[offsets[5].Start:offsets[5].End])
	assert.Equal(t, "son", text[offsets[6].Start:offsets[6].End])
	assert.Equal(t, tokenOffset{-1, -1}, offsets[7])
}

func TestEncodeWithOffsetsCasedAndTruncated(t *testing.T) {
	tok := testTokenizer(false)
	ids, _, offsets := tok.EncodeWithOffsets("John met Smith", 3)
	require.Len(t, ids, 3)
	assert.Equal(t, []int64{2, 11, 3}, ids)
	assert.Equal(t, tokenOffset{0, 4}, offsets[1])
}

func TestLoadTokenizerFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\nJohn\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(`{"do_lower_case": false}`), 0o600))

	tok, err := LoadTokenizerFromDir(dir)
	require.NoError(t, err)
	assert.False(t, tok.lowerCase)
	ids, _, _ := tok.EncodeWithOffsets("John", 4)
	assert.Equal(t, []int64{2, 4, 3, 0}, ids)

	_, err = LoadTokenizerFromDir(t.TempDir())
	require.Error(t, err)
}

func TestLoadModelMeta(t *testing.T) {
	dir := t.TempDir()
	cfg := `{"id2label": {"0": "O", "1": "B-PER", "2": "I-PER"}, "type_vocab_size": 2}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0o600))

	meta, err := loadModelMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"O", "B-PER", "I-PER"}, meta.Labels)
	assert.True(t, meta.RequiresTokenType)
}

func TestNewONNXUnavailable(t *testing.T) {
	_, err := New(config.RecognizerConfig{Backend: "onnx"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, err = NewONNX(config.ONNXConfig{
		ModelDir:          t.TempDir(),
		SharedLibraryPath: filepath.Join(t.TempDir(), "missing", "libonnxruntime.so"),
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "shared library")
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(config.RecognizerConfig{Backend: "spacy"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestStatic(t *testing.T) {
	spans := []names.Span{{Text: "Ann", Start: 0, End: 3, Label: names.LabelPerson}}
	r := NewStatic(spans)
	got, err := r.Recognize(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, spans, got)
	got[0].Text = "mutated"

	again, err := r.Recognize(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Ann", again[0].Text)

	boom := errors.New("boom")
	_, err = NewFailing(boom).Recognize(context.Background(), "x")
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Recognize(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProseOffsetsMatchSource(t *testing.T) {
	r, err := New(config.RecognizerConfig{Backend: "prose", PersonLabels: []string{"PER", "PERSON"}})
	require.NoError(t, err)
	defer r.Close()

	text := "Yesterday  Barack Obama met Angela Merkel in Berlin. Zoë Ålund stayed home."
	spans, err := r.Recognize(context.Background(), text)
	require.NoError(t, err)
	require.NotNil(t, spans)

	runes := []rune(text)
	for _, sp := range spans {
		require.Less(t, sp.Start, sp.End)
		require.LessOrEqual(t, sp.End, len(runes))
		assert.Equal(t, sp.Text, string(runes[sp.Start:sp.End]))
	}
}

func TestProseKeepsFullNamesTogether(t *testing.T) {
	r := NewProse([]string{"PER", "PERSON"})
	text := "Yesterday John Smith met Mary Johnson in London. Zoë Ålund said \"Hi\" to Dr. Ravi Kumar."
	spans, err := r.Recognize(context.Background(), text)
	require.NoError(t, err)

	var persons []string
	for _, sp := range spans {
		if sp.Label == names.LabelPerson {
			persons = append(persons, sp.Text)
		}
	}
	assert.Contains(t, persons, "John Smith")
	assert.Contains(t, persons, "Mary Johnson")
	for _, part := range []string{"John", "Smith", "Mary", "Johnson"} {
		assert.NotContains(t, persons, part)
	}
}

func TestProseNeverSplitsAdjacentWords(t *testing.T) {
	r := NewProse([]string{"PER", "PERSON"})
	text := "Yesterday  Barack Obama met Angela Merkel in Berlin."
	spans, err := r.Recognize(context.Background(), text)
	require.NoError(t, err)

	runes := []rune(text)
	for i := 1; i < len(spans); i++ {
		gap := string(runes[spans[i-1].End:spans[i].Start])
		assert.NotEmpty(t, strings.TrimSpace(gap), "%q and %q are one name", spans[i-1].Text, spans[i].Text)
	}
}

func TestFindTokenRun(t *testing.T) {
	tokens := []prose.Token{
		{Text: "Smith", Label: "O"},
		{Text: "met", Label: "O"},
		{Text: "John", Label: "B-PERSON"},
		{Text: "Smith", Label: "B-PERSON"},
		{Text: "and", Label: "O"},
		{Text: "John", Label: "B-PERSON"},
		{Text: "Smith", Label: "B-PERSON"},
	}

	first, last, ok := findTokenRun(tokens, []string{"John", "Smith"}, 0)
	require.True(t, ok)
	assert.Equal(t, 2, first)
	assert.Equal(t, 3, last)

	first, last, ok = findTokenRun(tokens, []string{"John", "Smith"}, last+1)
	require.True(t, ok)
	assert.Equal(t, 5, first)
	assert.Equal(t, 6, last)

	_, _, ok = findTokenRun(tokens, []string{"John", "Smith"}, last+1)
	assert.False(t, ok)
	_, _, ok = findTokenRun(tokens, []string{"Smith"}, 0)
	require.True(t, ok)
	_, _, ok = findTokenRun(tokens, nil, 0)
	assert.False(t, ok)
}

func TestProseEmptyText(t *testing.T) {
	spans, err := NewProse(nil).Recognize(context.Background(), "   ")
	require.NoError(t, err)
	assert.NotNil(t, spans)
	assert.Empty(t, spans)
}

func TestLocateToken(t *testing.T) {
	text := "Ann and Ann"
	cursor := 0
	assert.Equal(t, tokenOffset{0, 3}, locateToken(text, "Ann", &cursor))
	assert.Equal(t, tokenOffset{4, 7}, locateToken(text, "and", &cursor))
	assert.Equal(t, tokenOffset{8, 11}, locateToken(text, "Ann", &cursor))
	assert.Equal(t, tokenOffset{-1, -1}, locateToken(text, "Ann", &cursor))
}

func TestNextWindowStart(t *testing.T) {
	window := "a b c d e f g h"
	words := []tokenOffset{{-1, -1}, {0, 1}, {2, 3}, {4, 5}, {6, 7}, {8, 9}, {10, 11}}

	assert.Equal(t, 8, nextWindowStart(window, words, 2))
	assert.Equal(t, 11, nextWindowStart(window, words, 0))

	all := append(append([]tokenOffset{}, words...), tokenOffset{12, 13}, tokenOffset{14, 15}, tokenOffset{-1, -1})
	assert.Equal(t, len(window), nextWindowStart(window, all, 2))
	assert.Equal(t, len(window), nextWindowStart(window, []tokenOffset{{-1, -1}}, 2))

	// Never restart inside a word.
	pieces := []tokenOffset{{-1, -1}, {0, 4}, {4, 7}}
	assert.Equal(t, 7, nextWindowStart("Johnson met Ann", pieces, 2))
}

func TestMergeSpansJoinsWindowPieces(t *testing.T) {
	// "John" cut at one window edge, "John Smith" seen whole in the next.
	got := mergeSpans([]byteSpan{
		{Label: "PER", Start: 0, End: 4},
		{Label: "ORG", Start: 20, End: 24},
		{Label: "PER", Start: 0, End: 10},
	})
	require.Len(t, got, 2)
	assert.Equal(t, byteSpan{Label: "PER", Start: 0, End: 10}, got[0])
	assert.Equal(t, byteSpan{Label: "ORG", Start: 20, End: 24}, got[1])
}

func TestONNXSessionReturnedAfterCloseIsDestroyed(t *testing.T) {
	r := &ONNX{sessions: make(chan *nerSession, 1), poolSize: 1, closed: make(chan struct{})}
	r.release(&nerSession{})
	require.Len(t, r.sessions, 1)

	inFlight := <-r.sessions
	require.NoError(t, r.Close())
	r.release(inFlight)
	assert.Empty(t, r.sessions)

	_, err := r.Recognize(context.Background(), "John Smith")
	assert.ErrorIs(t, err, ErrUnavailable)
}
