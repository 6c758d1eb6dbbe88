package recognize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// WordPieceTokenizer implements a BERT-compatible tokenizer that keeps the
// byte offset of every piece in the source text.
type WordPieceTokenizer struct {
	vocab        map[string]int64
	lowerCase    bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
}

// LoadWordPieceTokenizer builds the tokenizer from vocab.txt.
func LoadWordPieceTokenizer(path string, lowerCase bool) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		vocab[token] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return newTokenizerFromVocab(vocab, lowerCase), nil
}

// LoadTokenizerFromDir loads a tokenizer from vocab.txt or tokenizer.json.
// Casing follows do_lower_case in tokenizer_config.json when present.
func LoadTokenizerFromDir(dir string) (*WordPieceTokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	lower := lowerCaseFromConfig(dir)

	candidates := []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPieceTokenizer(path, lower)
		}
	}

	jsonCandidates := []string{
		filepath.Join(dir, "tokenizer.json"),
		filepath.Join(dir, "tokenizer", "tokenizer.json"),
	}
	for _, path := range jsonCandidates {
		if _, err := os.Stat(path); err == nil {
			return loadTokenizerFromJSON(path, lower)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found (vocab.txt or tokenizer.json)")
}

func lowerCaseFromConfig(dir string) bool {
	for _, path := range []string{
		filepath.Join(dir, "tokenizer_config.json"),
		filepath.Join(dir, "tokenizer", "tokenizer_config.json"),
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var cfg struct {
			DoLowerCase *bool `json:"do_lower_case"`
		}
		if err := json.Unmarshal(data, &cfg); err == nil && cfg.DoLowerCase != nil {
			return *cfg.DoLowerCase
		}
	}
	return true
}

func loadTokenizerFromJSON(path string, lowerCase bool) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw struct {
		Model struct {
			Type  string `json:"type"`
			Vocab any    `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}
	if t := strings.ToLower(strings.TrimSpace(raw.Model.Type)); t != "" && t != "wordpiece" {
		return nil, fmt.Errorf("tokenizer.json model type %q is not supported", raw.Model.Type)
	}
	if vocab := vocabFromAny(raw.Model.Vocab); len(vocab) > 0 {
		return newTokenizerFromVocab(vocab, lowerCase), nil
	}
	return nil, fmt.Errorf("tokenizer.json missing vocab")
}

func newTokenizerFromVocab(vocab map[string]int64, lowerCase bool) *WordPieceTokenizer {
	return &WordPieceTokenizer{
		vocab:        vocab,
		lowerCase:    lowerCase,
		continuation: "##",
		clsID:        vocab["[CLS]"],
		sepID:        vocab["[SEP]"],
		padID:        vocab["[PAD]"],
		unkID:        vocab["[UNK]"],
	}
}

func vocabFromAny(raw any) map[string]int64 {
	switch v := raw.(type) {
	case map[string]any:
		out := make(map[string]int64, len(v))
		for k, val := range v {
			if num, ok := val.(float64); ok {
				out[k] = int64(num)
			}
		}
		return out
	case map[string]int64:
		return v
	default:
		return nil
	}
}

// EncodeWithOffsets converts text into token IDs, an attention mask and
// byte offsets, all of length seqLen. Text beyond seqLen-2 pieces is
// dropped.
func (t *WordPieceTokenizer) EncodeWithOffsets(text string, seqLen int) ([]int64, []int64, []tokenOffset) {
	if seqLen <= 0 {
		return nil, nil, nil
	}

	words := splitWordsWithOffsets(text)
	tokens := []int64{t.clsID}
	offsets := []tokenOffset{{Start: -1, End: -1}}

	for _, w := range words {
		token := w.Text
		if t.lowerCase {
			token = strings.ToLower(token)
		}
		sameLen := len(token) == len(w.Text)
		for _, p := range t.wordPieceOffsets(token) {
			if len(tokens) >= seqLen-1 {
				break
			}
			off := tokenOffset{Start: w.Start + p.start, End: w.Start + p.end}
			if !sameLen {
				// Case folding changed the byte length; fall back to the word.
				off = tokenOffset{Start: w.Start, End: w.End}
			}
			tokens = append(tokens, p.id)
			offsets = append(offsets, off)
		}
		if len(tokens) >= seqLen-1 {
			break
		}
	}

	tokens = append(tokens, t.sepID)
	offsets = append(offsets, tokenOffset{Start: -1, End: -1})

	attn := make([]int64, seqLen)
	for i := 0; i < len(tokens) && i < seqLen; i++ {
		attn[i] = 1
	}

	for len(tokens) < seqLen {
		tokens = append(tokens, t.padID)
		offsets = append(offsets, tokenOffset{Start: -1, End: -1})
	}

	return tokens, attn, offsets
}

type wordPieceOffset struct {
	id    int64
	start int
	end   int
}

func (t *WordPieceTokenizer) wordPieceOffsets(token string) []wordPieceOffset {
	if id, ok := t.vocab[token]; ok {
		return []wordPieceOffset{{id: id, start: 0, end: len(token)}}
	}

	var pieces []wordPieceOffset
	start := 0
	for start < len(token) {
		end := len(token)
		found := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, wordPieceOffset{id: id, start: start, end: end})
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
		}
	}
	if len(pieces) == 0 {
		return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
	}
	return pieces
}

type wordSpan struct {
	Text  string
	Start int
	End   int
}

// splitWordsWithOffsets splits on whitespace and isolates punctuation, the
// way BERT's basic tokenizer does.
func splitWordsWithOffsets(text string) []wordSpan {
	if text == "" {
		return nil
	}
	var spans []wordSpan
	start := -1
	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, wordSpan{Text: text[start:end], Start: start, End: end})
			start = -1
		}
	}
	for idx, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(idx)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(idx)
			_, size := utf8.DecodeRuneInString(text[idx:])
			end := idx + size
			spans = append(spans, wordSpan{Text: text[idx:end], Start: idx, End: end})
		default:
			if start < 0 {
				start = idx
			}
		}
	}
	flush(len(text))
	return spans
}
