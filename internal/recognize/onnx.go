package recognize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/names"
	"github.com/safeharbour/harbour/internal/redact"
)

const (
	defaultSeqLen       = 256
	defaultIntraThreads = 1
	defaultInterThreads = 1

	// windowOverlap is how many trailing tokens of a window are labelled
	// again at the head of the next one.
	windowOverlap = 16
)

var ortInitMu sync.Mutex

// ONNX runs a Hugging Face token-classification model exported to ONNX.
// Sessions are pooled; each call checks one out for its duration.
type ONNX struct {
	modelPath  string
	tokenizer  *WordPieceTokenizer
	labels     []string
	numLabels  int
	seqLen     int
	sessions   chan *nerSession
	poolSize   int
	personSet  labelSet
	closeOnce  sync.Once
	closed     chan struct{}
	closeError error

	poolMu sync.Mutex // orders session returns against Close
}

type nerSession struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

// NewONNX loads the model in cfg.ModelDir. Missing runtime library, model
// or tokenizer files are reported as ErrUnavailable.
func NewONNX(cfg config.ONNXConfig, personLabels []string) (*ONNX, error) {
	dir := strings.TrimSpace(cfg.ModelDir)
	if dir == "" {
		return nil, unavailable("onnx model_dir is not configured")
	}

	libPath := resolveSharedLibraryPath(cfg.SharedLibraryPath, dir)
	if libPath == "" {
		return nil, unavailable("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}

	modelPath := resolveModelPath(dir)
	if modelPath == "" {
		return nil, unavailable("onnx model not found in %s", dir)
	}

	tokenizer, err := LoadTokenizerFromDir(dir)
	if err != nil {
		return nil, unavailable("load tokenizer: %v", err)
	}

	meta, err := loadModelMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	if len(meta.Labels) == 0 {
		return nil, unavailable("model in %s has no token labels (config.json id2label)", dir)
	}

	if err := initRuntime(libPath); err != nil {
		return nil, err
	}

	seqLen := cfg.SeqLen
	if seqLen <= 0 {
		seqLen = defaultSeqLen
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	intraThr := cfg.IntraThreads
	if intraThr <= 0 {
		intraThr = defaultIntraThreads
	}
	interThr := cfg.InterThreads
	if interThr <= 0 {
		interThr = defaultInterThreads
	}

	outputName, outputDims, err := selectOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx output selection: %w", err)
	}

	r := &ONNX{
		modelPath: modelPath,
		tokenizer: tokenizer,
		labels:    meta.Labels,
		numLabels: len(meta.Labels),
		seqLen:    seqLen,
		sessions:  make(chan *nerSession, poolSize),
		poolSize:  poolSize,
		personSet: newLabelSet(personLabels),
		closed:    make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		ss, err := newNERSession(modelPath, seqLen, r.numLabels, outputDims, intraThr, interThr, meta.RequiresTokenType, outputName)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("create onnx session %d/%d: %w", i+1, poolSize, err)
		}
		r.sessions <- ss
	}
	redact.Logf("recognizer: loaded onnx model=%s labels=%d seq_len=%d pool=%d", filepath.Base(modelPath), r.numLabels, seqLen, poolSize)
	return r, nil
}

func (r *ONNX) Name() string { return "onnx" }

// Recognize labels text window by window; each window holds as many words
// as fit in one sequence.
func (r *ONNX) Recognize(ctx context.Context, text string) ([]names.Span, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spans := []names.Span{}
	if strings.TrimSpace(text) == "" {
		return spans, nil
	}

	var ss *nerSession
	select {
	case ss = <-r.sessions:
	case <-r.closed:
		return nil, unavailable("onnx recognizer is closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer r.release(ss)

	var found []byteSpan
	base := 0
	for base < len(text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		window := text[base:]
		windowSpans, next, err := r.runWindow(ss, window)
		if err != nil {
			return nil, err
		}
		for _, bs := range windowSpans {
			bs.Start += base
			bs.End += base
			found = append(found, bs)
		}
		if next <= 0 || next >= len(window) {
			break
		}
		base += next
	}

	// Windows overlap, so an entity cut at one window's edge is seen whole
	// in the next and the pieces merge.
	ro := newRuneOffsets(text)
	for _, bs := range mergeSpans(found) {
		if sp, ok := ro.span(bs.Start, bs.End, r.personSet.canonical(bs.Label)); ok {
			spans = append(spans, sp)
		}
	}
	return spans, nil
}

// release returns ss to the pool, or destroys it once Close has run.
func (r *ONNX) release(ss *nerSession) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	select {
	case <-r.closed:
		if err := ss.destroy(); err != nil {
			redact.Warnf("recognizer: destroy onnx session: %v", err)
		}
	default:
		r.sessions <- ss
	}
}

// runWindow runs one sequence and returns the spans found plus the byte
// offset in window where the next window should start.
func (r *ONNX) runWindow(ss *nerSession, window string) ([]byteSpan, int, error) {
	inputIDs, attn, offsets := r.tokenizer.EncodeWithOffsets(window, r.seqLen)
	copy(ss.inputIDs.GetData(), inputIDs)
	copy(ss.attentionMask.GetData(), attn)
	if ss.tokenTypeIDs != nil {
		tokenTypes := ss.tokenTypeIDs.GetData()
		for i := range tokenTypes {
			tokenTypes[i] = 0
		}
	}

	if err := ss.session.Run(); err != nil {
		return nil, 0, fmt.Errorf("onnx run: %w", err)
	}

	logits := ss.output.GetData()
	labels := argmaxLabels(logits, r.numLabels, r.labels, len(offsets))
	return spansFromTokenLabels(labels, offsets), nextWindowStart(window, offsets, windowOverlap), nil
}

// nextWindowStart returns where the window after this one begins: at the
// start of a word among the last overlap encoded tokens, or right after
// the encoded tokens when none qualifies. It returns len(window) when
// every byte was encoded.
func nextWindowStart(window string, offsets []tokenOffset, overlap int) int {
	var encoded []tokenOffset
	for _, off := range offsets {
		if off.Start >= 0 && off.End > off.Start {
			encoded = append(encoded, off)
		}
	}
	if len(encoded) == 0 {
		return len(window)
	}
	end := encoded[len(encoded)-1].End
	if strings.TrimSpace(window[end:]) == "" {
		return len(window)
	}

	// Keep at least half of the window as fresh progress.
	floor := len(encoded) / 2
	for i := len(encoded) - overlap; i < len(encoded); i++ {
		if i <= floor {
			continue
		}
		start := encoded[i].Start
		if isWordStart(window, start) {
			return start
		}
	}
	return end
}

func isWordStart(s string, i int) bool {
	if i <= 0 || i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsSpace(r)
}

// argmaxLabels picks the best label per token from row-major logits.
func argmaxLabels(logits []float32, numLabels int, vocab []string, tokens int) []string {
	labels := make([]string, tokens)
	if numLabels <= 0 {
		return labels
	}
	for i := 0; i < tokens; i++ {
		base := i * numLabels
		if base >= len(logits) {
			break
		}
		best := 0
		bestScore := float32(-math.MaxFloat32)
		for j := 0; j < numLabels && base+j < len(logits); j++ {
			if logits[base+j] > bestScore {
				best = j
				bestScore = logits[base+j]
			}
		}
		if best < len(vocab) {
			labels[i] = vocab[best]
		}
	}
	return labels
}

// Close destroys the idle pooled sessions and rejects further calls.
// Sessions still checked out are destroyed when their call returns.
func (r *ONNX) Close() error {
	r.closeOnce.Do(func() {
		r.poolMu.Lock()
		defer r.poolMu.Unlock()
		close(r.closed)
		var errs []error
		for i := 0; i < r.poolSize; i++ {
			var ss *nerSession
			select {
			case ss = <-r.sessions:
			default:
			}
			if ss == nil {
				break
			}
			errs = append(errs, ss.destroy())
		}
		r.closeError = errors.Join(errs...)
	})
	return r.closeError
}

func (s *nerSession) destroy() error {
	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	if s.inputIDs != nil {
		errs = append(errs, s.inputIDs.Destroy())
	}
	if s.attentionMask != nil {
		errs = append(errs, s.attentionMask.Destroy())
	}
	if s.tokenTypeIDs != nil {
		errs = append(errs, s.tokenTypeIDs.Destroy())
	}
	if s.output != nil {
		errs = append(errs, s.output.Destroy())
	}
	return errors.Join(errs...)
}

func initRuntime(libPath string) error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return unavailable("initialize onnxruntime: %v", err)
	}
	return nil
}

// resolveSharedLibraryPath locates the onnxruntime shared library. An
// explicit path wins; otherwise common names and locations are probed.
func resolveSharedLibraryPath(explicit, modelDir string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	libNames := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range libNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// resolveModelPath prefers a quantized export when one is present.
func resolveModelPath(dir string) string {
	for _, rel := range []string{
		"model.int8.onnx",
		"model.onnx",
		filepath.Join("onnx", "model_quantized.onnx"),
		filepath.Join("onnx", "model.onnx"),
	} {
		p := filepath.Join(dir, rel)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

type modelMeta struct {
	Labels            []string
	RequiresTokenType bool
}

func loadModelMeta(dir string) (modelMeta, error) {
	meta := modelMeta{}
	if data, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil {
		var cfg struct {
			ID2Label      map[string]string `json:"id2label"`
			Label2ID      map[string]int    `json:"label2id"`
			TypeVocabSize int               `json:"type_vocab_size"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return meta, err
		}
		meta.Labels = labelsFromIDMap(cfg.ID2Label)
		if len(meta.Labels) == 0 {
			meta.Labels = labelsFromLabel2ID(cfg.Label2ID)
		}
		meta.RequiresTokenType = cfg.TypeVocabSize > 0
	}

	if data, err := os.ReadFile(filepath.Join(dir, "label_map.json")); err == nil {
		var list []string
		if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
			meta.Labels = list
		} else {
			var idMap map[string]string
			if err := json.Unmarshal(data, &idMap); err == nil {
				meta.Labels = labelsFromIDMap(idMap)
			}
		}
	}
	return meta, nil
}

func labelsFromIDMap(id2label map[string]string) []string {
	if len(id2label) == 0 {
		return nil
	}
	maxID := -1
	byID := make(map[int]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 0 {
			continue
		}
		byID[id] = v
		if id > maxID {
			maxID = id
		}
	}
	if maxID < 0 {
		return nil
	}
	labels := make([]string, maxID+1)
	for id, lbl := range byID {
		labels[id] = lbl
	}
	return labels
}

func labelsFromLabel2ID(label2id map[string]int) []string {
	inverted := make(map[string]string, len(label2id))
	for lbl, id := range label2id {
		inverted[strconv.Itoa(id)] = lbl
	}
	return labelsFromIDMap(inverted)
}

func newNERSession(modelPath string, seqLen, numLabels int, outputDims []int64, intraThr, interThr int, includeTokenType bool, outputName string) (*nerSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	ss := &nerSession{}
	inputShape := ort.NewShape(1, int64(seqLen))
	if ss.inputIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	if ss.attentionMask, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		_ = ss.destroy()
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	if includeTokenType {
		if ss.tokenTypeIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
			_ = ss.destroy()
			return nil, fmt.Errorf("allocate token_type_ids tensor: %w", err)
		}
	}
	if ss.output, err = ort.NewEmptyTensor[float32](buildOutputShape(outputDims, seqLen, numLabels)); err != nil {
		_ = ss.destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{ss.inputIDs, ss.attentionMask}
	if ss.tokenTypeIDs != nil {
		inputNames = append(inputNames, "token_type_ids")
		inputValues = append(inputValues, ss.tokenTypeIDs)
	}
	if outputName == "" {
		outputName = "logits"
	}
	ss.session, err = ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{outputName},
		inputValues,
		[]ort.Value{ss.output},
		opts,
	)
	if err != nil {
		_ = ss.destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return ss, nil
}

func selectOutputInfo(modelPath string) (string, []int64, error) {
	_, outputs, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return "", nil, err
	}
	if len(outputs) == 0 {
		return "", nil, fmt.Errorf("no outputs found")
	}
	for _, out := range outputs {
		if strings.EqualFold(out.Name, "logits") {
			return out.Name, out.Dimensions, nil
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Name, outputs[0].Dimensions, nil
	}
	outNames := make([]string, 0, len(outputs))
	for _, out := range outputs {
		outNames = append(outNames, out.Name)
	}
	return "", nil, fmt.Errorf("multiple outputs found without logits: %v", outNames)
}

// buildOutputShape fills dynamic dimensions of a [batch, seq, labels]
// logits output.
func buildOutputShape(dims []int64, seqLen, numLabels int) ort.Shape {
	if len(dims) != 3 {
		return ort.NewShape(1, int64(seqLen), int64(numLabels))
	}
	shape := make([]int64, 3)
	for i, v := range dims {
		if v > 0 {
			shape[i] = v
			continue
		}
		switch i {
		case 0:
			shape[i] = 1
		case 1:
			shape[i] = int64(seqLen)
		case 2:
			shape[i] = int64(numLabels)
		}
	}
	return ort.Shape(shape)
}
