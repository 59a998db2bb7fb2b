package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"pii-anonymizer/internal/pii"
)

// ONNXOptions configures the local token-classification backend.
type ONNXOptions struct {
	// ModelDir holds model.onnx, config.json (id2label) and vocab.txt or
	// tokenizer.json.
	ModelDir string
	// SharedLibrary is the onnxruntime library path. Empty probes
	// ONNXRUNTIME_SHARED_LIBRARY_PATH and common locations.
	SharedLibrary string
	// SeqLen is the model input length in tokens, [CLS] and [SEP] included.
	SeqLen int
	// Sessions is the number of pooled sessions, i.e. concurrent inferences.
	Sessions int
	// Threads is the intra-op thread count per session.
	Threads int
	// CaseSensitive disables lower-casing for cased models.
	CaseSensitive bool
}

// ONNX runs a BERT-style NER model in process.
type ONNX struct {
	tok       *wordPiece
	labels    []string
	seqLen    int
	sessions  chan *onnxSession
	poolSize  int
	closeOnce sync.Once
	closed    chan struct{}
}

type onnxSession struct {
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
}

// NewONNX loads the model and builds the session pool.
func NewONNX(opts ONNXOptions) (*ONNX, error) {
	if strings.TrimSpace(opts.ModelDir) == "" {
		return nil, errors.New("onnx: model dir is empty")
	}
	if opts.SeqLen <= 0 {
		opts.SeqLen = 256
	}
	if opts.SeqLen < 8 {
		return nil, fmt.Errorf("onnx: sequence length %d too small", opts.SeqLen)
	}
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}

	modelPath := filepath.Join(opts.ModelDir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx: model file missing at %s: %w", modelPath, err)
	}
	labels, needsTokenType, err := loadModelConfig(filepath.Join(opts.ModelDir, "config.json"))
	if err != nil {
		return nil, err
	}
	tok, err := loadTokenizer(opts.ModelDir, !opts.CaseSensitive)
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	lib := opts.SharedLibrary
	if lib == "" {
		lib = resolveSharedLibraryPath(opts.ModelDir)
	}
	if lib == "" {
		return nil, errors.New("onnx: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	ort.SetSharedLibraryPath(lib)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}

	outputName, err := selectOutputName(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: inspect model: %w", err)
	}

	o := &ONNX{
		tok:      tok,
		labels:   labels,
		seqLen:   opts.SeqLen,
		sessions: make(chan *onnxSession, opts.Sessions),
		poolSize: opts.Sessions,
		closed:   make(chan struct{}),
	}
	for i := 0; i < opts.Sessions; i++ {
		s, err := newONNXSession(modelPath, opts.SeqLen, len(labels), opts.Threads, needsTokenType, outputName)
		if err != nil {
			_ = o.Close()
			return nil, err
		}
		o.sessions <- s
	}
	return o, nil
}

func newONNXSession(modelPath string, seqLen, numLabels, threads int, tokenType bool, outputName string) (*onnxSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer opts.Destroy() //nolint:errcheck // options are copied into the session
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("onnx: set intra threads: %w", err)
	}

	shape := ort.NewShape(1, int64(seqLen))
	s := &onnxSession{}
	if s.inputIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		return nil, fmt.Errorf("onnx: allocate input_ids: %w", err)
	}
	if s.attentionMask, err = ort.NewEmptyTensor[int64](shape); err != nil {
		s.destroy()
		return nil, fmt.Errorf("onnx: allocate attention_mask: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputs := []ort.Value{s.inputIDs, s.attentionMask}
	if tokenType {
		if s.tokenTypeIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
			s.destroy()
			return nil, fmt.Errorf("onnx: allocate token_type_ids: %w", err)
		}
		inputNames = append(inputNames, "token_type_ids")
		inputs = append(inputs, s.tokenTypeIDs)
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(numLabels))); err != nil {
		s.destroy()
		return nil, fmt.Errorf("onnx: allocate output: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(modelPath, inputNames, []string{outputName}, inputs, []ort.Value{s.output}, opts)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	return s, nil
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		_ = s.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{s.inputIDs, s.attentionMask, s.tokenTypeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if s.output != nil {
		_ = s.output.Destroy()
	}
}

// Name implements Recognizer.
func (o *ONNX) Name() string { return "onnx" }

// Recognize implements Recognizer. Long inputs are split into overlapping
// windows; spans from different windows are merged.
func (o *ONNX) Recognize(ctx context.Context, text string) ([]pii.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var all []pii.Span
	for _, w := range windows(o.tok.tokenize(text), o.seqLen-2) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spans, err := o.runWindow(ctx, w)
		if err != nil {
			return nil, err
		}
		all = append(all, spans...)
	}
	return mergeEntities(all), nil
}

func (o *ONNX) runWindow(ctx context.Context, w window) ([]pii.Span, error) {
	var s *onnxSession
	select {
	case s = <-o.sessions:
	case <-o.closed:
		return nil, errors.New("onnx: recognizer closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { o.sessions <- s }()

	o.tok.encode(w, s.inputIDs.GetData(), s.attentionMask.GetData())
	if s.tokenTypeIDs != nil {
		clear(s.tokenTypeIDs.GetData())
	}
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}

	logits := s.output.GetData()
	numLabels := len(o.labels)
	preds := make([]tokenLabel, 0, len(w.tokens))
	for i, tok := range w.tokens {
		pos := i + 1 // skip [CLS]
		base := pos * numLabels
		if pos >= o.seqLen-1 || base+numLabels > len(logits) {
			break
		}
		best, p := argmaxSoftmax(logits[base : base+numLabels])
		preds = append(preds, tokenLabel{label: o.labels[best], score: p, start: tok.start, end: tok.end})
	}
	return entitiesFromTokenLabels(preds), nil
}

// Ping implements Pinger.
func (o *ONNX) Ping(context.Context) error {
	select {
	case <-o.closed:
		return errors.New("onnx: recognizer closed")
	default:
		return nil
	}
}

// Close destroys every pooled session. In-flight calls finish first.
func (o *ONNX) Close() error {
	o.closeOnce.Do(func() {
		close(o.closed)
		for i := 0; i < o.poolSize; i++ {
			select {
			case s := <-o.sessions:
				s.destroy()
			default:
				// pool not fully built, or sessions still in use
				return
			}
		}
	})
	return nil
}

type modelConfig struct {
	ID2Label      map[string]string `json:"id2label"`
	TypeVocabSize int               `json:"type_vocab_size"`
}

func loadModelConfig(path string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("onnx: read model config: %w", err)
	}
	var cfg modelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("onnx: parse model config: %w", err)
	}
	labels := labelsFromIDMap(cfg.ID2Label)
	if len(labels) == 0 {
		return nil, false, errors.New("onnx: model config has no id2label")
	}
	return labels, cfg.TypeVocabSize > 0, nil
}

func selectOutputName(modelPath string) (string, error) {
	_, outputs, err := ort.GetInputOutputInfoWithOptions(modelPath, nil)
	if err != nil {
		return "", err
	}
	for _, out := range outputs {
		if strings.EqualFold(out.Name, "logits") {
			return out.Name, nil
		}
	}
	if len(outputs) == 1 {
		return outputs[0].Name, nil
	}
	return "", fmt.Errorf("%d outputs and none named logits", len(outputs))
}

// resolveSharedLibraryPath locates the onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names are probed.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{"libonnxruntime.so", "libonnxruntime.dylib", "onnxruntime.dll"}
	dirs := []string{modelDir, filepath.Join(modelDir, "lib"), "/usr/local/lib", "/usr/lib"}
	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if fileExists(path) {
				return path
			}
		}
	}
	return ""
}
