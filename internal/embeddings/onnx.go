package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Model artifact file names inside a model directory.
const (
	modelFile     = "model.onnx"
	tokenizerFile = "tokenizer.json"
)

// ONNXConfig configures the local inference provider.
type ONNXConfig struct {
	// ModelDir is the directory holding model.onnx and tokenizer.json.
	ModelDir string

	// LibraryPath is the path to the onnxruntime shared library. Empty uses
	// the onnxruntime default lookup.
	LibraryPath string

	// Dimensions is the encoder hidden size (default: 384 for
	// all-MiniLM-L6-v2).
	Dimensions int

	// MaxSeqLen is the fixed token sequence length (default: 128).
	MaxSeqLen int

	// BatchSize is the number of documents per inference call (default: 32).
	BatchSize int
}

// ONNX embeds text with a local transformer-style encoder: WordPiece
// tokenization, a single encoder forward pass, attention-masked mean pooling
// over the token axis, and L2 normalization of each pooled vector.
type ONNX struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *wordPieceTokenizer
	dimensions int
	maxSeqLen  int
	batchSize  int

	mu sync.Mutex // onnxruntime sessions are not safe for concurrent Run
}

// The onnxruntime environment is process-global and may only be initialized
// once.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// NewONNX loads the tokenizer and encoder from cfg.ModelDir and prepares an
// inference session.
func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.ModelDir == "" {
		return nil, fmt.Errorf("embeddings: ModelDir is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSeqLen == 0 {
		cfg.MaxSeqLen = 128
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("embeddings: initialize onnxruntime: %w", err)
	}

	tokenizer, err := loadTokenizer(filepath.Join(cfg.ModelDir, tokenizerFile))
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(
		filepath.Join(cfg.ModelDir, modelFile),
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create inference session: %w", err)
	}

	return &ONNX{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		maxSeqLen:  cfg.MaxSeqLen,
		batchSize:  cfg.BatchSize,
	}, nil
}

// Embed computes one vector per text, processing in batches and
// concatenating results in input order.
func (e *ONNX) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// Dimensions returns the embedding vector size.
func (e *ONNX) Dimensions() int {
	return e.dimensions
}

// Close releases the inference session.
func (e *ONNX) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
		e.session = nil
	}
	return nil
}

// embedBatch runs one forward pass over a batch of documents.
func (e *ONNX) embedBatch(texts []string) ([][]float32, error) {
	batch := len(texts)
	seq := e.maxSeqLen

	inputIDs := make([]int64, batch*seq)
	attentionMask := make([]int64, batch*seq)
	tokenTypeIDs := make([]int64, batch*seq)

	for i, text := range texts {
		ids, mask := e.tokenizer.Encode(text, seq)
		copy(inputIDs[i*seq:], ids)
		copy(attentionMask[i*seq:], mask)
	}

	shape := ort.NewShape(int64(batch), int64(seq))

	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}

	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("embeddings: inference failed: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("embeddings: unexpected output tensor type %T", outputs[0])
	}

	outShape := hidden.GetShape()
	if len(outShape) != 3 || outShape[0] != int64(batch) || outShape[2] != int64(e.dimensions) {
		return nil, fmt.Errorf("embeddings: unexpected output shape %v, want [%d, seq, %d]", outShape, batch, e.dimensions)
	}

	return meanPool(hidden.GetData(), attentionMask, batch, int(outShape[1]), e.dimensions), nil
}

// meanPool reduces per-token hidden states [batch, seq, hidden] to one
// vector per row: the sum of hidden states weighted by the attention mask,
// divided by the mask sum (floored at a small epsilon), then L2-normalized.
func meanPool(data []float32, mask []int64, batch, seq, hidden int) [][]float32 {
	out := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		vec := make([]float32, hidden)
		var attended float64
		for s := 0; s < seq; s++ {
			if mask[b*seq+s] == 0 {
				continue
			}
			attended++
			offset := (b*seq + s) * hidden
			for h := 0; h < hidden; h++ {
				vec[h] += data[offset+h]
			}
		}
		if attended < normEpsilon {
			attended = normEpsilon
		}
		for h := 0; h < hidden; h++ {
			vec[h] = float32(float64(vec[h]) / attended)
		}
		out[b] = l2Normalize(vec)
	}
	return out
}
