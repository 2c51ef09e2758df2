package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/screenager/photon/internal/labelbank"
	"github.com/screenager/photon/internal/photonerr"
)

const (
	// textSeqLen is SigLIP's fixed text context length. Inputs are truncated
	// or padded to exactly this many tokens.
	textSeqLen = 64
	// padTokenID is the SigLIP sentencepiece padding id.
	padTokenID = 1
)

// TextEncoder tokenizes terms and runs the mutex-guarded text transformer to
// produce L2-normalized embeddings.
type TextEncoder struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
}

// NewTextEncoder loads text_model.onnx and tokenizer.json from modelDir.
// ortLibPath points at onnxruntime.so; pass "" for the system default.
func NewTextEncoder(modelDir, ortLibPath string, numThreads int) (*TextEncoder, error) {
	modelPath := filepath.Join(modelDir, "text_model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("text model not found at %s — run `photon models download` first", modelPath)
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, fmt.Errorf("tokenizer not found at %s — run `photon models download` first", tokenPath)
	}

	if err := initRuntime(ortLibPath); err != nil {
		return nil, err
	}

	opts, err := newSessionOptions(numThreads)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids"},
		[]string{"last_hidden_state", "pooler_output"},
		opts)
	if err != nil {
		return nil, fmt.Errorf("create text session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &TextEncoder{session: session, tokenizer: tk}, nil
}

// Close releases the session and tokenizer.
func (e *TextEncoder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Encode embeds a single text.
func (e *TextEncoder) Encode(text string) ([]float32, error) {
	vecs, err := e.EncodeBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeBatch embeds texts in one session call: tokenize to the fixed context
// length, build a flat [B,L] input-id tensor, run the session, take the
// pooler output [B,D], and L2-normalize each row. An empty batch returns an
// empty result without touching the session.
func (e *TextEncoder) EncodeBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batch := len(texts)

	flatIDs := make([]int64, batch*textSeqLen)
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(text, true)
		ids := enc.IDs
		if len(ids) > textSeqLen {
			ids = ids[:textSeqLen]
		}
		row := flatIDs[i*textSeqLen : (i+1)*textSeqLen]
		for j := range row {
			if j < len(ids) {
				row[j] = int64(ids[j])
			} else {
				row[j] = padTokenID
			}
		}
	}

	inputIDs, err := ort.NewTensor(ort.NewShape(int64(batch), textSeqLen), flatIDs)
	if err != nil {
		return nil, photonerr.Model("text_encode", fmt.Errorf("input_ids tensor: %w", err))
	}
	defer inputIDs.Destroy()

	outputs := []ort.Value{nil, nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{inputIDs}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, photonerr.Model("text_encode", fmt.Errorf("ort run: %w", err))
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	pooled, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return nil, photonerr.Model("text_encode", fmt.Errorf("unexpected pooler output type (want *Tensor[float32])"))
	}
	return splitPooled(pooled, batch, "text_encode")
}

// splitPooled slices a [B,D] pooler tensor into B normalized row copies.
func splitPooled(pooled *ort.Tensor[float32], batch int, stage string) ([][]float32, error) {
	shape := pooled.GetShape()
	if len(shape) != 2 || int(shape[0]) != batch || int(shape[1]) != EmbeddingDim {
		return nil, photonerr.Model(stage, fmt.Errorf("pooler output shape %v, want [%d %d]", shape, batch, EmbeddingDim))
	}
	data := pooled.GetData()
	out := make([][]float32, batch)
	for i := 0; i < batch; i++ {
		vec := make([]float32, EmbeddingDim)
		copy(vec, data[i*EmbeddingDim:(i+1)*EmbeddingDim])
		labelbank.Normalize(vec)
		out[i] = vec
	}
	return out, nil
}
