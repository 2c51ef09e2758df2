package encoder

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/screenager/photon/internal/photonerr"
)

// VisionEncoder preprocesses images and runs the mutex-guarded vision
// transformer to produce L2-normalized embeddings.
type VisionEncoder struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	imageSize int
}

// NewVisionEncoder loads vision_model.onnx from modelDir. imageSize is the
// model variant's input side length (224 or 384).
func NewVisionEncoder(modelDir, ortLibPath string, numThreads, imageSize int) (*VisionEncoder, error) {
	modelPath := filepath.Join(modelDir, "vision_model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vision model not found at %s — run `photon models download` first", modelPath)
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
		[]string{"pixel_values"},
		[]string{"last_hidden_state", "pooler_output"},
		opts)
	if err != nil {
		return nil, fmt.Errorf("create vision session: %w", err)
	}

	return &VisionEncoder{session: session, imageSize: imageSize}, nil
}

// Close releases the session.
func (e *VisionEncoder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
}

// ImageSize returns the model's input side length.
func (e *VisionEncoder) ImageSize() int { return e.imageSize }

// Embed preprocesses img and returns its L2-normalized embedding.
func (e *VisionEncoder) Embed(img image.Image) ([]float32, error) {
	pixels := Preprocess(img, e.imageSize)
	vecs, err := e.run(pixels, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch stacks pre-built [3,H,W] pixel tensors into one [N,3,H,W] call
// and splits the pooled [N,D] output. All tensors must have the same length.
func (e *VisionEncoder) EmbedBatch(pixelTensors [][]float32) ([][]float32, error) {
	if len(pixelTensors) == 0 {
		return nil, nil
	}
	per := 3 * e.imageSize * e.imageSize
	flat := make([]float32, 0, len(pixelTensors)*per)
	for i, t := range pixelTensors {
		if len(t) != per {
			return nil, photonerr.Model("embed",
				fmt.Errorf("pixel tensor %d has %d values, want %d", i, len(t), per))
		}
		flat = append(flat, t...)
	}
	return e.runFlat(flat, len(pixelTensors))
}

func (e *VisionEncoder) run(pixels []float32, batch int) ([][]float32, error) {
	return e.runFlat(pixels, batch)
}

func (e *VisionEncoder) runFlat(flat []float32, batch int) ([][]float32, error) {
	side := int64(e.imageSize)
	tensor, err := ort.NewTensor(ort.NewShape(int64(batch), 3, side, side), flat)
	if err != nil {
		return nil, photonerr.Model("embed", fmt.Errorf("pixel_values tensor: %w", err))
	}
	defer tensor.Destroy()

	outputs := []ort.Value{nil, nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{tensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, photonerr.Model("embed", fmt.Errorf("ort run: %w", err))
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
		return nil, photonerr.Model("embed", fmt.Errorf("unexpected pooler output type (want *Tensor[float32])"))
	}
	return splitPooled(pooled, batch, "embed")
}
