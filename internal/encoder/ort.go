// Package encoder wraps the SigLIP text and vision transformers behind
// mutex-guarded ONNX Runtime sessions. Both encoders emit D-dimensional
// L2-normalized embeddings in a shared cross-modal space.
package encoder

import (
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EmbeddingDim is the output dimension of the SigLIP base pooler head.
const EmbeddingDim = 768

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime points ORT at the shared library (if given) and initializes the
// environment once per process.
func initRuntime(ortLibPath string) error {
	ortInitOnce.Do(func() {
		if ortLibPath != "" {
			ort.SetSharedLibraryPath(ortLibPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("init ort: %w", ortInitErr)
	}
	return nil
}

// newSessionOptions builds CPU session options with conservative threading.
// More intra-op threads rarely help on ≤4-core machines, and inter-op
// parallelism stays at 1 to avoid thread-spawn contention between the two
// sessions.
func newSessionOptions(numThreads int) (*ort.SessionOptions, error) {
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set inter threads: %w", err)
	}
	return opts, nil
}
