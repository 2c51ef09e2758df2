package llm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screenager/photon/internal/photonerr"
)

// stubProvider scripts a sequence of responses for Describe.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*Response, error)
}

func (s *stubProvider) Name() string      { return "stub" }
func (s *stubProvider) IsAvailable() bool { return true }
func (s *stubProvider) Describe(ctx context.Context, img ImageInput, prompt string) (*Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call)
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func writeImageFile(t *testing.T) (string, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.jpg")
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3, 4}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, int64(len(data))
}

func newTestEnricher(p Provider, cb func(Result)) *Enricher {
	return NewEnricher(p, 2, time.Second, 3, time.Millisecond, 1<<20, cb)
}

func TestRetryableClassification(t *testing.T) {
	// An error whose message merely mentions a number must not be retried
	// when no HTTP status was available.
	misleading := photonerr.LLM("/x.jpg", 0, fmt.Errorf("Processed 500 tokens"))
	require.False(t, retryable(misleading), "status absence must not fall back to digit matching")

	require.True(t, retryable(photonerr.LLM("/x.jpg", 500, fmt.Errorf("server error"))))
	require.True(t, retryable(photonerr.LLM("/x.jpg", 429, fmt.Errorf("rate limited"))))
	require.False(t, retryable(photonerr.LLM("/x.jpg", 400, fmt.Errorf("bad request"))))
	require.False(t, retryable(photonerr.LLM("/x.jpg", 401, fmt.Errorf("unauthorized"))))

	// Connection-class failures retry on message substring alone.
	require.True(t, retryable(fmt.Errorf("dial tcp: connection refused")))
	require.False(t, retryable(fmt.Errorf("model not found")))
}

func TestNoRetryWithoutStatus(t *testing.T) {
	path, size := writeImageFile(t)
	provider := &stubProvider{fn: func(int) (*Response, error) {
		return nil, photonerr.LLM(path, 0, fmt.Errorf("Processed 500 tokens"))
	}}

	var result Result
	var wg sync.WaitGroup
	wg.Add(1)
	e := newTestEnricher(provider, func(r Result) { result = r; wg.Done() })
	e.Submit(context.Background(), Task{Path: path, ContentHash: "h", MIME: "image/jpeg", FileSize: size})
	wg.Wait()
	e.Wait()

	require.Error(t, result.Err)
	require.Equal(t, 1, provider.callCount(), "non-retryable errors get exactly one attempt")
}

func TestRetryOnServerError(t *testing.T) {
	path, size := writeImageFile(t)
	provider := &stubProvider{fn: func(call int) (*Response, error) {
		if call < 3 {
			return nil, photonerr.LLM(path, 500, fmt.Errorf("internal error"))
		}
		return &Response{Text: "a dog on a carpet", Model: "stub-1", LatencyMs: 5}, nil
	}}

	var result Result
	var wg sync.WaitGroup
	wg.Add(1)
	e := newTestEnricher(provider, func(r Result) { result = r; wg.Done() })
	e.Submit(context.Background(), Task{Path: path, ContentHash: "h", MIME: "image/jpeg", FileSize: size})
	wg.Wait()
	succeeded, failed := e.Wait()

	require.NoError(t, result.Err)
	require.Equal(t, 3, provider.callCount(), "500s retry with backoff until success")
	require.Equal(t, "a dog on a carpet", result.Patch.Description)
	require.Equal(t, "h", result.Patch.ContentHash)
	require.Equal(t, uint64(1), succeeded)
	require.Zero(t, failed)
}

func TestRetryExhaustion(t *testing.T) {
	path, size := writeImageFile(t)
	provider := &stubProvider{fn: func(int) (*Response, error) {
		return nil, photonerr.LLM(path, 503, fmt.Errorf("unavailable"))
	}}

	var wg sync.WaitGroup
	wg.Add(1)
	var result Result
	e := newTestEnricher(provider, func(r Result) { result = r; wg.Done() })
	e.Submit(context.Background(), Task{Path: path, ContentHash: "h", MIME: "image/jpeg", FileSize: size})
	wg.Wait()
	e.Wait()

	require.Error(t, result.Err)
	require.Equal(t, 4, provider.callCount(), "initial attempt plus retry_attempts retries")
}

func TestFileSizeGuard(t *testing.T) {
	path, _ := writeImageFile(t)
	provider := &stubProvider{fn: func(int) (*Response, error) {
		t.Fatal("provider must not be called for oversized files")
		return nil, nil
	}}

	var wg sync.WaitGroup
	wg.Add(1)
	var result Result
	e := NewEnricher(provider, 1, time.Second, 0, time.Millisecond, 4, func(r Result) { result = r; wg.Done() })
	e.Submit(context.Background(), Task{Path: path, ContentHash: "h", MIME: "image/jpeg", FileSize: 8})
	wg.Wait()
	e.Wait()
	require.Error(t, result.Err)
}

func TestPermitSurvivesCallbackPanic(t *testing.T) {
	path, size := writeImageFile(t)
	provider := &stubProvider{fn: func(int) (*Response, error) {
		return &Response{Text: "ok", Model: "stub"}, nil
	}}

	var delivered atomic.Int32
	e := NewEnricher(provider, 1, time.Second, 0, time.Millisecond, 1<<20, func(r Result) {
		if delivered.Add(1) == 1 {
			panic("consumer bug")
		}
	})

	task := Task{Path: path, ContentHash: "h", MIME: "image/jpeg", FileSize: size}
	e.Submit(context.Background(), task)
	e.Submit(context.Background(), task)
	e.Submit(context.Background(), task)
	e.Wait()

	require.Equal(t, int32(3), delivered.Load(),
		"a panicking callback must not leak the semaphore permit")
}

func TestBuildPromptIncludesTags(t *testing.T) {
	p := buildPrompt([]string{"labrador retriever", "carpet"})
	require.Contains(t, p, "labrador retriever, carpet")
	require.NotEmpty(t, buildPrompt(nil))
}
