package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/screenager/photon/internal/photonerr"
)

// maxEnricherParallel caps provider concurrency regardless of configuration.
const maxEnricherParallel = 8

// maxBackoff bounds the exponential retry delay.
const maxBackoff = 30 * time.Second

// Task describes one image to enrich.
type Task struct {
	Path        string
	ContentHash string
	MIME        string
	FileSize    int64
	// Tags are the image's top detected tags, used as prompt context.
	Tags []string
}

// Result is the outcome of one enrichment: either Patch is set, or Err.
type Result struct {
	Path  string
	Patch *EnrichmentPatch
	Err   error
}

// Enricher fans image-description requests out to a provider under a
// semaphore, with retry, per-request timeout, and exponential backoff.
// Results stream to the callback as they complete.
type Enricher struct {
	provider      Provider
	sem           *semaphore.Weighted
	wg            sync.WaitGroup
	timeout       time.Duration
	retryAttempts int
	retryDelay    time.Duration
	maxFileBytes  int64
	callback      func(Result)

	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewEnricher builds an enricher. parallel is clamped to maxEnricherParallel;
// callback receives every Result and may be called from multiple goroutines.
func NewEnricher(provider Provider, parallel int, timeout time.Duration,
	retryAttempts int, retryDelay time.Duration, maxFileBytes int64, callback func(Result)) *Enricher {

	if parallel < 1 {
		parallel = 1
	}
	if parallel > maxEnricherParallel {
		parallel = maxEnricherParallel
	}
	return &Enricher{
		provider:      provider,
		sem:           semaphore.NewWeighted(int64(parallel)),
		timeout:       timeout,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		maxFileBytes:  maxFileBytes,
		callback:      callback,
	}
}

// Submit schedules one enrichment and returns at once; the spawned goroutine
// waits for a semaphore permit and then calls the provider.
func (e *Enricher) Submit(ctx context.Context, task Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.deliver(Result{Path: task.Path, Err: err})
			return
		}
		// The permit must survive panics in the provider or the callback:
		// a leaked permit deadlocks every later submission.
		defer e.sem.Release(1)
		e.deliver(e.enrich(ctx, task))
	}()
}

// Wait blocks until all submitted tasks have delivered their results, then
// logs the aggregate counts.
func (e *Enricher) Wait() (succeeded, failed uint64) {
	e.wg.Wait()
	succeeded, failed = e.succeeded.Load(), e.failed.Load()
	slog.Info("enrichment finished", "succeeded", succeeded, "failed", failed)
	return succeeded, failed
}

func (e *Enricher) deliver(r Result) {
	if r.Err != nil {
		e.failed.Add(1)
		slog.Warn("enrichment failed", "path", r.Path, "error", r.Err)
	} else {
		e.succeeded.Add(1)
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("enrichment callback panicked", "path", r.Path, "panic", p)
		}
	}()
	e.callback(r)
}

func (e *Enricher) enrich(ctx context.Context, task Task) Result {
	if task.FileSize > e.maxFileBytes {
		return Result{Path: task.Path,
			Err: photonerr.LLM(task.Path, 0, fmt.Errorf("file is %d bytes (enrichment limit %d)", task.FileSize, e.maxFileBytes))}
	}
	data, err := os.ReadFile(task.Path)
	if err != nil {
		return Result{Path: task.Path, Err: photonerr.IO(task.Path, err)}
	}

	img := ImageInput{Path: task.Path, Bytes: data, MIME: task.MIME}
	prompt := buildPrompt(task.Tags)

	var lastErr error
	for attempt := 0; attempt <= e.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay << (attempt - 1)
			if delay > maxBackoff {
				delay = maxBackoff
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{Path: task.Path, Err: ctx.Err()}
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := e.provider.Describe(reqCtx, img, prompt)
		cancel()
		if err == nil {
			return Result{Path: task.Path, Patch: &EnrichmentPatch{
				ContentHash:  task.ContentHash,
				Description:  resp.Text,
				LLMModel:     resp.Model,
				LLMLatencyMs: resp.LatencyMs,
				LLMTokens:    resp.TokensUsed,
			}}
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		slog.Debug("retrying enrichment", "path", task.Path, "attempt", attempt+1, "error", err)
	}
	return Result{Path: task.Path, Err: lastErr}
}

// buildPrompt conditions the description request on the detected tags.
func buildPrompt(tags []string) string {
	if len(tags) == 0 {
		return "Describe this photograph in two or three sentences."
	}
	return fmt.Sprintf(
		"Describe this photograph in two or three sentences. Detected content: %s.",
		strings.Join(tags, ", "))
}

// retryable decides retry eligibility. An HTTP status code, when present,
// short-circuits the message check entirely — a message like "Processed 500
// tokens" must not look like a server error. Without a status, only
// connection-class failures are retried.
func retryable(err error) bool {
	var pe *photonerr.Error
	if errors.As(err, &pe) && pe.Status != 0 {
		return pe.Status == 429 || (pe.Status >= 500 && pe.Status <= 599)
	}
	msg := err.Error()
	for _, sub := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
