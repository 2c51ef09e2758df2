package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/screenager/photon/internal/config"
	"github.com/screenager/photon/internal/llm"
	"github.com/screenager/photon/internal/photonerr"
)

// Summary aggregates one batch run.
type Summary struct {
	Total     int
	Skipped   int
	Succeeded uint64
	Failed    uint64
	Enriched  uint64
	Elapsed   time.Duration
}

// Progress is invoked after every image completes (or fails). done counts
// both outcomes; err is nil on success. Called from worker goroutines.
type Progress func(done, total int, path string, err error)

// Runner drives a batch of discovered files through the processor with a
// fixed number of worker slots, streaming records to the sink as images
// complete. Completion order across images is unspecified; consumers needing
// determinism sort by file path.
type Runner struct {
	proc     *Processor
	cfg      *config.Config
	sink     Sink
	enricher *llm.Enricher // nil disables enrichment
	progress Progress      // nil disables progress reporting
}

// NewRunner assembles a batch runner.
func NewRunner(proc *Processor, cfg *config.Config, sink Sink, enricher *llm.Enricher, progress Progress) *Runner {
	return &Runner{proc: proc, cfg: cfg, sink: sink, enricher: enricher, progress: progress}
}

// Run processes files and returns the batch summary. A cancelled ctx drains
// in-flight images and returns what completed; per-image failures are logged
// and counted, never fatal. The sink is closed before returning so JSON
// array output always lands complete.
func (r *Runner) Run(ctx context.Context, files []Discovered, existing *ExistingSet) (Summary, error) {
	start := time.Now()
	summary := Summary{Total: len(files)}

	// Skip-existing prefilter: path+size equality, no content re-hash.
	todo := files
	if existing != nil && existing.Len() > 0 {
		todo = todo[:0:0]
		for _, f := range files {
			if existing.Has(f.Path, f.Size) {
				summary.Skipped++
				continue
			}
			todo = append(todo, f)
		}
		slog.Info("skip-existing filter applied",
			"known", existing.Len(), "skipped", summary.Skipped, "remaining", len(todo))
	}

	var succeeded, failed atomic.Uint64
	var done atomic.Int64

	queue := make(chan Discovered, r.cfg.Pipeline.BufferSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, f := range todo {
			select {
			case queue <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	workers := int(r.cfg.Processing.ParallelWorkers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for f := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				rec, err := r.proc.Process(gctx, f.Path)
				if err != nil {
					failed.Add(1)
					logImageError(f.Path, err)
					r.report(int(done.Add(1)), summary.Total, f.Path, err)
					continue
				}
				if err := r.sink.Write(CoreRecord(rec)); err != nil {
					// Output failure is fatal for the batch.
					return err
				}
				succeeded.Add(1)
				r.submitEnrichment(gctx, rec)
				r.report(int(done.Add(1)), summary.Total, f.Path, nil)
			}
			return nil
		})
	}

	err := g.Wait()
	if r.enricher != nil {
		enriched, _ := r.enricher.Wait()
		summary.Enriched = enriched
	}
	if closeErr := r.sink.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil // interrupted: partial output is still valid
	}

	summary.Succeeded = succeeded.Load()
	summary.Failed = failed.Load()
	summary.Elapsed = time.Since(start)
	return summary, err
}

func (r *Runner) report(done, total int, path string, err error) {
	if r.progress != nil {
		r.progress(done, total, path, err)
	}
}

// submitEnrichment queues the record for LLM description, keyed by content
// hash so the patch can be joined back to the core record.
func (r *Runner) submitEnrichment(ctx context.Context, rec *ProcessedImage) {
	if r.enricher == nil {
		return
	}
	topK := r.cfg.LLM.TopKTags
	tags := make([]string, 0, topK)
	for _, t := range rec.Tags {
		if len(tags) >= topK {
			break
		}
		tags = append(tags, t.Name)
	}
	r.enricher.Submit(ctx, llm.Task{
		Path:        rec.FilePath,
		ContentHash: rec.ContentHash,
		MIME:        formatMIME(rec.Format),
		FileSize:    rec.FileSize,
		Tags:        tags,
	})
}

func formatMIME(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "tiff":
		return "image/tiff"
	case "heic":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}

// logImageError logs a per-image failure with the structured fields the
// error taxonomy carries.
func logImageError(path string, err error) {
	stage := "process"
	kind := "unknown"
	var pe *photonerr.Error
	if errors.As(err, &pe) {
		stage = pe.Stage
		kind = pe.Kind.String()
	}
	slog.Warn("image failed", "path", path, "stage", stage, "kind", kind, "error", err)
}
