package pipeline

import (
	"context"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/screenager/photon/internal/config"
	"github.com/screenager/photon/internal/encoder"
	"github.com/screenager/photon/internal/photonerr"
	"github.com/screenager/photon/internal/tagging"
)

// Processor runs the per-image pipeline. It is shared by all batch workers:
// the vision encoder serializes on its own session mutex, the scorer slot is
// read-locked for scoring, and the tracker write path is held as briefly as
// the pool bookkeeping allows.
type Processor struct {
	cfg    *config.Config
	vision *encoder.VisionEncoder // nil when embedding is disabled

	slot *tagging.Slot

	trackerMu sync.RWMutex
	tracker   *tagging.Tracker // nil when relevance is disabled
}

// NewProcessor assembles a processor. slot must be non-nil even when no
// scorer is installed yet; tracker may be nil.
func NewProcessor(cfg *config.Config, vision *encoder.VisionEncoder, slot *tagging.Slot, tracker *tagging.Tracker) *Processor {
	return &Processor{cfg: cfg, vision: vision, slot: slot, tracker: tracker}
}

// SaveTracker persists the relevance state, if a tracker is installed.
func (p *Processor) SaveTracker(path string) error {
	p.trackerMu.RLock()
	defer p.trackerMu.RUnlock()
	if p.tracker == nil {
		return nil
	}
	return p.tracker.Save(path)
}

// PoolSizes reports the tracker's pool populations for status output.
func (p *Processor) PoolSizes() (active, warm, cold int, images uint64, ok bool) {
	p.trackerMu.RLock()
	defer p.trackerMu.RUnlock()
	if p.tracker == nil {
		return 0, 0, 0, 0, false
	}
	active = len(p.tracker.ActiveIndices())
	warm = len(p.tracker.WarmIndices())
	cold = p.tracker.TermCount() - active - warm
	return active, warm, cold, p.tracker.ImagesProcessed(), true
}

// Process runs the full per-image pipeline. Failures return a domain error
// describing the stage. A panic on the calling goroutine (validation,
// tagging) or inside the decode and embed stages is recovered and
// reclassified as a domain error; the content-hash, perceptual-hash, EXIF
// and thumbnail stages run on errgroup goroutines that do not recover
// panics.
func (p *Processor) Process(ctx context.Context, path string) (rec *ProcessedImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = photonerr.Newf(photonerr.KindTagging, "process", path, "panic: %v", r)
		}
	}()

	v, err := Validate(path, p.cfg.Limits.MaxFileSizeMB)
	if err != nil {
		return nil, err
	}

	img, err := runWithTimeout(ctx, time.Duration(p.cfg.Limits.DecodeTimeoutMs)*time.Millisecond,
		"decode", path, func() (image.Image, error) {
			return decodeImage(path)
		})
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxDim := p.cfg.Limits.MaxImageDimension; uint32(width) > maxDim || uint32(height) > maxDim {
		return nil, photonerr.ImageTooLarge(path, width, height, maxDim)
	}

	rec = &ProcessedImage{
		FilePath: path,
		FileName: filepath.Base(path),
		Width:    width,
		Height:   height,
		Format:   v.format,
		FileSize: v.size,
	}

	// Hashes, EXIF, thumbnail, and the embedding have no data dependencies
	// on each other; only the embed stage touches the session mutex.
	var embedding []float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := contentHash(path)
		if err != nil {
			return err
		}
		rec.ContentHash = h
		return nil
	})
	g.Go(func() error {
		rec.PerceptualHash = perceptualHash(img)
		return nil
	})
	g.Go(func() error {
		rec.Exif = extractExif(path)
		return nil
	})
	if p.cfg.Thumbnail.Enabled {
		g.Go(func() error {
			thumb, err := makeThumbnail(img, int(p.cfg.Thumbnail.Size))
			if err != nil {
				// The record is still useful without its thumbnail.
				slog.Warn("thumbnail failed", "path", path, "error", err)
				return nil
			}
			rec.Thumbnail = thumb
			return nil
		})
	}
	if p.vision != nil && p.cfg.Embedding.Enabled {
		g.Go(func() error {
			emb, err := runWithTimeout(gctx, time.Duration(p.cfg.Limits.EmbedTimeoutMs)*time.Millisecond,
				"embed", path, func() ([]float32, error) {
					return p.vision.Embed(img)
				})
			if err != nil {
				return err
			}
			embedding = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rec.Embedding = embedding
	if embedding != nil {
		tags, err := p.tag(path, embedding)
		if err != nil {
			return nil, err
		}
		rec.Tags = tags
	}
	if rec.Tags == nil {
		rec.Tags = []tagging.Tag{}
	}
	return rec, nil
}

// tag scores the embedding against the serving scorer, consulting the
// relevance pools when a tracker is installed.
//
// Lock order: the scorer slot's read side is acquired (and released) inside
// slot.Get; the tracker read lock is held across the indexed scoring calls
// so the index lists cannot be rebuilt mid-read. The write phase afterwards
// touches only the tracker — except sibling promotion, which reads the
// vocabulary's immutable parent index while the tracker write lock is held,
// the single sanctioned nesting direction.
func (p *Processor) tag(path string, emb []float32) ([]tagging.Tag, error) {
	sc := p.slot.Get()
	if sc == nil {
		return nil, nil
	}
	tcfg := p.cfg.Tagging

	var hits []tagging.Hit
	if p.tracker == nil {
		all, err := sc.Score(emb)
		if err != nil {
			return nil, photonerr.Tagging(path, err)
		}
		hits = all
	} else {
		rcfg := tcfg.Relevance

		// Phase A: read path.
		p.trackerMu.RLock()
		imageNo := p.tracker.ImagesProcessed()
		// Fires on image 0 as well: 0 % N == 0 by design of the counter.
		warmCheck := rcfg.WarmCheckInterval > 0 && imageNo%rcfg.WarmCheckInterval == 0
		activeHits, err := sc.ScoreIndices(emb, p.tracker.ActiveIndices())
		var warmHits []tagging.Hit
		if err == nil && warmCheck {
			warmHits, err = sc.ScoreIndices(emb, p.tracker.WarmIndices())
		}
		p.trackerMu.RUnlock()
		if err != nil {
			return nil, photonerr.Tagging(path, err)
		}
		hits = mergeHits(activeHits, warmHits)

		// Phase B: brief write path.
		above := make([]tagging.Hit, 0, len(hits))
		for _, h := range hits {
			if h.Confidence >= tcfg.MinConfidence {
				above = append(above, h)
			}
		}
		now := time.Now()
		p.trackerMu.Lock()
		p.tracker.RecordHits(above, warmCheck, now)
		if rcfg.SweepInterval > 0 && p.tracker.ImagesProcessed()%rcfg.SweepInterval == 0 {
			promoted := p.tracker.Sweep(now)
			if rcfg.NeighborExpansion && len(promoted) > 0 {
				moved := p.tracker.PromoteSiblings(promoted)
				slog.Debug("sweep", "promoted", len(promoted), "siblings_warmed", moved)
			}
		}
		p.trackerMu.Unlock()
	}

	ranked := sc.Rank(hits, tcfg.MinConfidence, 0)
	if tcfg.DeduplicateAncestors {
		ranked = tagging.Dedup(sc.Vocab(), ranked)
	}
	if tcfg.MaxTags > 0 && len(ranked) > tcfg.MaxTags {
		ranked = ranked[:tcfg.MaxTags]
	}
	return sc.Materialize(ranked, tcfg.ShowPaths), nil
}

// mergeHits merges the active and warm scoring passes by term index, keeping
// the higher confidence on duplicates.
func mergeHits(a, b []tagging.Hit) []tagging.Hit {
	if len(b) == 0 {
		return a
	}
	best := make(map[int]float32, len(a)+len(b))
	order := make([]int, 0, len(a)+len(b))
	for _, h := range append(append([]tagging.Hit(nil), a...), b...) {
		if prev, seen := best[h.Index]; !seen {
			best[h.Index] = h.Confidence
			order = append(order, h.Index)
		} else if h.Confidence > prev {
			best[h.Index] = h.Confidence
		}
	}
	merged := make([]tagging.Hit, 0, len(order))
	for _, idx := range order {
		merged = append(merged, tagging.Hit{Index: idx, Confidence: best[idx]})
	}
	return merged
}
