package tagging

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/screenager/photon/internal/vocab"
)

// Pool is the three-way scoring partition of the vocabulary. Active terms
// are scored on every image, Warm terms every Nth image, Cold terms not at
// all (they re-enter only through sibling expansion).
type Pool uint8

const (
	PoolActive Pool = iota
	PoolWarm
	PoolCold
)

func (p Pool) String() string {
	switch p {
	case PoolActive:
		return "active"
	case PoolWarm:
		return "warm"
	default:
		return "cold"
	}
}

func poolFromString(s string) (Pool, bool) {
	switch s {
	case "active":
		return PoolActive, true
	case "warm":
		return PoolWarm, true
	case "cold":
		return PoolCold, true
	}
	return PoolCold, false
}

// TermStats holds per-term relevance statistics.
type TermStats struct {
	HitCount             int
	ScoreSum             float64
	LastHitTS            int64 // unix seconds
	Pool                 Pool
	WarmChecksWithoutHit int
}

// AvgConfidence is ScoreSum/HitCount, or 0 for never-hit terms.
func (s TermStats) AvgConfidence() float64 {
	if s.HitCount == 0 {
		return 0
	}
	return s.ScoreSum / float64(s.HitCount)
}

// RelevanceConfig carries the pool-transition tuning knobs.
type RelevanceConfig struct {
	WarmCheckInterval  uint64
	SweepInterval      uint64
	PromotionThreshold float32
	ActiveDemotionDays uint32
	WarmDemotionChecks uint32
	NeighborExpansion  bool
}

// DefaultRelevanceConfig mirrors the documented configuration defaults.
func DefaultRelevanceConfig() RelevanceConfig {
	return RelevanceConfig{
		WarmCheckInterval:  100,
		SweepInterval:      1000,
		PromotionThreshold: 0.3,
		ActiveDemotionDays: 90,
		WarmDemotionChecks: 50,
		NeighborExpansion:  true,
	}
}

// neverHitDemotionImages is how many images the tracker must have seen before
// a never-hit Active term is demoted to Warm.
const neverHitDemotionImages = 500

// Tracker is the three-pool scheduler. It is not internally synchronized:
// the image processor owns it behind a single read-write lock, taking the
// read side for the index lists and the write side for RecordHits, Sweep,
// and sibling promotion.
type Tracker struct {
	vocab *vocab.Vocabulary
	cfg   RelevanceConfig

	stats           []TermStats
	activeIndices   []int
	warmIndices     []int
	imagesProcessed uint64
}

// NewTracker builds a tracker where every encoded term starts Active and
// every unencoded term starts Cold.
func NewTracker(v *vocab.Vocabulary, cfg RelevanceConfig, encoded []bool) *Tracker {
	t := &Tracker{vocab: v, cfg: cfg, stats: make([]TermStats, v.Len())}
	for i := range t.stats {
		if encoded == nil || (i < len(encoded) && encoded[i]) {
			t.stats[i].Pool = PoolActive
		} else {
			t.stats[i].Pool = PoolCold
		}
	}
	t.rebuildIndices()
	return t
}

// Config returns the tracker's tuning knobs.
func (t *Tracker) Config() RelevanceConfig { return t.cfg }

// ImagesProcessed returns how many images the tracker has recorded.
func (t *Tracker) ImagesProcessed() uint64 { return t.imagesProcessed }

// TermCount returns the vocabulary size the tracker was built against.
func (t *Tracker) TermCount() int { return len(t.stats) }

// ActiveIndices returns the precomputed Active term list. Read-only; callers
// hold the tracker's read lock while using it.
func (t *Tracker) ActiveIndices() []int { return t.activeIndices }

// WarmIndices returns the precomputed Warm term list. Read-only.
func (t *Tracker) WarmIndices() []int { return t.warmIndices }

// Stats returns term i's statistics.
func (t *Tracker) Stats(i int) TermStats { return t.stats[i] }

// rebuildIndices recomputes the Active/Warm lists after any pool mutation.
func (t *Tracker) rebuildIndices() {
	t.activeIndices = t.activeIndices[:0]
	t.warmIndices = t.warmIndices[:0]
	for i, s := range t.stats {
		switch s.Pool {
		case PoolActive:
			t.activeIndices = append(t.activeIndices, i)
		case PoolWarm:
			t.warmIndices = append(t.warmIndices, i)
		}
	}
}

// RecordHits records all hits at or above the confidence threshold for one
// image and advances the image counter. warmChecked marks images where the
// warm pool was also scored: warm terms that failed to hit on such an image
// accrue a missed check toward Warm→Cold demotion.
func (t *Tracker) RecordHits(hits []Hit, warmChecked bool, now time.Time) {
	t.imagesProcessed++
	ts := now.Unix()

	var hitSet map[int]bool
	if warmChecked {
		hitSet = make(map[int]bool, len(hits))
	}
	for _, h := range hits {
		s := &t.stats[h.Index]
		s.HitCount++
		s.ScoreSum += float64(h.Confidence)
		s.LastHitTS = ts
		s.WarmChecksWithoutHit = 0
		if hitSet != nil {
			hitSet[h.Index] = true
		}
	}
	if warmChecked {
		for _, wi := range t.warmIndices {
			if !hitSet[wi] {
				t.stats[wi].WarmChecksWithoutHit++
			}
		}
	}
}

// Sweep performs the periodic pool transitions and returns the indices newly
// promoted to Active (for sibling expansion). A term never moves Active→Cold
// or Cold→Active in one sweep; Warm is always the intermediate.
func (t *Tracker) Sweep(now time.Time) []int {
	demotionAge := int64(t.cfg.ActiveDemotionDays) * 24 * 60 * 60
	nowTS := now.Unix()

	var promoted []int
	changed := false

	for i := range t.stats {
		s := &t.stats[i]
		switch s.Pool {
		case PoolActive:
			if s.HitCount == 0 {
				if t.imagesProcessed > neverHitDemotionImages {
					s.Pool = PoolWarm
					changed = true
				}
			} else if nowTS-s.LastHitTS > demotionAge {
				s.Pool = PoolWarm
				changed = true
			}
		case PoolWarm:
			if s.HitCount > 0 && s.AvgConfidence() >= float64(t.cfg.PromotionThreshold) {
				s.Pool = PoolActive
				promoted = append(promoted, i)
				changed = true
			} else if s.WarmChecksWithoutHit > int(t.cfg.WarmDemotionChecks) {
				s.Pool = PoolCold
				s.WarmChecksWithoutHit = 0
				changed = true
			}
		}
	}

	if changed {
		t.rebuildIndices()
	}
	return promoted
}

// trackerFile is the on-disk relevance record, keyed by term name so that
// vocabulary additions and removals degrade gracefully across runs.
type trackerFile struct {
	ImagesProcessed uint64      `json:"images_processed"`
	Terms           []termEntry `json:"terms"`
}

type termEntry struct {
	Name                 string  `json:"name"`
	HitCount             int     `json:"hit_count"`
	ScoreSum             float64 `json:"score_sum"`
	LastHitTS            int64   `json:"last_hit_ts"`
	Pool                 string  `json:"pool"`
	WarmChecksWithoutHit int     `json:"warm_checks_without_hit"`
}

// Save serializes the tracker to path.
func (t *Tracker) Save(path string) error {
	file := trackerFile{
		ImagesProcessed: t.imagesProcessed,
		Terms:           make([]termEntry, 0, len(t.stats)),
	}
	for i, s := range t.stats {
		file.Terms = append(file.Terms, termEntry{
			Name:                 t.vocab.Term(i).Name,
			HitCount:             s.HitCount,
			ScoreSum:             s.ScoreSum,
			LastHitTS:            s.LastHitTS,
			Pool:                 s.Pool.String(),
			WarmChecksWithoutHit: s.WarmChecksWithoutHit,
		})
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal relevance state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadTracker restores a tracker against the current vocabulary. Terms found
// in both the file and the vocabulary keep their state; vocabulary terms not
// in the file start Cold; file-only terms are dropped.
func LoadTracker(path string, v *vocab.Vocabulary, cfg RelevanceConfig) (*Tracker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file trackerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	t := &Tracker{
		vocab:           v,
		cfg:             cfg,
		stats:           make([]TermStats, v.Len()),
		imagesProcessed: file.ImagesProcessed,
	}
	for i := range t.stats {
		t.stats[i].Pool = PoolCold
	}
	for _, e := range file.Terms {
		i, ok := v.Get(e.Name)
		if !ok {
			continue
		}
		pool, ok := poolFromString(e.Pool)
		if !ok {
			pool = PoolCold
		}
		t.stats[i] = TermStats{
			HitCount:             e.HitCount,
			ScoreSum:             e.ScoreSum,
			LastHitTS:            e.LastHitTS,
			Pool:                 pool,
			WarmChecksWithoutHit: e.WarmChecksWithoutHit,
		}
	}
	t.rebuildIndices()
	return t, nil
}
