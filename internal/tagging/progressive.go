package tagging

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/screenager/photon/internal/labelbank"
	"github.com/screenager/photon/internal/vocab"
)

// curatedSeedNouns are common visual nouns encoded first so the seed scorer
// covers what most photo collections actually contain.
var curatedSeedNouns = []string{
	"person", "man", "woman", "child", "baby", "face", "crowd", "family",
	"dog", "cat", "bird", "horse", "cow", "sheep", "fish", "insect",
	"tree", "flower", "grass", "plant", "leaf", "forest", "garden",
	"mountain", "hill", "beach", "ocean", "sea", "lake", "river", "sky",
	"cloud", "sun", "moon", "snow", "rock", "sand", "water",
	"building", "house", "bridge", "tower", "church", "castle", "street",
	"road", "city", "village", "wall", "window", "door", "roof", "stairs",
	"car", "truck", "bus", "train", "bicycle", "motorcycle", "boat",
	"ship", "airplane",
	"food", "fruit", "vegetable", "bread", "cake", "meat", "drink",
	"coffee", "wine", "bottle", "glass", "plate", "bowl", "cup",
	"table", "chair", "bed", "sofa", "lamp", "mirror", "clock", "book",
	"phone", "computer", "camera", "television", "toy", "ball",
	"shirt", "dress", "hat", "shoe", "bag", "umbrella", "jewelry",
	"painting", "statue", "sign", "flag", "candle", "fire", "light",
	"shadow", "reflection", "smoke", "rain", "fog",
}

// ProgressiveOptions configures the two-phase first-run encoding.
type ProgressiveOptions struct {
	SeedSize  int
	ChunkSize int
	// BankPath/MetaPath are where the complete bank is cached. An empty
	// BankPath disables the cache save.
	BankPath string
	MetaPath string
}

// Progressive runs the two-phase label-bank build: the seed synchronously,
// the remainder in one background goroutine that swaps progressively larger
// scorers into the serving slot.
type Progressive struct {
	done chan struct{}

	// written by the background goroutine before close(done)
	allChunksSucceeded bool
	encodedTerms       int
	saved              bool
}

// Done is closed when the background pass has finished (or when there was
// nothing left to encode).
func (p *Progressive) Done() <-chan struct{} { return p.done }

// Complete reports whether every chunk encoded; whether the cache was
// written is reported separately by CacheSaved. Valid after Done is closed.
func (p *Progressive) Complete() bool { return p.allChunksSucceeded }

// EncodedTerms reports how many terms were encoded in total. Valid after
// Done is closed.
func (p *Progressive) EncodedTerms() int { return p.encodedTerms }

// CacheSaved reports whether the complete bank reached disk. Valid after
// Done is closed.
func (p *Progressive) CacheSaved() bool { return p.saved }

// StartProgressive encodes a seed subset synchronously, installs the seed
// scorer in slot before spawning the background task (so no reader ever
// observes an empty slot), and returns. The background task encodes the
// remaining terms chunk by chunk, appending to a running bank and swapping
// an enlarged scorer after every chunk. The bank is cached to disk only when
// every chunk succeeded: a partial bank on disk would be indistinguishable
// from a complete one.
func StartProgressive(v *vocab.Vocabulary, enc labelbank.TextEncoder, slot *Slot, opts ProgressiveOptions) (*Progressive, error) {
	if opts.SeedSize <= 0 || opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("tagging: progressive seed_size and chunk_size must be positive")
	}

	seed, rest := pickSeed(v, opts.SeedSize)

	seedBank, err := encodeIndices(v, enc, seed)
	if err != nil {
		return nil, fmt.Errorf("encode seed vocabulary: %w", err)
	}
	seedScorer, err := NewPartialScorer(v, seedBank, seed)
	if err != nil {
		return nil, err
	}
	slot.Swap(seedScorer)
	slog.Info("seed scorer ready", "terms", len(seed), "remaining", len(rest))

	p := &Progressive{done: make(chan struct{})}

	go func() {
		defer close(p.done)

		running := seedBank.Clone()
		termRows := append([]int(nil), seed...)
		allOK := true

		for start := 0; start < len(rest); start += opts.ChunkSize {
			end := start + opts.ChunkSize
			if end > len(rest) {
				end = len(rest)
			}
			chunk := rest[start:end]

			t0 := time.Now()
			chunkBank, err := encodeIndices(v, enc, chunk)
			if err != nil {
				slog.Warn("background chunk encode failed; its terms stay unencoded this run",
					"chunk_start", start, "chunk_len", len(chunk), "error", err)
				allOK = false
				continue
			}
			if err := running.Append(chunkBank); err != nil {
				slog.Warn("background chunk append failed", "error", err)
				allOK = false
				continue
			}
			termRows = append(termRows, chunk...)

			sc, err := NewPartialScorer(v, running.View(), append([]int(nil), termRows...))
			if err != nil {
				slog.Warn("background scorer rebuild failed", "error", err)
				allOK = false
				continue
			}
			slot.Swap(sc)
			slog.Debug("scorer enlarged",
				"covered", sc.Covered(), "total", v.Len(), "chunk_ms", time.Since(t0).Milliseconds())
		}

		p.allChunksSucceeded = allOK
		p.encodedTerms = running.Count()

		if allOK && running.Count() == v.Len() && opts.BankPath != "" {
			// Every chunk landed, so termRows is a permutation of 0..N-1 and
			// each term's canonical cache position is its own index.
			rowForTerm := make([]int, len(termRows))
			for r, ti := range termRows {
				rowForTerm[ti] = r
			}
			if err := running.SaveReordered(opts.BankPath, opts.MetaPath, v.Fingerprint(), rowForTerm); err != nil {
				slog.Error("label bank cache save failed; next run re-encodes", "error", err)
				return
			}
			p.saved = true
			slog.Info("label bank cached", "path", opts.BankPath, "terms", running.Count())
		}
	}()

	return p, nil
}

// pickSeed selects the seed subset: curated common nouns present in the
// vocabulary, topped up with a deterministic sample of the rest. Returns the
// seed indices and the remaining indices (in vocabulary order).
func pickSeed(v *vocab.Vocabulary, seedSize int) (seed, rest []int) {
	if seedSize >= v.Len() {
		seed = make([]int, v.Len())
		for i := range seed {
			seed[i] = i
		}
		return seed, nil
	}

	inSeed := make([]bool, v.Len())
	for _, name := range curatedSeedNouns {
		if len(seed) >= seedSize {
			break
		}
		if i, ok := v.Get(name); ok && !inSeed[i] {
			inSeed[i] = true
			seed = append(seed, i)
		}
	}

	if len(seed) < seedSize {
		pool := make([]int, 0, v.Len()-len(seed))
		for i := 0; i < v.Len(); i++ {
			if !inSeed[i] {
				pool = append(pool, i)
			}
		}
		rng := rand.New(rand.NewSource(42))
		rng.Shuffle(len(pool), func(a, b int) { pool[a], pool[b] = pool[b], pool[a] })
		for _, i := range pool[:seedSize-len(seed)] {
			inSeed[i] = true
			seed = append(seed, i)
		}
	}

	for i := 0; i < v.Len(); i++ {
		if !inSeed[i] {
			rest = append(rest, i)
		}
	}
	return seed, rest
}

// encodeIndices encodes the prompt variants for the given term indices into
// a bank with one row per index.
func encodeIndices(v *vocab.Vocabulary, enc labelbank.TextEncoder, indices []int) (*labelbank.Bank, error) {
	prompts := make([][]string, len(indices))
	for i, ti := range indices {
		prompts[i] = v.Prompts(ti)
	}
	return labelbank.EncodeTerms(enc, prompts)
}
