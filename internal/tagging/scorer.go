// Package tagging implements the adaptive zero-shot tagging engine: the
// sigmoid-calibrated cross-modal scorer, hierarchy-aware deduplication, the
// three-pool relevance tracker, and the progressive label-bank encoder.
package tagging

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/screenager/photon/internal/labelbank"
	"github.com/screenager/photon/internal/photonerr"
	"github.com/screenager/photon/internal/vocab"
)

// SigLIP's learned sigmoid calibration. These constants come from the paired
// model's reference output and must be used exactly: they turn near-zero
// cosine differences into well-separated probabilities.
const (
	LogitScale = 117.33
	LogitBias  = -12.93
)

// CosineToConfidence applies the SigLIP calibration sigmoid.
func CosineToConfidence(cosine float32) float32 {
	logit := float64(LogitScale)*float64(cosine) + float64(LogitBias)
	return float32(1.0 / (1.0 + math.Exp(-logit)))
}

// Hit is a raw (term index, confidence) pair prior to dedup and ranking.
type Hit struct {
	Index      int
	Confidence float32
}

// Tag is the materialized output record entry.
type Tag struct {
	Name       string  `json:"name"`
	Confidence float32 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
	Path       string  `json:"path,omitempty"`
}

// Scorer scores an image embedding against a label bank. The bank may cover
// the full vocabulary or, during progressive encoding, a subset of it. A
// Scorer is immutable: progressive swaps replace it wholesale.
type Scorer struct {
	vocab *vocab.Vocabulary
	bank  *labelbank.Bank

	// rows maps bank row → vocabulary index; nil means identity (full bank).
	rows []int
	// rowOf maps vocabulary index → bank row, -1 when the term is uncovered.
	rowOf []int
}

// NewScorer builds a scorer over the full vocabulary. The bank must have
// exactly one row per term.
func NewScorer(v *vocab.Vocabulary, bank *labelbank.Bank) (*Scorer, error) {
	if bank.Count() != v.Len() {
		return nil, fmt.Errorf("tagging: bank has %d rows for %d terms", bank.Count(), v.Len())
	}
	return &Scorer{vocab: v, bank: bank}, nil
}

// NewPartialScorer builds a scorer covering only the given term indices,
// where rows[r] is the vocabulary index of bank row r. Used while the
// progressive encoder is still filling the bank.
func NewPartialScorer(v *vocab.Vocabulary, bank *labelbank.Bank, rows []int) (*Scorer, error) {
	if bank.Count() != len(rows) {
		return nil, fmt.Errorf("tagging: bank has %d rows for %d covered terms", bank.Count(), len(rows))
	}
	rowOf := make([]int, v.Len())
	for i := range rowOf {
		rowOf[i] = -1
	}
	for r, ti := range rows {
		if ti < 0 || ti >= v.Len() {
			return nil, fmt.Errorf("tagging: covered index %d out of range", ti)
		}
		rowOf[ti] = r
	}
	return &Scorer{vocab: v, bank: bank, rows: rows, rowOf: rowOf}, nil
}

// Covered returns the number of terms this scorer can score.
func (s *Scorer) Covered() int { return s.bank.Count() }

// Vocab returns the scorer's vocabulary.
func (s *Scorer) Vocab() *vocab.Vocabulary { return s.vocab }

// termIndex maps bank row r to its vocabulary index.
func (s *Scorer) termIndex(r int) int {
	if s.rows == nil {
		return r
	}
	return s.rows[r]
}

// row returns the bank row for term index ti, or -1 if uncovered.
func (s *Scorer) row(ti int) int {
	if s.rows == nil {
		return ti
	}
	return s.rowOf[ti]
}

func (s *Scorer) checkDim(emb []float32) error {
	if len(emb) != s.bank.Dim() {
		return photonerr.Model("score",
			fmt.Errorf("embedding has dim %d, label bank has dim %d", len(emb), s.bank.Dim()))
	}
	return nil
}

// Score computes a confidence for every covered term with one mat-vec
// (a single sgemv over the full label matrix).
func (s *Scorer) Score(emb []float32) ([]Hit, error) {
	if err := s.checkDim(emb); err != nil {
		return nil, err
	}
	n, d := s.bank.Count(), s.bank.Dim()
	if n == 0 {
		return nil, nil
	}

	cosines := make([]float32, n)
	a := blas32.General{Rows: n, Cols: d, Stride: d, Data: s.bank.Matrix()}
	x := blas32.Vector{N: d, Inc: 1, Data: emb}
	y := blas32.Vector{N: n, Inc: 1, Data: cosines}
	blas32.Gemv(blas.NoTrans, 1, a, x, 0, y)

	hits := make([]Hit, n)
	for r, c := range cosines {
		hits[r] = Hit{Index: s.termIndex(r), Confidence: CosineToConfidence(c)}
	}
	return hits, nil
}

// ScoreIndices computes confidences only for the given term indices using a
// vectorized dot per row. Uncovered terms are skipped. This is the pruned
// path used when the relevance pools are active.
func (s *Scorer) ScoreIndices(emb []float32, indices []int) ([]Hit, error) {
	if err := s.checkDim(emb); err != nil {
		return nil, err
	}
	d := s.bank.Dim()
	x := blas32.Vector{N: d, Inc: 1, Data: emb}

	hits := make([]Hit, 0, len(indices))
	for _, ti := range indices {
		r := s.row(ti)
		if r < 0 {
			continue
		}
		row := blas32.Vector{N: d, Inc: 1, Data: s.bank.Row(r)}
		cos := blas32.Dot(x, row)
		hits = append(hits, Hit{Index: ti, Confidence: CosineToConfidence(cos)})
	}
	return hits, nil
}

// Rank filters hits below minConfidence, drops skip-listed top-nodes, sorts
// descending by confidence (ties broken by lower term index for determinism),
// and truncates to maxTags.
func (s *Scorer) Rank(hits []Hit, minConfidence float32, maxTags int) []Hit {
	ranked := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.Confidence < minConfidence || s.vocab.Skipped(h.Index) {
			continue
		}
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].Index < ranked[j].Index
	})
	if maxTags > 0 && len(ranked) > maxTags {
		ranked = ranked[:maxTags]
	}
	return ranked
}

// Materialize builds the output Tag records for ranked hits. With showPaths,
// WordNet terms carry their hypernym path from most-general ancestor down to
// the term itself.
func (s *Scorer) Materialize(hits []Hit, showPaths bool) []Tag {
	tags := make([]Tag, 0, len(hits))
	for _, h := range hits {
		t := s.vocab.Term(h.Index)
		tag := Tag{Name: t.Display, Confidence: h.Confidence, Category: t.Category}
		if showPaths && len(t.Hypernyms) > 0 {
			tag.Path = hypernymPath(t)
		}
		tags = append(tags, tag)
	}
	return tags
}

// hypernymPath renders "animal > dog > labrador retriever" from a chain
// stored most-specific first.
func hypernymPath(t vocab.Term) string {
	path := ""
	for i := len(t.Hypernyms) - 1; i >= 0; i-- {
		path += t.Hypernyms[i] + " > "
	}
	return path + t.Display
}
