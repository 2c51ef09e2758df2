// Package labelbank owns the N×D matrix of L2-normalized term embeddings
// used as the right operand of the tag-scoring mat-vec. The matrix is a
// single contiguous row-major float32 allocation: at 68K terms × 768 dims it
// dominates process memory (~210 MB), so save and load work on the matrix
// bytes in place rather than through a second copy. Append grows the matrix
// with Go's append, which reallocates and copies when capacity runs out.
package labelbank

import (
	"fmt"
	"math"
)

// Bank is the row-major term-embedding matrix.
type Bank struct {
	dim   int
	count int
	data  []float32 // count × dim, row-major
}

// New returns an empty bank with the given embedding dimension.
func New(dim int) *Bank {
	return &Bank{dim: dim}
}

// FromRows builds a bank from pre-normalized embedding rows. All rows must
// share the same length.
func FromRows(rows [][]float32) (*Bank, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("labelbank: no rows")
	}
	dim := len(rows[0])
	b := &Bank{dim: dim, count: len(rows), data: make([]float32, 0, len(rows)*dim)}
	for i, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("labelbank: row %d has dim %d, want %d", i, len(r), dim)
		}
		b.data = append(b.data, r...)
	}
	return b, nil
}

// Dim returns the embedding dimension.
func (b *Bank) Dim() int { return b.dim }

// Count returns the number of term rows.
func (b *Bank) Count() int { return b.count }

// Row returns row i as a view into the matrix. Callers must not mutate it.
func (b *Bank) Row(i int) []float32 {
	return b.data[i*b.dim : (i+1)*b.dim]
}

// Matrix returns the full contiguous matrix. Callers must not mutate it.
func (b *Bank) Matrix() []float32 { return b.data }

// Append grows the bank with another bank's rows. A dimension mismatch is a
// recoverable error, never a panic.
func (b *Bank) Append(other *Bank) error {
	if other.count == 0 {
		return nil
	}
	if b.count == 0 && b.dim == 0 {
		b.dim = other.dim
	}
	if other.dim != b.dim {
		return fmt.Errorf("labelbank: append dim %d to bank of dim %d", other.dim, b.dim)
	}
	b.data = append(b.data, other.data...)
	b.count += other.count
	return nil
}

// View returns a snapshot sharing the underlying matrix. Rows are
// append-only and never mutated in place, so a view taken at count K stays
// valid while the parent bank keeps growing past K.
func (b *Bank) View() *Bank {
	return &Bank{dim: b.dim, count: b.count, data: b.data[:b.count*b.dim]}
}

// Clone returns a deep copy. Reserved for the progressive seed; full banks
// move between owners instead.
func (b *Bank) Clone() *Bank {
	data := make([]float32, len(b.data))
	copy(data, b.data)
	return &Bank{dim: b.dim, count: b.count, data: data}
}

// TextEncoder is the row producer for EncodeTerms. Implemented by the ONNX
// text encoder; stubbed in tests.
type TextEncoder interface {
	// EncodeBatch returns one L2-normalized embedding per input text.
	EncodeBatch(texts []string) ([][]float32, error)
}

// EncodeTerms encodes one row per term by averaging the embeddings of the
// term's prompt variants and re-normalizing (the average of unit vectors is
// not unit length). Each variant position is encoded in one batch call so a
// chunk of K terms with V variants costs V session runs.
func EncodeTerms(enc TextEncoder, prompts [][]string) (*Bank, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("labelbank: no terms to encode")
	}
	variants := len(prompts[0])
	for i, p := range prompts {
		if len(p) != variants {
			return nil, fmt.Errorf("labelbank: term %d has %d prompt variants, want %d", i, len(p), variants)
		}
	}

	var sums [][]float32
	dim := 0
	for v := 0; v < variants; v++ {
		batch := make([]string, len(prompts))
		for i, p := range prompts {
			batch[i] = p[v]
		}
		vecs, err := enc.EncodeBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("encode prompt variant %d: %w", v, err)
		}
		if len(vecs) != len(prompts) {
			return nil, fmt.Errorf("labelbank: got %d embeddings for %d texts", len(vecs), len(prompts))
		}
		if sums == nil {
			dim = len(vecs[0])
			sums = make([][]float32, len(prompts))
			for i := range sums {
				sums[i] = make([]float32, dim)
			}
		}
		for i, vec := range vecs {
			if len(vec) != dim {
				return nil, fmt.Errorf("labelbank: embedding dim changed from %d to %d", dim, len(vec))
			}
			for d, x := range vec {
				sums[i][d] += x
			}
		}
	}

	inv := float32(1.0 / float64(variants))
	for _, row := range sums {
		for d := range row {
			row[d] *= inv
		}
		Normalize(row)
	}
	return FromRows(sums)
}

// Normalize scales v in-place to unit L2 length.
func Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
