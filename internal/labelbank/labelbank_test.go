package labelbank

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func unitRows(n, dim int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(i*dim+d) + 1
		}
		Normalize(v)
		rows[i] = v
	}
	return rows
}

func TestFromRowsInvariant(t *testing.T) {
	b, err := FromRows(unitRows(5, 8))
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	if got := len(b.Matrix()); got != b.Count()*b.Dim() {
		t.Errorf("matrix len %d != count*dim %d", got, b.Count()*b.Dim())
	}
	for i := 0; i < b.Count(); i++ {
		var norm float64
		for _, x := range b.Row(i) {
			norm += float64(x) * float64(x)
		}
		if diff := math.Abs(math.Sqrt(norm) - 1); diff > 1e-4 {
			t.Errorf("row %d norm off by %g", i, diff)
		}
	}
}

func TestAppendDimensionMismatch(t *testing.T) {
	a, _ := FromRows(unitRows(2, 8))
	b, _ := FromRows(unitRows(2, 16))
	if err := a.Append(b); err == nil {
		t.Fatal("appending mismatched dims must fail, not panic")
	}
	if a.Count() != 2 {
		t.Errorf("failed append must leave the bank unchanged, count=%d", a.Count())
	}
}

func TestAppendGrows(t *testing.T) {
	a, _ := FromRows(unitRows(2, 8))
	b, _ := FromRows(unitRows(3, 8))
	if err := a.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if a.Count() != 5 {
		t.Errorf("count = %d, want 5", a.Count())
	}
}

func TestViewSurvivesGrowth(t *testing.T) {
	a, _ := FromRows(unitRows(2, 4))
	view := a.View()
	row0 := append([]float32(nil), view.Row(0)...)

	more, _ := FromRows(unitRows(64, 4))
	if err := a.Append(more); err != nil {
		t.Fatal(err)
	}
	if view.Count() != 2 {
		t.Errorf("view count changed to %d", view.Count())
	}
	for d, x := range view.Row(0) {
		if x != row0[d] {
			t.Fatalf("view row mutated at %d after parent growth", d)
		}
	}
}

func TestPersistRoundTripBitExact(t *testing.T) {
	b, _ := FromRows(unitRows(10, 16))
	dir := t.TempDir()
	bin := filepath.Join(dir, "label_bank.bin")
	meta := filepath.Join(dir, "label_bank.meta")

	if err := b.Save(bin, meta, "fp-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fi, err := os.Stat(bin)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(10 * 16 * 4); fi.Size() != want {
		t.Errorf("bin size = %d, want exactly %d (no header)", fi.Size(), want)
	}

	got, err := Load(bin, meta, "fp-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Count() != b.Count() || got.Dim() != b.Dim() {
		t.Fatalf("shape %dx%d, want %dx%d", got.Count(), got.Dim(), b.Count(), b.Dim())
	}
	for i, x := range got.Matrix() {
		if x != b.Matrix()[i] {
			t.Fatalf("matrix differs at %d: %v != %v", i, x, b.Matrix()[i])
		}
	}
}

func TestLoadRejectsFingerprintMismatch(t *testing.T) {
	b, _ := FromRows(unitRows(4, 8))
	dir := t.TempDir()
	bin := filepath.Join(dir, "label_bank.bin")
	meta := filepath.Join(dir, "label_bank.meta")
	if err := b.Save(bin, meta, "old-vocab"); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bin, meta, "new-vocab"); err == nil {
		t.Fatal("load must reject a stale vocabulary fingerprint")
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	b, _ := FromRows(unitRows(4, 8))
	dir := t.TempDir()
	bin := filepath.Join(dir, "label_bank.bin")
	meta := filepath.Join(dir, "label_bank.meta")
	if err := b.Save(bin, meta, "fp"); err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(bin, 16); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bin, meta, "fp"); err == nil {
		t.Fatal("load must reject a matrix file of the wrong length")
	}
}

func TestSaveReordered(t *testing.T) {
	rows := unitRows(3, 4)
	// Bank rows are in encoding order: term 2, term 0, term 1.
	b, _ := FromRows([][]float32{rows[2], rows[0], rows[1]})
	dir := t.TempDir()
	bin := filepath.Join(dir, "label_bank.bin")
	meta := filepath.Join(dir, "label_bank.meta")

	// rowForTerm[termIndex] = bank row holding that term.
	if err := b.SaveReordered(bin, meta, "fp", []int{1, 2, 0}); err != nil {
		t.Fatalf("SaveReordered: %v", err)
	}
	got, err := Load(bin, meta, "fp")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for ti := 0; ti < 3; ti++ {
		for d, x := range got.Row(ti) {
			if x != rows[ti][d] {
				t.Fatalf("term %d row not in canonical position", ti)
			}
		}
	}
}

// stubEncoder returns a deterministic unit vector per text.
type stubEncoder struct {
	dim  int
	fail bool
}

func (s stubEncoder) EncodeBatch(texts []string) ([][]float32, error) {
	if s.fail {
		return nil, fmt.Errorf("stub encoder failure")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, s.dim)
		for j := range v {
			v[j] = float32((len(text)*7+j*13)%17) + 1
		}
		Normalize(v)
		out[i] = v
	}
	return out, nil
}

func TestEncodeTermsAveragesVariants(t *testing.T) {
	enc := stubEncoder{dim: 8}
	prompts := [][]string{
		{"dog", "a photo of dog"},
		{"cat", "a photo of cat"},
	}
	b, err := EncodeTerms(enc, prompts)
	if err != nil {
		t.Fatalf("EncodeTerms: %v", err)
	}
	if b.Count() != 2 || b.Dim() != 8 {
		t.Fatalf("shape %dx%d, want 2x8", b.Count(), b.Dim())
	}

	// The averaged row must be re-normalized to unit length.
	for i := 0; i < b.Count(); i++ {
		var norm float64
		for _, x := range b.Row(i) {
			norm += float64(x) * float64(x)
		}
		if diff := math.Abs(math.Sqrt(norm) - 1); diff > 1e-4 {
			t.Errorf("row %d norm off by %g after variant averaging", i, diff)
		}
	}

	// And it must actually be the normalized mean of the variant embeddings.
	v1, _ := enc.EncodeBatch([]string{"dog"})
	v2, _ := enc.EncodeBatch([]string{"a photo of dog"})
	want := make([]float32, 8)
	for d := range want {
		want[d] = (v1[0][d] + v2[0][d]) / 2
	}
	Normalize(want)
	for d, x := range b.Row(0) {
		if math.Abs(float64(x-want[d])) > 1e-6 {
			t.Fatalf("row 0 is not the normalized variant mean (at dim %d: %v != %v)", d, x, want[d])
		}
	}
}

func TestEncodeTermsPropagatesFailure(t *testing.T) {
	if _, err := EncodeTerms(stubEncoder{dim: 8, fail: true}, [][]string{{"dog"}}); err == nil {
		t.Fatal("encoder failure must propagate")
	}
}
