package labelbank

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unsafe"
)

// FormatVersion is bumped when the on-disk layout changes.
const FormatVersion = 1

// Meta is the sidecar record next to the raw matrix file. The fingerprint is
// the BLAKE3 digest of the vocabulary's ordered term names; a mismatch on
// load invalidates the cache.
type Meta struct {
	Version      int    `json:"version"`
	TermCount    int    `json:"term_count"`
	EmbeddingDim int    `json:"embedding_dim"`
	Fingerprint  string `json:"fingerprint"`
}

// byteView reinterprets the matrix as its native little-endian byte layout.
// No copy: save is one contiguous write and load is one contiguous read.
// Big-endian hosts are rejected at compile time (see endian_little.go).
func byteView(m []float32) []byte {
	_ = hostIsLittleEndian
	if len(m) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&m[0])), len(m)*4)
}

// Save writes the raw matrix to binPath (no header, exactly
// count*dim*4 bytes) and the sidecar metadata to metaPath.
func (b *Bank) Save(binPath, metaPath, fingerprint string) error {
	meta := Meta{
		Version:      FormatVersion,
		TermCount:    b.count,
		EmbeddingDim: b.dim,
		Fingerprint:  fingerprint,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal label bank meta: %w", err)
	}
	if err := os.WriteFile(binPath, byteView(b.data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", binPath, err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaPath, err)
	}
	return nil
}

// SaveReordered writes the matrix with rows emitted in canonical term order:
// row rowForTerm[p] is written at position p. The progressive encoder builds
// its bank in encoding order (seed first), so the cache save permutes rows on
// the way out through a buffered writer instead of allocating a second
// matrix.
func (b *Bank) SaveReordered(binPath, metaPath, fingerprint string, rowForTerm []int) error {
	if len(rowForTerm) != b.count {
		return fmt.Errorf("labelbank: reorder has %d entries for %d rows", len(rowForTerm), b.count)
	}
	f, err := os.Create(binPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", binPath, err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	for _, r := range rowForTerm {
		if r < 0 || r >= b.count {
			f.Close()
			return fmt.Errorf("labelbank: reorder row %d out of range", r)
		}
		if _, err := w.Write(byteView(b.Row(r))); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", binPath, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", binPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", binPath, err)
	}

	meta := Meta{
		Version:      FormatVersion,
		TermCount:    b.count,
		EmbeddingDim: b.dim,
		Fingerprint:  fingerprint,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal label bank meta: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaPath, err)
	}
	return nil
}

// Load reads a bank previously written by Save. It validates the metadata
// (version, fingerprint) and the matrix file's byte length before allocating
// the float buffer once and filling it with a single read.
func Load(binPath, metaPath, wantFingerprint string) (*Bank, error) {
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", metaPath, err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", metaPath, err)
	}
	if meta.Version != FormatVersion {
		return nil, fmt.Errorf("label bank format version %d (want %d)", meta.Version, FormatVersion)
	}
	if meta.Fingerprint != wantFingerprint {
		return nil, fmt.Errorf("label bank fingerprint mismatch (vocabulary changed)")
	}
	if meta.TermCount < 0 || meta.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("label bank meta has invalid shape %dx%d", meta.TermCount, meta.EmbeddingDim)
	}

	f, err := os.Open(binPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", binPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", binPath, err)
	}
	want := int64(meta.TermCount) * int64(meta.EmbeddingDim) * 4
	if fi.Size() != want {
		return nil, fmt.Errorf("label bank is %d bytes, want %d (%dx%d f32)",
			fi.Size(), want, meta.TermCount, meta.EmbeddingDim)
	}

	data := make([]float32, meta.TermCount*meta.EmbeddingDim)
	if _, err := io.ReadFull(f, byteView(data)); err != nil {
		return nil, fmt.Errorf("read %s: %w", binPath, err)
	}
	return &Bank{dim: meta.EmbeddingDim, count: meta.TermCount, data: data}, nil
}
