package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/screenager/photon/internal/config"
	"github.com/screenager/photon/internal/labelbank"
	"github.com/screenager/photon/internal/photonerr"
	"github.com/screenager/photon/internal/tagging"
	"github.com/screenager/photon/internal/vocab"
)

// writePNG writes a 64×48 PNG; seed varies the pixel content without
// changing the byte layout meaningfully.
func writePNG(t *testing.T, path string, seed uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x*4) + seed, uint8(y * 5), seed, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Embedding.Enabled = false // no ONNX model in tests
	return cfg
}

func TestProcessBasicRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	writePNG(t, path, 0)

	proc := NewProcessor(testConfig(), nil, &tagging.Slot{}, nil)
	rec, err := proc.Process(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, path, rec.FilePath)
	require.Equal(t, "photo.png", rec.FileName)
	require.Equal(t, "png", rec.Format)
	require.Equal(t, 64, rec.Width)
	require.Equal(t, 48, rec.Height)
	require.Len(t, rec.ContentHash, 64, "BLAKE3 hex digest")
	require.NotEmpty(t, rec.PerceptualHash)
	require.NotEmpty(t, rec.Thumbnail)
	require.Nil(t, rec.Exif, "a bare PNG has no EXIF block")
	require.NotNil(t, rec.Tags)
	require.Empty(t, rec.Tags)

	fi, _ := os.Stat(path)
	require.Equal(t, fi.Size(), rec.FileSize)
}

func TestProcessCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.png")
	// Valid PNG magic, garbage body.
	require.NoError(t, os.WriteFile(path, append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0xAB}, 64)...), 0o644))

	proc := NewProcessor(testConfig(), nil, &tagging.Slot{}, nil)
	_, err := proc.Process(context.Background(), path)
	require.Error(t, err)
	require.True(t, photonerr.IsKind(err, photonerr.KindDecode), "got %v", err)
}

func TestProcessImageTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.png")
	writePNG(t, path, 0)

	cfg := testConfig()
	cfg.Limits.MaxImageDimension = 32
	proc := NewProcessor(cfg, nil, &tagging.Slot{}, nil)
	_, err := proc.Process(context.Background(), path)
	require.True(t, photonerr.IsKind(err, photonerr.KindImageTooLarge), "got %v", err)
}

func TestPerceptualHashStability(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	writePNG(t, a, 0)
	img, err := decodeImage(a)
	require.NoError(t, err)
	require.Equal(t, perceptualHash(img), perceptualHash(img), "hash must be deterministic")
	require.Len(t, perceptualHash(img), 88, "512 bits base64-encoded")
}

// scenarioVocab builds the dog-photo scenario: rows engineered so the image
// embedding scores labrador retriever highest, its ancestors close behind,
// and carpet just above the confidence floor.
func scenarioVocab(t *testing.T) (*vocab.Vocabulary, *labelbank.Bank, []float32) {
	t.Helper()
	v := vocab.New([]vocab.Term{
		{Name: "labrador_retriever", Display: "labrador retriever", Hypernyms: []string{"dog", "animal"}},
		{Name: "dog", Display: "dog", Hypernyms: []string{"animal"}},
		{Name: "animal", Display: "animal"},
		{Name: "carpet", Display: "carpet"},
	})

	emb := []float32{1, 0, 0, 0, 0}
	cosines := []float32{0.130, 0.120, 0.115, 0.111}
	rows := make([][]float32, len(cosines))
	for i, c := range cosines {
		row := make([]float32, 5)
		row[0] = c
		row[1+i%4] = float32(math.Sqrt(float64(1 - c*c)))
		rows[i] = row
	}
	bank, err := labelbank.FromRows(rows)
	require.NoError(t, err)
	return v, bank, emb
}

func TestTagDogPhotoHierarchyDedup(t *testing.T) {
	v, bank, emb := scenarioVocab(t)
	sc, err := tagging.NewScorer(v, bank)
	require.NoError(t, err)
	slot := &tagging.Slot{}
	slot.Swap(sc)

	proc := NewProcessor(testConfig(), nil, slot, nil)
	tags, err := proc.tag("/tmp/dog.jpg", emb)
	require.NoError(t, err)

	byName := map[string]float32{}
	for _, tag := range tags {
		byName[tag.Name] = tag.Confidence
	}
	require.Contains(t, byName, "labrador retriever")
	require.Greater(t, byName["labrador retriever"], float32(0.6))
	require.NotContains(t, byName, "dog", "ancestor suppressed by a more specific descendant")
	require.NotContains(t, byName, "animal")
	require.Contains(t, byName, "carpet", "unrelated term appears independently")
}

func TestTagWithTrackerRecordsHits(t *testing.T) {
	v, bank, emb := scenarioVocab(t)
	sc, err := tagging.NewScorer(v, bank)
	require.NoError(t, err)
	slot := &tagging.Slot{}
	slot.Swap(sc)

	cfg := testConfig()
	cfg.Tagging.Relevance.Enabled = true
	tracker := tagging.NewTracker(v, tagging.DefaultRelevanceConfig(), nil)
	proc := NewProcessor(cfg, nil, slot, tracker)

	tags, err := proc.tag("/tmp/dog.jpg", emb)
	require.NoError(t, err)
	require.NotEmpty(t, tags)

	require.Equal(t, uint64(1), tracker.ImagesProcessed())
	lab, _ := v.Get("labrador_retriever")
	require.Equal(t, 1, tracker.Stats(lab).HitCount, "above-threshold hit must be recorded")
}

func TestTagEmptySlot(t *testing.T) {
	proc := NewProcessor(testConfig(), nil, &tagging.Slot{}, nil)
	tags, err := proc.tag("/tmp/x.jpg", []float32{1, 0})
	require.NoError(t, err)
	require.Nil(t, tags, "no scorer installed means no tags, not an error")
}

func TestMergeHitsMaxWins(t *testing.T) {
	a := []tagging.Hit{{Index: 1, Confidence: 0.4}, {Index: 2, Confidence: 0.6}}
	b := []tagging.Hit{{Index: 2, Confidence: 0.9}, {Index: 3, Confidence: 0.3}}
	merged := mergeHits(a, b)
	byIdx := map[int]float32{}
	for _, h := range merged {
		byIdx[h.Index] = h.Confidence
	}
	require.Len(t, merged, 3)
	require.Equal(t, float32(0.9), byIdx[2], "max confidence wins on duplicates")
}
