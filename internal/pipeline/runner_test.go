package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/screenager/photon/internal/tagging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discoverAll(t *testing.T, dir string) []Discovered {
	t.Helper()
	files, err := Discover(dir, nil, nil)
	require.NoError(t, err)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func TestRunnerProcessesBatch(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 1)
	writePNG(t, filepath.Join(dir, "b.png"), 2)
	writePNG(t, filepath.Join(dir, "c.png"), 3)

	cfg := testConfig()
	proc := NewProcessor(cfg, nil, &tagging.Slot{}, nil)
	out := filepath.Join(dir, "out.jsonl")
	sink, err := NewFileSink(out, FormatJSONL, false)
	require.NoError(t, err)

	runner := NewRunner(proc, cfg, sink, nil, nil)
	summary, err := runner.Run(context.Background(), discoverAll(t, dir), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), summary.Succeeded)
	require.Zero(t, summary.Failed)

	set := LoadExistingSet(out)
	require.Equal(t, 3, set.Len())
}

func TestRunnerCountsFailures(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "good.png"), 1)
	// Valid PNG magic, garbage body: fails at decode, not discovery.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"),
		[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3}, 0o644))

	cfg := testConfig()
	proc := NewProcessor(cfg, nil, &tagging.Slot{}, nil)
	out := filepath.Join(dir, "out.jsonl")
	sink, err := NewFileSink(out, FormatJSONL, false)
	require.NoError(t, err)

	runner := NewRunner(proc, cfg, sink, nil, nil)
	summary, err := runner.Run(context.Background(), discoverAll(t, dir), nil)
	require.NoError(t, err, "a failed image never aborts the batch")
	require.Equal(t, uint64(1), summary.Succeeded)
	require.Equal(t, uint64(1), summary.Failed)
}

func TestSkipExistingPathSizeFilter(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.png")
	writePNG(t, aPath, 1)

	cfg := testConfig()
	proc := NewProcessor(cfg, nil, &tagging.Slot{}, nil)
	out := filepath.Join(dir, "out.jsonl")

	sink, err := NewFileSink(out, FormatJSONL, false)
	require.NoError(t, err)
	summary, err := NewRunner(proc, cfg, sink, nil, nil).
		Run(context.Background(), discoverAll(t, dir), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), summary.Succeeded)

	// Second run: a.png unchanged plus a new b.png. Only b is processed.
	writePNG(t, filepath.Join(dir, "b.png"), 2)
	sink2, err := NewFileSink(out, FormatJSONL, true)
	require.NoError(t, err)
	summary2, err := NewRunner(proc, cfg, sink2, nil, nil).
		Run(context.Background(), discoverAll(t, dir), LoadExistingSet(out))
	require.NoError(t, err)
	require.Equal(t, 1, summary2.Skipped, "unchanged a.png is skipped")
	require.Equal(t, uint64(1), summary2.Succeeded, "only b.png is processed")

	// Replace a.png with different content of the same byte size: still
	// skipped. The filter is path+size, not a content re-hash — the
	// documented trade-off.
	original, err := os.ReadFile(aPath)
	require.NoError(t, err)
	mutated := append([]byte(nil), original...)
	mutated[len(mutated)-20] ^= 0xFF
	require.NoError(t, os.WriteFile(aPath, mutated, 0o644))

	fi, _ := os.Stat(aPath)
	require.Equal(t, int64(len(original)), fi.Size())

	set := LoadExistingSet(out)
	require.True(t, set.Has(aPath, fi.Size()), "same path+size remains skipped after a content edit")
}

func TestDiscoverSkipsHiddenAndNonImages(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "visible.png"), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	hidden := filepath.Join(dir, ".cache")
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	writePNG(t, filepath.Join(hidden, "thumb.png"), 2)

	files := discoverAll(t, dir)
	require.Len(t, files, 1)
	require.Equal(t, "visible.png", filepath.Base(files[0].Path))
}

func TestDiscoverGlobFilters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw"), 0o755))
	writePNG(t, filepath.Join(dir, "keep.png"), 1)
	writePNG(t, filepath.Join(dir, "raw", "skip.png"), 2)

	files, err := Discover(dir, nil, []string{"raw/**"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "keep.png", filepath.Base(files[0].Path))
}
