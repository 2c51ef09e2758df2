package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Decoders register their magic with image.Decode; sniffing is
	// content-based, never extension-based.
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/screenager/photon/internal/photonerr"
)

// decodeImage decodes by content sniffing, falling back to the path
// extension only when sniffing fails (a mislabeled header with valid body).
func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, photonerr.IO(path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err == nil {
		return img, nil
	}

	if _, seekErr := f.Seek(0, 0); seekErr != nil {
		return nil, photonerr.Decode(path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	case ".png":
		img, err = png.Decode(f)
	case ".tif", ".tiff":
		img, err = tiff.Decode(f)
	default:
		return nil, photonerr.Decode(path, err)
	}
	if err != nil {
		return nil, photonerr.Decode(path, err)
	}
	return img, nil
}

// runWithTimeout executes fn on its own goroutine and abandons it when the
// deadline passes: the work runs to completion in the background but its
// result is discarded.
func runWithTimeout[T any](ctx context.Context, d time.Duration, stage, path string, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				kind := photonerr.KindModel
				if stage == "decode" {
					kind = photonerr.KindDecode
				}
				var zero T
				ch <- result{zero, photonerr.Newf(kind, stage, path, "panic: %v", p)}
			}
		}()
		val, err := fn()
		ch <- result{val, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.val, r.err
	case <-timer.C:
		return zero, photonerr.Timeout(stage, path, d.Milliseconds())
	case <-ctx.Done():
		return zero, fmt.Errorf("%s %s: %w", stage, path, ctx.Err())
	}
}
