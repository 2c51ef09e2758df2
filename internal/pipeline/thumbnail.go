package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
)

// makeThumbnail resizes img to fit within size×size (aspect preserved, never
// upscaled beyond the original) and returns a base64-encoded lossless WebP
// suitable for embedding in the JSON record.
func makeThumbnail(img image.Image, size int) (string, error) {
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, thumb, nil); err != nil {
		return "", fmt.Errorf("encode webp thumbnail: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
