package pipeline

import (
	"encoding/base64"
	"encoding/hex"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"lukechampine.com/blake3"

	"github.com/screenager/photon/internal/photonerr"
)

// hashBufSize is the streaming read buffer for content hashing.
const hashBufSize = 64 * 1024

// contentHash streams BLAKE3 over the file and returns the hex digest.
func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", photonerr.IO(path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.CopyBuffer(h, f, make([]byte, hashBufSize)); err != nil {
		return "", photonerr.IO(path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// phashSize is the per-axis resolution of the perceptual hash grid.
const phashSize = 16

// perceptualHash computes the double-gradient 16×16 hash: horizontal
// brightness gradients over a 17×16 reduction plus vertical gradients over a
// 16×17 reduction, packed into 512 bits and base64-encoded. Near-duplicate
// images land within a small Hamming distance of each other.
func perceptualHash(img image.Image) string {
	bits := make([]byte, phashSize*phashSize*2/8)
	bit := 0
	set := func(on bool) {
		if on {
			bits[bit/8] |= 1 << (bit % 8)
		}
		bit++
	}

	horiz := imaging.Grayscale(imaging.Resize(img, phashSize+1, phashSize, imaging.Lanczos))
	for y := 0; y < phashSize; y++ {
		for x := 0; x < phashSize; x++ {
			set(luma(horiz, x+1, y) > luma(horiz, x, y))
		}
	}

	vert := imaging.Grayscale(imaging.Resize(img, phashSize, phashSize+1, imaging.Lanczos))
	for y := 0; y < phashSize; y++ {
		for x := 0; x < phashSize; x++ {
			set(luma(vert, x, y+1) > luma(vert, x, y))
		}
	}

	return base64.StdEncoding.EncodeToString(bits)
}

// luma reads the grayscale intensity at (x, y); after Grayscale all three
// channels are equal.
func luma(img *image.NRGBA, x, y int) uint8 {
	return img.Pix[img.PixOffset(x, y)]
}
