package encoder

import (
	"image"

	"github.com/disintegration/imaging"
)

// Preprocess converts img into SigLIP's [1,3,H,W] NCHW input: Lanczos resize
// to size×size, scale to [0,1], then normalize with (x − 0.5) / 0.5.
func Preprocess(img image.Image, size int) []float32 {
	resized := imaging.Resize(img, size, size, imaging.Lanczos)

	pixels := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			i := y*size + x
			pixels[i] = normPixel(r)
			pixels[plane+i] = normPixel(g)
			pixels[2*plane+i] = normPixel(b)
		}
	}
	return pixels
}

func normPixel(v uint32) float32 {
	f := float32(v>>8) / 255.0
	return (f - 0.5) / 0.5
}
