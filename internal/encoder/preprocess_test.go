package encoder

import (
	"image"
	"image/color"
	"testing"
)

func TestPreprocessShapeAndRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y * 4), 128, 255})
		}
	}

	const size = 224
	pixels := Preprocess(img, size)
	if len(pixels) != 3*size*size {
		t.Fatalf("tensor has %d values, want %d (NCHW)", len(pixels), 3*size*size)
	}
	for i, v := range pixels {
		if v < -1.0001 || v > 1.0001 {
			t.Fatalf("pixel %d = %v outside the (x-0.5)/0.5 range [-1,1]", i, v)
		}
	}
}

func TestPreprocessNormalization(t *testing.T) {
	// A pure white image maps every channel to (1.0-0.5)/0.5 = 1.
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	pixels := Preprocess(img, 4)
	for i, v := range pixels {
		if v < 0.99 {
			t.Fatalf("white pixel %d = %v, want ~1", i, v)
		}
	}

	// A pure black image maps to -1.
	black := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 3; i < len(black.Pix); i += 4 {
		black.Pix[i] = 0xFF // alpha
	}
	pixels = Preprocess(black, 4)
	for i, v := range pixels {
		if v > -0.99 {
			t.Fatalf("black pixel %d = %v, want ~-1", i, v)
		}
	}
}

func TestNewTextEncoderMissingModel(t *testing.T) {
	if _, err := NewTextEncoder("/nonexistent-model-dir-photon-test", "", 0); err == nil {
		t.Fatal("expected error for missing model dir, got nil")
	}
}

func TestNewVisionEncoderMissingModel(t *testing.T) {
	if _, err := NewVisionEncoder("/nonexistent-model-dir-photon-test", "", 0, 224); err == nil {
		t.Fatal("expected error for missing model dir, got nil")
	}
}
