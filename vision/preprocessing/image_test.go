package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"strings"
	"sync"
	"testing"
)

// createSolidImage creates a single-colour image
func createSolidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// TestNewImageProcessor tests ImageProcessor creation
func TestNewImageProcessor(t *testing.T) {
	processor := NewImageProcessor(32, nil)
	if processor.targetSize != 32 {
		t.Errorf("Expected target size 32, got %d", processor.targetSize)
	}
	if processor.tempImageBuffer != nil || processor.processBuffer != nil {
		t.Error("Expected nil buffers initially")
	}
}

// TestDecodePNGIsExact checks that lossless input maps to exact CHW values
func TestDecodePNGIsExact(t *testing.T) {
	processor := NewImageProcessor(4, nil)
	data := encodePNG(t, createSolidImage(8, 8, color.RGBA{255, 51, 0, 255}))

	img, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if img.Width != 4 || img.Height != 4 || img.Channels != 3 || len(img.Data) != 48 {
		t.Fatalf("Unexpected dimensions: %dx%dx%d, %d values", img.Width, img.Height, img.Channels, len(img.Data))
	}

	want := []float32{1, 0.2, 0}
	for c := 0; c < 3; c++ {
		for i := 0; i < 16; i++ {
			if got := img.Data[c*16+i]; math.Abs(float64(got-want[c])) > 1e-6 {
				t.Fatalf("channel %d pixel %d = %v, want %v", c, i, got, want[c])
			}
		}
	}
}

func TestDecodeJPEG(t *testing.T) {
	processor := NewImageProcessor(16, nil)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, createSolidImage(40, 30, color.RGBA{200, 100, 50, 255}), &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}

	img, err := processor.DecodeAndPreprocess(&buf)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	for _, v := range img.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %v outside [0, 1]", v)
		}
	}
	// JPEG is lossy; the red plane should still be close to 200/255.
	if r := img.Data[0]; math.Abs(float64(r)-200.0/255) > 0.05 {
		t.Errorf("red = %v, want about %v", r, 200.0/255)
	}
}

func TestDecodeInvalidData(t *testing.T) {
	processor := NewImageProcessor(8, nil)
	_, err := processor.DecodeAndPreprocess(strings.NewReader("not an image"))
	if err == nil {
		t.Error("Expected error for invalid data")
	}
}

func TestResizeNearest(t *testing.T) {
	// Left half black, right half white.
	src := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 2; x < 4; x++ {
			src.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, 2, 1))
	Resize(dst, src)

	if r, _, _, _ := dst.At(0, 0).RGBA(); r != 0 {
		t.Errorf("left pixel = %d, want 0", r)
	}
	if r, _, _, _ := dst.At(1, 0).RGBA(); r != 0xffff {
		t.Errorf("right pixel = %d, want 65535", r)
	}
}

func TestNormalizer(t *testing.T) {
	n, err := NewNormalizer([]float32{0.5, 0}, []float32{0.5, 2})
	if err != nil {
		t.Fatalf("NewNormalizer failed: %v", err)
	}
	data := []float32{1, 0, 4, 2}
	n.Apply(data)
	want := []float32{1, -1, 2, 1}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("data[%d] = %v, want %v", i, data[i], want[i])
		}
	}

	if _, err := NewNormalizer([]float32{0}, []float32{0}); err == nil {
		t.Error("Expected error for zero std")
	}
	if _, err := NewNormalizer([]float32{0, 1}, []float32{1}); err == nil {
		t.Error("Expected error for length mismatch")
	}
}

func TestDecodeWithNormalizer(t *testing.T) {
	processor := NewImageProcessor(2, &CIFAR10Stats)
	data := encodePNG(t, createSolidImage(2, 2, color.RGBA{0, 0, 0, 255}))
	img, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	want := -CIFAR10Stats.Mean[0] / CIFAR10Stats.Std[0]
	if img.Data[0] != want {
		t.Errorf("normalized value = %v, want %v", img.Data[0], want)
	}
}

// TestImageProcessorConcurrency checks that a shared processor returns
// independent results
func TestImageProcessorConcurrency(t *testing.T) {
	processor := NewImageProcessor(8, nil)
	colors := []color.RGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}}
	inputs := make([][]byte, len(colors))
	for i, c := range colors {
		inputs[i] = encodePNG(t, createSolidImage(8, 8, c))
	}

	var wg sync.WaitGroup
	results := make([]*ProcessedImage, 30)
	errs := make([]error, 30)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = processor.DecodeAndPreprocess(bytes.NewReader(inputs[i%3]))
		}(i)
	}
	wg.Wait()

	for i, img := range results {
		if errs[i] != nil {
			t.Fatalf("decode %d failed: %v", i, errs[i])
		}
		// The channel matching the colour is 1 everywhere.
		if img.Data[(i%3)*64] != 1 {
			t.Errorf("result %d has wrong colour", i)
		}
	}
}
