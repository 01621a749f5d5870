package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"sync"
)

// ImageProcessor decodes images into normalized CHW float32 data of a fixed
// square size, reusing its buffers between calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float32
	targetSize      int
	normalizer      *Normalizer
}

// NewImageProcessor creates a new image processor with the specified target
// size. A nil normalizer leaves values in [0, 1].
func NewImageProcessor(targetSize int, normalizer *Normalizer) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		normalizer: normalizer,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it to the target
// size and returns normalized data in CHW format.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.targetSize || p.tempImageBuffer.Bounds().Dy() != p.targetSize {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	Resize(p.tempImageBuffer, img)

	requiredSize := 3 * p.targetSize * p.targetSize
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]
	ToCHW(data, p.tempImageBuffer)
	if p.normalizer != nil {
		p.normalizer.Apply(data)
	}

	// Create a copy since we're returning a slice of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}, nil
}

// Resize scales src into dst with nearest-neighbour sampling.
func Resize(dst *image.RGBA, src image.Image) {
	sb := src.Bounds()
	db := dst.Bounds()
	width, height := sb.Dx(), sb.Dy()
	scaleX := float64(width) / float64(db.Dx())
	scaleY := float64(height) / float64(db.Dy())

	for y := 0; y < db.Dy(); y++ {
		for x := 0; x < db.Dx(); x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)

			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}

			dst.Set(db.Min.X+x, db.Min.Y+y, src.At(sb.Min.X+srcX, sb.Min.Y+srcY))
		}
	}
}

// ToCHW writes the RGB channels of img to dst as planes scaled to [0, 1].
func ToCHW(dst []float32, img *image.RGBA) {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*b.Dx() + x
			dst[idx] = float32(img.Pix[off]) / 255
			dst[plane+idx] = float32(img.Pix[off+1]) / 255
			dst[2*plane+idx] = float32(img.Pix[off+2]) / 255
		}
	}
}
