package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// PNG magic bytes for file identification
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// Image validation errors
var (
	ErrImageEmpty       = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG      = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageTooSmall    = errors.New("sdruntime: image data too small to be valid")
	ErrImageDecodeFail  = errors.New("sdruntime: failed to decode image")
	ErrImageInvalidSize = errors.New("sdruntime: invalid image dimensions")
)

// IsPNG checks if the given data starts with PNG magic bytes.
// This is a pure function with no side effects.
func IsPNG(data []byte) bool {
	if len(data) < len(pngMagic) {
		return false
	}
	return bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// ValidateImageData validates that data is a valid PNG image.
// This is a pure function with no side effects.
func ValidateImageData(data []byte) error {
	if len(data) == 0 {
		return ErrImageEmpty
	}

	// 8 (signature) + 25 (IHDR) + 12 (IEND) = 45 bytes minimum
	if len(data) < 45 {
		return ErrImageTooSmall
	}

	if !IsPNG(data) {
		return ErrImageNotPNG
	}

	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return nil
}

// toRGBA expands packed 3- or 4-channel pixels into an RGBA image.
func toRGBA(pixels []byte, width, height, channels int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrImageInvalidSize, width, height)
	}
	if channels != 3 && channels != 4 {
		return nil, fmt.Errorf("%w: %d channels, want 3 or 4", ErrImageInvalidSize, channels)
	}
	if want := ImageDataSize(width, height, channels); len(pixels) != want {
		return nil, fmt.Errorf("%w: expected %d bytes for %dx%dx%d, got %d",
			ErrImageInvalidSize, want, width, height, channels, len(pixels))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if channels == 4 {
		copy(img.Pix, pixels)
		return img, nil
	}
	for i, j := 0, 0; i < len(pixels); i, j = i+3, j+4 {
		img.Pix[j] = pixels[i]
		img.Pix[j+1] = pixels[i+1]
		img.Pix[j+2] = pixels[i+2]
		img.Pix[j+3] = 0xFF
	}
	return img, nil
}

// Image returns the frame as an RGBA image. RGB frames get an opaque alpha.
func (f Frame) Image() (*image.RGBA, error) {
	return toRGBA(f.Pixels, f.Width, f.Height, f.Channels)
}

// EncodePNG encodes the frame as PNG.
func (f Frame) EncodePNG() ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// FitInitImage returns img unchanged when it already matches width x height
// and a Catmull-Rom resampled copy otherwise. Channel count is preserved.
func FitInitImage(img *InitImage, width, height int) (*InitImage, error) {
	if img == nil || (img.Width == width && img.Height == height) {
		return img, nil
	}
	src, err := toRGBA(img.Pixels, img.Width, img.Height, img.Channels)
	if err != nil {
		return nil, errors.Join(ErrInvalidArgument, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := &InitImage{Width: width, Height: height, Channels: img.Channels}
	if img.Channels == 4 {
		out.Pixels = dst.Pix
		return out, nil
	}
	out.Pixels = make([]byte, ImageDataSize(width, height, 3))
	for i, j := 0, 0; j < len(dst.Pix); i, j = i+3, j+4 {
		out.Pixels[i] = dst.Pix[j]
		out.Pixels[i+1] = dst.Pix[j+1]
		out.Pixels[i+2] = dst.Pix[j+2]
	}
	return out, nil
}

// ImageDataSize returns the byte size of a packed frame.
func ImageDataSize(width, height, channels int) int {
	return width * height * channels
}
