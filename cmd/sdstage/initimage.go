package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"sdstage/sdruntime"

	"golang.org/x/image/draw"
)

// loadInitImage decodes a PNG or JPEG into an RGBA init image. Resizing to
// the request size is left to the runtime.
func loadInitImage(path string) (*sdruntime.InitImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, usageError{fmt.Errorf("init image: %w", err)}
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, usageError{fmt.Errorf("init image %s: %w", path, err)}
	}
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)

	return &sdruntime.InitImage{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: 4,
		Pixels:   rgba.Pix,
	}, nil
}
