package main

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 20), G: uint8(y * 20), B: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadInitImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.png")
	writePNG(t, path, 8, 6)

	img, err := loadInitImage(path)
	if err != nil {
		t.Fatalf("loadInitImage() error = %v", err)
	}
	if img.Width != 8 || img.Height != 6 || img.Channels != 4 {
		t.Errorf("loadInitImage() = %dx%dx%d, want 8x6x4", img.Width, img.Height, img.Channels)
	}
	if len(img.Pixels) != 8*6*4 {
		t.Errorf("len(Pixels) = %d, want %d", len(img.Pixels), 8*6*4)
	}
	// pixel (2,1)
	off := (1*8 + 2) * 4
	if got := img.Pixels[off : off+4]; got[0] != 40 || got[1] != 20 || got[2] != 200 || got[3] != 255 {
		t.Errorf("pixel(2,1) = %v, want [40 20 200 255]", got)
	}
}

func TestLoadInitImage_Errors(t *testing.T) {
	dir := t.TempDir()
	notImage := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notImage, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "absent.png")},
		{"not an image", notImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadInitImage(tt.path)
			var ue usageError
			if !errors.As(err, &ue) {
				t.Errorf("loadInitImage() error = %v, want usageError", err)
			}
		})
	}
}
