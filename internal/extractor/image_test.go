package extractor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"golang.org/x/image/bmp"
)

func createTestImage(width, height int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, createTestImage(width, height, color.White)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestProbeDimensions(t *testing.T) {
	var jpg, bm bytes.Buffer
	if err := jpeg.Encode(&jpg, createTestImage(64, 48, color.Black), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if err := bmp.Encode(&bm, createTestImage(10, 20, color.White)); err != nil {
		t.Fatalf("encode bmp: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		want Dimensions
		mime string
	}{
		{"png", pngBytes(t, 40, 30), Dimensions{40, 30, "png"}, "image/png"},
		{"jpeg", jpg.Bytes(), Dimensions{64, 48, "jpeg"}, "image/jpeg"},
		{"bmp", bm.Bytes(), Dimensions{10, 20, "bmp"}, "image/bmp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProbeDimensions(tt.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ProbeDimensions() = %+v, want %+v", got, tt.want)
			}
			if mime := DetectMIMEType(tt.data); mime != tt.mime {
				t.Errorf("DetectMIMEType() = %q, want %q", mime, tt.mime)
			}
		})
	}
}

func TestProbeDimensions_Invalid(t *testing.T) {
	_, err := ProbeDimensions([]byte("not an image at all"))
	if !errors.Is(err, ErrUndecodableImage) {
		t.Errorf("expected ErrUndecodableImage, got %v", err)
	}
	if DetectMIMEType([]byte("xy")) != "application/octet-stream" {
		t.Error("expected octet-stream for short data")
	}
}
