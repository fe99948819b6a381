package pdfimage

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestBuilder_SinglePage(t *testing.T) {
	// WHAT: one page in, one page out, with a MediaBox matching the
	// requested point dimensions.
	b := NewBuilder()
	b.AddPage(solidImage(100, 100, color.White), 612, 792)

	var out bytes.Buffer
	if err := b.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s := out.String()
	if !strings.HasPrefix(s, "%PDF-1.7") {
		t.Fatalf("missing PDF header")
	}
	if !strings.Contains(s, "/MediaBox [0 0 612 792]") {
		t.Errorf("expected letter MediaBox, got:\n%s", s)
	}
	if !strings.Contains(s, "/Count 1") {
		t.Errorf("expected page count 1")
	}
	if strings.Count(s, "/Subtype /Image") != 1 {
		t.Errorf("expected exactly one image XObject")
	}
}

func TestBuilder_MultiPage(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < 3; i++ {
		b.AddPage(solidImage(10, 10, color.Black), 612, 792)
	}
	var out bytes.Buffer
	if err := b.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(out.String(), "/Count 3") {
		t.Errorf("expected page count 3")
	}
}

func TestBuilder_ZeroPages(t *testing.T) {
	// WHAT: a zero-page input must still produce a structurally valid,
	// zero-page PDF, not an error.
	b := NewBuilder()
	var out bytes.Buffer
	if err := b.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "/Count 0") {
		t.Errorf("expected zero-page document, got:\n%s", s)
	}
	if strings.Contains(s, "/Subtype /Image") {
		t.Errorf("zero-page document must contain no images")
	}
}

func TestBuilder_QualityClamp(t *testing.T) {
	b := NewBuilder()
	b.SetQuality(0)
	b.SetQuality(101)
	if b.quality != 90 {
		t.Errorf("out-of-range SetQuality should be ignored, got %d", b.quality)
	}
	b.SetQuality(50)
	if b.quality != 50 {
		t.Errorf("expected quality 50, got %d", b.quality)
	}
}
