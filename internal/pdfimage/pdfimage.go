// Package pdfimage assembles a minimal, valid PDF from a sequence of
// already-composed raster pages. It is the write side of the "never trust
// parsed structure" rule that governs the sanitization output path: rather
// than lean on pdfcpu's object-insertion API to splice new image XObjects
// into a document graph a hostile input produced, docguard builds the
// output PDF from nothing, one full-bleed image per page, byte by byte —
// the same direct xref-table construction the CHRC test suite used to
// fabricate PDF fixtures (buildRealTextPDF, buildImageOnlyPDF), just run in
// the forward direction.
//
// Every page is a single JPEG XObject scaled to fill its MediaBox; callers
// position and letterbox the raster before calling AddPage, so the writer
// itself has no layout decisions to make.
package pdfimage

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strconv"
	"strings"
)

// Page is one already-composed raster destined for a single PDF page.
type Page struct {
	Img      image.Image
	WidthPt  float64
	HeightPt float64
}

// Builder accumulates pages and emits a complete single-revision PDF.
type Builder struct {
	pages   []Page
	quality int
}

// NewBuilder returns an empty Builder. JPEG quality defaults to 90.
func NewBuilder() *Builder {
	return &Builder{quality: 90}
}

// SetQuality overrides the JPEG encode quality (1-100).
func (b *Builder) SetQuality(q int) {
	if q > 0 && q <= 100 {
		b.quality = q
	}
}

// AddPage appends one full-bleed image page. img is expected to already be
// sized and letterboxed to match widthPt x heightPt at the caller's chosen
// DPI; AddPage does no further scaling.
func (b *Builder) AddPage(img image.Image, widthPt, heightPt float64) {
	b.pages = append(b.pages, Page{Img: img, WidthPt: widthPt, HeightPt: heightPt})
}

// Len reports the number of pages queued so far.
func (b *Builder) Len() int { return len(b.pages) }

// Write emits the assembled PDF. A Builder with zero pages writes a valid
// zero-page document (spec boundary: a zero-page input produces a
// zero-page, still-valid output).
func (b *Builder) Write(w io.Writer) error {
	if len(b.pages) == 0 {
		return writeEmptyDocument(w)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	nextObj := 3
	pageObj := make([]int, len(b.pages))
	imgObj := make([]int, len(b.pages))
	contentObj := make([]int, len(b.pages))
	for i := range b.pages {
		pageObj[i] = nextObj
		nextObj++
		imgObj[i] = nextObj
		nextObj++
		contentObj[i] = nextObj
		nextObj++
	}
	total := nextObj - 1
	offsets := make([]int, total+1)
	record := func(nr int) { offsets[nr] = buf.Len() }

	record(1)
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	record(2)
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [")
	for i, nr := range pageObj {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%d 0 R", nr)
	}
	fmt.Fprintf(&buf, "] /Count %d >>\nendobj\n", len(b.pages))

	for i, p := range b.pages {
		var imgBuf bytes.Buffer
		if err := jpeg.Encode(&imgBuf, p.Img, &jpeg.Options{Quality: b.quality}); err != nil {
			return fmt.Errorf("pdfimage: encode page %d: %w", i+1, err)
		}
		bounds := p.Img.Bounds()

		record(pageObj[i])
		fmt.Fprintf(&buf,
			"%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %s %s] "+
				"/Resources << /XObject << /Im0 %d 0 R >> >> /Contents %d 0 R >>\nendobj\n",
			pageObj[i], fmtNum(p.WidthPt), fmtNum(p.HeightPt), imgObj[i], contentObj[i])

		record(imgObj[i])
		fmt.Fprintf(&buf,
			"%d 0 obj\n<< /Type /XObject /Subtype /Image /Width %d /Height %d "+
				"/ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /Length %d >>\nstream\n",
			imgObj[i], bounds.Dx(), bounds.Dy(), imgBuf.Len())
		buf.Write(imgBuf.Bytes())
		buf.WriteString("\nendstream\nendobj\n")

		content := fmt.Sprintf("q\n%s 0 0 %s 0 0 cm\n/Im0 Do\nQ", fmtNum(p.WidthPt), fmtNum(p.HeightPt))
		record(contentObj[i])
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			contentObj[i], len(content), content)
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", total+1)
	buf.WriteString("0000000000 65535 f \n")
	for nr := 1; nr <= total; nr++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[nr])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", total+1, xrefOffset)

	_, err := w.Write(buf.Bytes())
	return err
}

func writeEmptyDocument(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	o1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	o2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	xrefOffset := buf.Len()
	buf.WriteString("xref\n0 3\n0000000000 65535 f \n")
	fmt.Fprintf(&buf, "%010d 00000 n \n", o1)
	fmt.Fprintf(&buf, "%010d 00000 n \n", o2)
	buf.WriteString("trailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n")
	fmt.Fprintf(&buf, "%d\n%%%%EOF\n", xrefOffset)
	_, err := w.Write(buf.Bytes())
	return err
}

func fmtNum(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
