// Package raster implements the pixel reconstruction pass of spec.md
// §4.F — the security terminator of the sanitization pipeline. It
// rasterizes every page of a CDR'd PDF at 200 DPI, then re-emits a PDF in
// which each page is a single full-bleed raster image: no text objects, no
// object streams, no form fields, nothing parseable as anything other than
// pixels.
//
// Rasterization is delegated to pdftoppm (poppler-utils), an explicit
// out-of-scope external collaborator per spec.md §1, invoked the same way
// normalize invokes soffice and sandbox invokes docker: exec.CommandContext
// under a hard timeout, output discovered from a known directory rather
// than parsed from stdout.
package raster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/hazyhaar/docguard/internal/pdfimage"
)

// DPI is the rasterization resolution spec.md §4.F fixes: the fidelity
// knob, not a security knob — a higher DPI yields a larger output, never a
// more (or less) sanitized one.
const DPI = 200

// RasterizeTimeout bounds the external rasterizer invocation. Not named in
// spec.md's per-operation timeout table; it inherits the same defensive
// posture as normalize's and sandbox's external-process calls.
const RasterizeTimeout = 120 * time.Second

// Letter-size page geometry in points, per spec.md §4.F.
const (
	pageWidthPt  = 612.0
	pageHeightPt = 792.0
	marginPt     = 40.0
)

// Rasterize renders every page of the PDF at pdfPath to a PNG in workDir
// using pdftoppm, and returns the resulting file paths in page order.
func Rasterize(ctx context.Context, pdfPath, workDir string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, RasterizeTimeout)
	defer cancel()

	prefix := filepath.Join(workDir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm", "-r", fmt.Sprintf("%d", DPI), "-png", pdfPath, prefix)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("raster: rasterization timed out after %s", RasterizeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("raster: pdftoppm failed: %w: %s", err, truncate(out, 2048))
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("raster: read work dir: %w", err)
	}
	var pages []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".png" && strings.HasPrefix(e.Name(), "page") {
			pages = append(pages, filepath.Join(workDir, e.Name()))
		}
	}
	sort.Strings(pages) // pdftoppm zero-pads page numbers, so lexical order is page order.
	return pages, nil
}

// Reconstruct re-emits a PDF from the page images at pngPaths (in order),
// writing it to outputPath. Each page is composited onto a white,
// letter-sized canvas with a marginPt border, scaled width-first and
// rescaled by height only if the width-first scale would overflow the
// available height — spec.md §4.F's exact aspect policy.
func Reconstruct(pngPaths []string, outputPath string) error {
	b := pdfimage.NewBuilder()

	// Canvas pixel dimensions so that canvas pixels == PDF points * DPI/72
	// exactly, keeping the margin math in pixel space and the PDF geometry
	// in point space in lockstep.
	scale := float64(DPI) / 72.0
	canvasW := int(pageWidthPt * scale)
	canvasH := int(pageHeightPt * scale)
	marginPx := int(marginPt * scale)
	availW := canvasW - 2*marginPx
	availH := canvasH - 2*marginPx

	for _, p := range pngPaths {
		page, err := compositePage(p, canvasW, canvasH, marginPx, availW, availH)
		if err != nil {
			return fmt.Errorf("raster: composite %s: %w", p, err)
		}
		b.AddPage(page, pageWidthPt, pageHeightPt)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("raster: create output: %w", err)
	}
	defer out.Close()
	if err := b.Write(out); err != nil {
		return fmt.Errorf("raster: write output: %w", err)
	}
	return nil
}

// compositePage scales src to fit within availW x availH (width-first,
// height-fallback per the aspect policy) and centers it on a white
// canvasW x canvasH canvas.
func compositePage(pngPath string, canvasW, canvasH, marginPx, availW, availH int) (image.Image, error) {
	src, err := imaging.Open(pngPath)
	if err != nil {
		return nil, fmt.Errorf("decode page image: %w", err)
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	// Width-first.
	fitW := availW
	fitH := int(float64(srcH) * float64(fitW) / float64(srcW))
	if fitH > availH {
		// Rescale by height instead.
		fitH = availH
		fitW = int(float64(srcW) * float64(fitH) / float64(srcH))
	}

	scaled := imaging.Resize(src, fitW, fitH, imaging.Lanczos)

	canvas := imaging.New(canvasW, canvasH, color.White)
	offsetX := (canvasW - fitW) / 2
	offsetY := (canvasH - fitH) / 2
	return imaging.Paste(canvas, scaled, image.Pt(offsetX, offsetY)), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
