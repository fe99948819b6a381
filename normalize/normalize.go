// Package normalize converts any accepted input format to a PDF substrate,
// the Format normalizer of spec.md §4.E — the first stage the sandboxed
// worker runs, ahead of cdr.Disarm and the pixel reconstruction pass.
//
// Three dispatch paths, by extension: a PDF passes through unchanged (CDR
// is applied afterward regardless); an image is decoded and recomposed
// into a fresh pixel buffer (dropping alpha, ICC, and EXIF as a
// byproduct) and wrapped in a single-page PDF; everything else is handed
// to a headless office-suite conversion, which discards macros and active
// content as a natural consequence of the format transformation — exactly
// original_source/worker.py's convert_to_pdf dispatch, reimplemented with
// Go's process/image stack instead of LibreOffice's Python UNO bridge for
// the conversion call itself.
package normalize

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/hazyhaar/docguard/internal/pdfimage"
)

// OfficeConvertTimeout bounds the headless office-suite conversion, per
// spec.md §4.E / §5.
const OfficeConvertTimeout = 60 * time.Second

// imageDPI is the resolution at which a single-image upload is wrapped
// into its one-page PDF, per spec.md §4.E.
const imageDPI = 100.0

// ErrConversionFailed is returned when the office-suite converter exits
// non-zero or times out.
type ErrConversionFailed struct {
	Cause error
}

func (e *ErrConversionFailed) Error() string {
	return fmt.Sprintf("normalize: office conversion failed: %v", e.Cause)
}

func (e *ErrConversionFailed) Unwrap() error { return e.Cause }

// ToPDF dispatches inputPath to the appropriate conversion path and writes
// a PDF to outputPath. ext is the lowercase extension without a leading
// dot (as stage.SafeBasename-derived names carry it).
func ToPDF(ctx context.Context, inputPath, outputPath, ext string) error {
	switch strings.ToLower(ext) {
	case "pdf":
		return copyFile(inputPath, outputPath)
	case "jpg", "jpeg", "png":
		return imageToPDF(inputPath, outputPath)
	default:
		return officeToPDF(ctx, inputPath, outputPath)
	}
}

// imageToPDF decodes a JPEG or PNG, drops any alpha channel by compositing
// over a white background, rewrites the pixels into a freshly allocated
// surface (discarding EXIF and any ICC profile beyond sRGB in the
// process), and emits a single-page PDF at imageDPI.
func imageToPDF(inputPath, outputPath string) error {
	src, err := imaging.Open(inputPath)
	if err != nil {
		return fmt.Errorf("normalize: decode image: %w", err)
	}

	clean := flattenToRGB(src)

	b := pdfimage.NewBuilder()
	bounds := clean.Bounds()
	widthPt := float64(bounds.Dx()) * 72.0 / imageDPI
	heightPt := float64(bounds.Dy()) * 72.0 / imageDPI
	b.AddPage(clean, widthPt, heightPt)

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("normalize: create output: %w", err)
	}
	defer out.Close()
	if err := b.Write(out); err != nil {
		return fmt.Errorf("normalize: write image PDF: %w", err)
	}
	return nil
}

// flattenToRGB composites img onto an opaque white canvas and returns the
// blended result as a brand-new image.NRGBA, exactly as original_source's
// strip_metadata_from_image does (new image, fresh pixel buffer, no
// inherited metadata struct of any kind). imaging.Overlay alpha-blends the
// source per pixel rather than replacing pixels outright, so transparent
// and semi-transparent regions resolve against white instead of leaving a
// hole or a hard edge.
func flattenToRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// officeToPDF shells out to a headless office suite to convert everything
// that isn't a PDF or a raster image, mirroring
// original_source/worker.py's strip_macros_from_office: the conversion
// step itself discards macros and embedded OLE objects as a natural
// consequence of re-serializing the document into PDF.
func officeToPDF(ctx context.Context, inputPath, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, OfficeConvertTimeout)
	defer cancel()

	outDir := filepath.Dir(outputPath)
	before := time.Now().Add(-time.Second)

	cmd := exec.CommandContext(ctx, "soffice", "--headless", "--norestore",
		"--convert-to", "pdf", "--outdir", outDir, inputPath)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return &ErrConversionFailed{Cause: fmt.Errorf("timed out after %s", OfficeConvertTimeout)}
	}
	if err != nil {
		return &ErrConversionFailed{Cause: fmt.Errorf("%w: %s", err, truncate(out, 2048))}
	}

	converted, err := discoverConverted(outDir, inputPath, before)
	if err != nil {
		return &ErrConversionFailed{Cause: err}
	}
	if converted == outputPath {
		return nil
	}
	return moveFile(converted, outputPath)
}

// discoverConverted finds the file LibreOffice just produced, instead of
// trusting the stem-substitution rule spec.md §9 flags as fragile: it
// enumerates outDir for *.pdf files modified since the conversion began,
// matching the input's stem, and asserts there is exactly one candidate.
func discoverConverted(outDir, inputPath string, since time.Time) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", fmt.Errorf("read output dir: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pdf" {
			continue
		}
		if strings.TrimSuffix(e.Name(), ".pdf") != stem {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		candidates = append(candidates, filepath.Join(outDir, e.Name()))
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("converted output not found for stem %q", stem)
	case 1:
		return candidates[0], nil
	default:
		sort.Strings(candidates)
		return "", fmt.Errorf("ambiguous converted output: %d candidates for stem %q", len(candidates), stem)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("normalize: open source: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("normalize: create destination: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("normalize: copy: %w", err)
	}
	return out.Close()
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename can fail across filesystems (e.g. the sandbox's tmpfs scratch
	// vs. the bind-mounted output); fall back to copy-then-remove.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
