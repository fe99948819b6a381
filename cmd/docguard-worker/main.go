// Command docguard-worker is the binary baked into the sandboxed worker
// image. It reads its input and output paths from the environment, runs
// the full E->D->F->G pipeline (normalize, CDR disarm, pixel
// reconstruction, validate) against them, and exits zero on success,
// non-zero on any failure — the worker invocation contract of spec.md §6.
//
// It never talks to the network, the reputation service, or the job
// controller directly: those live in the gateway process outside the
// sandbox. Its entire job is to turn one file into another, inside a
// container with no network interfaces.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/docguard/cdr"
	"github.com/hazyhaar/docguard/normalize"
	"github.com/hazyhaar/docguard/raster"
	"github.com/hazyhaar/docguard/stage"
	"github.com/hazyhaar/docguard/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	inputFile := os.Getenv("INPUT_FILE")
	outputFile := os.Getenv("OUTPUT_FILE")
	if inputFile == "" || outputFile == "" {
		slog.Error("worker: INPUT_FILE and OUTPUT_FILE must both be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 290*time.Second)
	defer cancel()

	if err := run(ctx, inputFile, outputFile); err != nil {
		slog.Error("worker: pipeline failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker: pipeline succeeded", "output", outputFile)
}

// run sequences the worker-side pipeline: normalize -> CDR disarm ->
// rasterize -> reconstruct -> validate, all within a private scratch
// directory under /tmp (the in-memory tmpfs the sandbox supervisor
// attaches, per spec.md §3's isolation contract).
func run(ctx context.Context, inputFile, outputFile string) error {
	scratch, err := os.MkdirTemp("/tmp", "docguard-worker-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	ext := stage.Extension(inputFile)

	normalized := filepath.Join(scratch, "normalized.pdf")
	if err := normalize.ToPDF(ctx, inputFile, normalized, ext); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	disarmed := filepath.Join(scratch, "disarmed.pdf")
	if _, err := cdr.DisarmFile(normalized, disarmed); err != nil {
		return fmt.Errorf("cdr: %w", err)
	}

	rasterDir := filepath.Join(scratch, "pages")
	if err := os.MkdirAll(rasterDir, 0o755); err != nil {
		return fmt.Errorf("create raster dir: %w", err)
	}
	pages, err := raster.Rasterize(ctx, disarmed, rasterDir)
	if err != nil {
		return fmt.Errorf("rasterize: %w", err)
	}

	if err := raster.Reconstruct(pages, outputFile); err != nil {
		return fmt.Errorf("reconstruct: %w", err)
	}

	if err := validate.Validate(outputFile); err != nil {
		_ = os.Remove(outputFile)
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
