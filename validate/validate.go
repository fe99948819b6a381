// Package validate implements the Output validator of spec.md §4.G: the
// last gate before a sanitized document is allowed to leave the sandbox.
// It re-opens the PDF the pixel reconstruction pass just wrote and asserts
// it is structurally sound and carries none of the constructs cdr.Disarm
// is supposed to have already removed — a second, independent check on the
// same invariants, since the pixel pass (raster) should make these
// constructs structurally impossible to reintroduce, and a validator that
// trusted that assumption without checking it would not be a gate at all.
package validate

import (
	"errors"
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Sentinel errors, one per spec.md §4.G assertion, so callers can
// distinguish "missing file" from "structurally dangerous" without string
// matching.
var (
	ErrMissingOutput    = errors.New("validate: output file does not exist")
	ErrEmptyOutput      = errors.New("validate: output file is empty")
	ErrInvalidStructure = errors.New("validate: output does not parse as a valid PDF")
	ErrJavaScript       = errors.New("validate: output catalog carries a /JavaScript name tree")
	ErrEmbeddedFiles    = errors.New("validate: output catalog carries an /EmbeddedFiles name tree")
	ErrOpenAction       = errors.New("validate: output catalog carries an /OpenAction")
)

// Validate asserts every property spec.md §4.G and the invariant #2 of §8
// require of a finished artifact at path. Any violation returns a non-nil
// error; the caller (cmd/docguard-worker) is responsible for destroying the
// output and exiting non-zero, which fails the job, per the error-handling
// table of spec.md §7.
func Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMissingOutput
		}
		return fmt.Errorf("validate: stat: %w", err)
	}
	if info.Size() == 0 {
		return ErrEmptyOutput
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("validate: open: %w", err)
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStructure, err)
	}

	return checkCatalog(ctx)
}

func checkCatalog(ctx *model.Context) error {
	catalog, ok := findCatalog(ctx)
	if !ok {
		// A catalog pdfcpu itself can't locate is already caught by
		// ReadValidateAndOptimize; this is defensive, not reachable in
		// practice.
		return fmt.Errorf("%w: no /Catalog object found", ErrInvalidStructure)
	}

	if _, ok := catalog.Find("OpenAction"); ok {
		return ErrOpenAction
	}

	namesObj, ok := catalog.Find("Names")
	if !ok {
		return nil
	}
	namesDict, ok := resolveDict(ctx, namesObj)
	if !ok {
		return nil
	}
	if _, ok := namesDict.Find("JavaScript"); ok {
		return ErrJavaScript
	}
	if _, ok := namesDict.Find("EmbeddedFiles"); ok {
		return ErrEmbeddedFiles
	}
	return nil
}

// findCatalog scans every live object for one typed /Catalog, the same
// direct cross-reference-table walk cdr.Disarm uses rather than trusting a
// single promoted Root field — consistent with this codebase's posture of
// never trusting a hostile document's own tree structure to locate itself.
func findCatalog(ctx *model.Context) (types.Dict, bool) {
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		d, ok := entry.Object.(types.Dict)
		if !ok {
			continue
		}
		if t, ok := d.Find("Type"); ok {
			if n, ok := t.(types.Name); ok && string(n) == "Catalog" {
				return d, true
			}
		}
	}
	return nil, false
}

func resolveDict(ctx *model.Context, obj types.Object) (types.Dict, bool) {
	switch o := obj.(type) {
	case types.Dict:
		return o, true
	case types.IndirectRef:
		entry, ok := ctx.Table[o.ObjectNumber.Value()]
		if !ok || entry == nil || entry.Object == nil {
			return nil, false
		}
		d, ok := entry.Object.(types.Dict)
		return d, ok
	default:
		return nil, false
	}
}
