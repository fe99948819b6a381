// Package cdr performs the structural disarm step of the sanitization
// pipeline: it walks a parsed PDF's cross-reference table directly and
// strips every construct capable of triggering code execution or outbound
// exfiltration on open — page and catalog-level actions, the name-tree
// entries for embedded JavaScript and file attachments — then overwrites
// the document information dictionary with a fixed, inert value.
//
// It deliberately does not trust the document's own /Pages tree to find
// page objects; a hostile PDF's tree can be malformed in ways a naive
// recursive walk would mishandle. Instead it scans every live object in the
// cross-reference table directly, exactly as the CHRC PDF reader's
// stream-subtype fallback does, and acts on anything typed /Page or
// /Catalog. This mirrors the original worker's disarm_pdf(), which strips
// the same five constructs.
package cdr

import (
	"fmt"
	"os"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Result tallies what Disarm removed, for job logging.
type Result struct {
	PagesVisited         int
	AnnotsRemoved        int
	PageActionsRemoved   int
	OpenActionRemoved    bool
	JavaScriptRemoved    bool
	EmbeddedFilesRemoved bool
}

// Disarm mutates ctx in place, removing every actionable construct it
// finds, then replaces the info dictionary with a synthetic one. Safe to
// call more than once on the same context: a second pass is a no-op except
// for the info dictionary's timestamp.
func Disarm(ctx *model.Context) (Result, error) {
	var res Result

	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		d, ok := entry.Object.(types.Dict)
		if !ok {
			continue
		}
		switch dictType(d) {
		case "Page":
			res.PagesVisited++
			stripPageActions(d, &res)
		case "Catalog":
			stripCatalogActions(ctx, d, &res)
		}
	}

	if err := writeSyntheticInfo(ctx); err != nil {
		return res, fmt.Errorf("cdr: synthetic info dictionary: %w", err)
	}
	return res, nil
}

// DisarmFile reads the PDF at inPath, applies Disarm, and writes the result
// to outPath. A structural error reading or disarming the input is
// non-fatal by spec.md §7's error taxonomy ("CDR-structural: Non-fatal:
// copy original forward, the pixel pass will disarm"): on any failure it
// copies inPath to outPath unchanged instead of returning an error, so the
// caller's pipeline can proceed straight to the pixel reconstruction pass,
// which is the actual security terminator.
func DisarmFile(inPath, outPath string) (Result, error) {
	ctx, err := readContext(inPath)
	if err != nil {
		if copyErr := copyFile(inPath, outPath); copyErr != nil {
			return Result{}, fmt.Errorf("cdr: read failed (%v) and fallback copy failed: %w", err, copyErr)
		}
		return Result{}, nil
	}

	res, err := Disarm(ctx)
	if err != nil {
		if copyErr := copyFile(inPath, outPath); copyErr != nil {
			return res, fmt.Errorf("cdr: disarm failed (%v) and fallback copy failed: %w", err, copyErr)
		}
		return res, nil
	}

	out, err := os.Create(outPath)
	if err != nil {
		return res, fmt.Errorf("cdr: create output: %w", err)
	}
	defer out.Close()

	if err := api.WriteContext(ctx, out); err != nil {
		out.Close()
		if copyErr := copyFile(inPath, outPath); copyErr != nil {
			return res, fmt.Errorf("cdr: write failed (%v) and fallback copy failed: %w", err, copyErr)
		}
		return res, nil
	}
	return res, nil
}

func readContext(path string) (*model.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cdr: open: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("cdr: read: %w", err)
	}
	return ctx, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Close()
}

func dictType(d types.Dict) string {
	v, ok := d.Find("Type")
	if !ok {
		return ""
	}
	n, ok := v.(types.Name)
	if !ok {
		return ""
	}
	return string(n)
}

// stripPageActions removes the three action-bearing entries a single page
// dictionary can carry: an annotation array (/Annots — link and widget
// annotations frequently carry a /Launch or /JavaScript action), an
// additional-actions dictionary (/AA), and a direct page-open action (/A).
func stripPageActions(d types.Dict, res *Result) {
	for _, key := range []string{"Annots", "AA", "A"} {
		if _, ok := d.Find(key); ok {
			delete(d, key)
			if key == "Annots" {
				res.AnnotsRemoved++
			} else {
				res.PageActionsRemoved++
			}
		}
	}
}

// stripCatalogActions removes the document-level triggers: the
// open-the-document action, and the JavaScript and embedded-file subtrees
// of the name dictionary.
func stripCatalogActions(ctx *model.Context, d types.Dict, res *Result) {
	if _, ok := d.Find("OpenAction"); ok {
		delete(d, "OpenAction")
		res.OpenActionRemoved = true
	}

	namesObj, ok := d.Find("Names")
	if !ok {
		return
	}
	namesDict, ok := resolveDict(ctx, namesObj)
	if !ok {
		return
	}
	if _, ok := namesDict.Find("JavaScript"); ok {
		delete(namesDict, "JavaScript")
		res.JavaScriptRemoved = true
	}
	if _, ok := namesDict.Find("EmbeddedFiles"); ok {
		delete(namesDict, "EmbeddedFiles")
		res.EmbeddedFilesRemoved = true
	}
}

// resolveDict dereferences obj to a Dict, following a single indirect
// reference if necessary. PDF dictionary values are either inline or a
// one-hop indirect reference; this package never needs to chase more than
// one hop because every construct it touches is addressed directly from
// its parent dictionary.
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

// writeSyntheticInfo replaces the document's /Info dictionary, wherever it
// lives, with a fixed set of values. A sanitized document's metadata should
// reveal nothing about the original author, tool chain, or embedded
// comments — only that it passed through this pipeline.
func writeSyntheticInfo(ctx *model.Context) error {
	now := pdfcpu.DateString(time.Now())
	info := types.Dict{
		"Title":        types.StringLiteral("Sanitized Document"),
		"Author":       types.StringLiteral(""),
		"Subject":      types.StringLiteral(""),
		"Creator":      types.StringLiteral("docguard"),
		"Producer":     types.StringLiteral("docguard CDR pipeline"),
		"CreationDate": types.StringLiteral(now),
		"ModDate":      types.StringLiteral(now),
	}

	if ctx.Info != nil {
		if entry, ok := ctx.Table[ctx.Info.ObjectNumber.Value()]; ok && entry != nil {
			entry.Object = info
			return nil
		}
	}

	ref, err := ctx.IndRefForNewObject(info)
	if err != nil {
		return err
	}
	ctx.Info = ref
	return nil
}
