package validate

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// buildPDF assembles a minimal valid PDF, optionally carrying an
// /OpenAction and/or a /Names tree with /JavaScript and /EmbeddedFiles —
// the same direct-offset construction cdr_test.go and docpipe's
// buildRealTextPDF use.
func buildPDF(withOpenAction, withNames bool) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.7\n")

	offsets := make([]int, 5)
	record := func(n int) { offsets[n] = b.Len() }

	catalogExtra := ""
	if withOpenAction {
		catalogExtra += " /OpenAction << /S /JavaScript /JS (app.alert(1)) >>"
	}
	if withNames {
		catalogExtra += " /Names 4 0 R"
	}

	record(1)
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R" + catalogExtra + " >>\nendobj\n")

	record(2)
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	record(3)
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n")

	if withNames {
		record(4)
		b.WriteString("4 0 obj\n<< /JavaScript << /Names [(evil.js) 1 0 R] >> " +
			"/EmbeddedFiles << /Names [(payload.bin) 1 0 R] >> >>\nendobj\n")
	}

	last := 3
	if withNames {
		last = 4
	}

	xrefOffset := b.Len()
	b.WriteString("xref\n0 " + strconv.Itoa(last+1) + "\n0000000000 65535 f \n")
	for i := 1; i <= last; i++ {
		s := strconv.Itoa(offsets[i])
		for len(s) < 10 {
			s = "0" + s
		}
		b.WriteString(s + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + strconv.Itoa(last+1) + " /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xrefOffset))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}

func TestValidate_CleanDocumentPasses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clean.pdf")
	if err := os.WriteFile(path, buildPDF(false, false), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Validate(path); err != nil {
		t.Fatalf("expected clean document to pass, got: %v", err)
	}
}

func TestValidate_RejectsOpenAction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openaction.pdf")
	if err := os.WriteFile(path, buildPDF(true, false), 0644); err != nil {
		t.Fatal(err)
	}
	err := Validate(path)
	if !errors.Is(err, ErrOpenAction) {
		t.Fatalf("expected ErrOpenAction, got %v", err)
	}
}

func TestValidate_RejectsJavaScriptAndEmbeddedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "names.pdf")
	if err := os.WriteFile(path, buildPDF(false, true), 0644); err != nil {
		t.Fatal(err)
	}
	err := Validate(path)
	if !errors.Is(err, ErrJavaScript) && !errors.Is(err, ErrEmbeddedFiles) {
		t.Fatalf("expected ErrJavaScript or ErrEmbeddedFiles, got %v", err)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	err := Validate(filepath.Join(t.TempDir(), "nope.pdf"))
	if !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}

func TestValidate_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.pdf")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	err := Validate(path)
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestValidate_InvalidStructure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.pdf")
	if err := os.WriteFile(path, []byte("not a pdf at all"), 0644); err != nil {
		t.Fatal(err)
	}
	err := Validate(path)
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
}
