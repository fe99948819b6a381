package stage

import (
	"strings"
	"testing"
)

func TestHashReader(t *testing.T) {
	// WHAT: hashing "abc" must equal the well-known SHA-256 test vector.
	got, err := HashReader(strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"[:64]
	if got != want {
		t.Errorf("HashReader(%q) = %s, want %s", "abc", got, want)
	}
}

func TestHashReaderDeterministic(t *testing.T) {
	a, _ := HashReader(strings.NewReader("same content"))
	b, _ := HashReader(strings.NewReader("same content"))
	if a != b {
		t.Errorf("expected stable hash, got %s vs %s", a, b)
	}
}

func TestSafeBasename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"weird name with spaces.docx", "weird_name_with_spaces.docx"},
		{"résumé.pdf", "r_sum_.pdf"},
		{"", "upload"},
		{"....", "upload"},
		{"/etc/shadow", "shadow"},
	}
	for _, c := range cases {
		if got := SafeBasename(c.in); got != c.want {
			t.Errorf("SafeBasename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSafeBasenameTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"
	got := SafeBasename(long)
	if len(got) > 128 {
		t.Errorf("expected truncated name <=128 bytes, got %d", len(got))
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("expected extension preserved, got %q", got)
	}
}

func TestValidateUpload(t *testing.T) {
	if err := ValidateUpload("report.pdf", 1024); err != nil {
		t.Errorf("expected valid upload, got %v", err)
	}
	if err := ValidateUpload("report.EXE", 1024); err != ErrExtensionNotAllowed {
		t.Errorf("expected ErrExtensionNotAllowed, got %v", err)
	}
	if err := ValidateUpload("report.pdf", MaxUploadSize); err != nil {
		t.Errorf("exactly MaxUploadSize must be accepted, got %v", err)
	}
	if err := ValidateUpload("report.pdf", MaxUploadSize+1); err != ErrTooLarge {
		t.Errorf("expected ErrTooLarge one byte over the limit, got %v", err)
	}
}

func TestExtension(t *testing.T) {
	cases := map[string]string{
		"report.PDF": "pdf", "photo.JPEG": "jpeg", "noext": "", "archive.tar.gz": "gz",
	}
	for in, want := range cases {
		if got := Extension(in); got != want {
			t.Errorf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewLayout(t *testing.T) {
	l := NewLayout("/var/uploads", "/var/outputs", "job-123", "report.pdf")
	if l.UploadPath != "/var/uploads/job-123_report.pdf" {
		t.Errorf("unexpected UploadPath: %s", l.UploadPath)
	}
	if l.OutputPath != "/var/outputs/job-123_sanitized.pdf" {
		t.Errorf("unexpected OutputPath: %s", l.OutputPath)
	}
}
