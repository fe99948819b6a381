package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/docguard/reputation"
	"github.com/hazyhaar/docguard/sandbox"
)

func newTestController(t *testing.T) (*Controller, string, string) {
	t.Helper()
	uploadRoot := t.TempDir()
	outputRoot := t.TempDir()

	cfg := Config{
		UploadRoot: uploadRoot,
		OutputRoot: outputRoot,
		// An unconfigured client always returns Indeterminate without any
		// network call, per reputation.Client.Scan's documented contract.
		Reputation: reputation.NewClient(reputation.Config{}),
		// No docker daemon is assumed to exist in this test environment;
		// EnsureImage is exercised just enough to fail deterministically
		// (missing binary or missing Dockerfile), which is all job_test
		// needs to drive the sandboxed-failure path without a real worker.
		Sandbox: sandbox.New("docguard-worker:test", filepath.Join(t.TempDir(), "Dockerfile"), t.TempDir()),
	}
	return NewController(cfg), uploadRoot, outputRoot
}

func TestRun_RejectsDisallowedExtension(t *testing.T) {
	c, _, _ := newTestController(t)
	_, cleanup, err := c.Run(context.Background(), "malware.exe", 10, strings.NewReader("x"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if cleanup != nil {
		t.Errorf("expected no cleanup token for a rejected upload")
	}
}

func TestRun_RejectsOversizeUpload(t *testing.T) {
	c, _, _ := newTestController(t)
	_, _, err := c.Run(context.Background(), "report.pdf", 100<<20+1, strings.NewReader("x"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestRun_ValidationFailureCreatesNoStagedFile(t *testing.T) {
	// WHAT: spec.md §8's boundary test — an oversize/disallowed upload
	// never reaches the filesystem at all.
	c, uploadRoot, _ := newTestController(t)
	_, _, err := c.Run(context.Background(), "malware.exe", 10, strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected rejection")
	}
	entries, rdErr := os.ReadDir(uploadRoot)
	if rdErr != nil {
		t.Fatal(rdErr)
	}
	if len(entries) != 0 {
		t.Errorf("expected no staged files, found %d", len(entries))
	}
}

func TestRun_SandboxFailureCleansUpBothArtifacts(t *testing.T) {
	// WHAT: invariant #1 of spec.md §8 — once a job goes non-received, its
	// input and output paths are absent from disk once the job is
	// terminal. The sandbox step here is expected to fail (no real worker
	// image exists in this environment), exercising the Failed path.
	c, _, _ := newTestController(t)
	j, cleanup, err := c.Run(context.Background(), "report.pdf", 3, strings.NewReader("pdf"))
	if err == nil {
		t.Fatal("expected sandbox run to fail in a test environment with no worker image")
	}
	var serr *SanitizationError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SanitizationError, got %v", err)
	}
	if j.State != Failed {
		t.Errorf("expected Failed state, got %v", j.State)
	}
	if cleanup != nil {
		t.Errorf("expected no deferred cleanup token on a failed job")
	}
	if _, statErr := os.Stat(j.InputPath); !os.IsNotExist(statErr) {
		t.Errorf("expected input path removed, stat returned: %v", statErr)
	}
	if _, statErr := os.Stat(j.OutputPath); !os.IsNotExist(statErr) {
		t.Errorf("expected output path removed, stat returned: %v", statErr)
	}
}

func TestRun_FailOpenDefaultProceedsToSandbox(t *testing.T) {
	// WHAT: FailClosedOnPreScanMalicious defaults to false, and with that
	// default the job goes past the pre-scan to the sandbox step (which
	// fails here, since no worker image exists). The fail-closed branch
	// itself is not exercised: the unconfigured test reputation client
	// can never return Malicious.
	c, _, _ := newTestController(t)
	if c.cfg.FailClosedOnPreScanMalicious {
		t.Fatal("expected fail-open default")
	}
	_, _, err := c.Run(context.Background(), "report.pdf", 3, strings.NewReader("pdf"))
	var serr *SanitizationError
	if !errors.As(err, &serr) {
		t.Fatalf("expected the job to proceed to (and fail at) the sandbox step, got %v", err)
	}
}

func TestJob_ThreatWarningAndVerdictDetail(t *testing.T) {
	cases := []struct {
		name    string
		verdict reputation.Verdict
		warn    bool
	}{
		{"clean", reputation.CleanVerdict(70), false},
		{"suspicious", reputation.SuspiciousVerdict(4, 70), true},
		{"malicious", reputation.MaliciousVerdict(2), true},
		{"indeterminate", reputation.IndeterminateVerdict("timeout"), false},
	}
	for _, tc := range cases {
		j := &Job{PreScan: tc.verdict}
		if got := j.ThreatWarning(); got != tc.warn {
			t.Errorf("%s: ThreatWarning() = %v, want %v", tc.name, got, tc.warn)
		}
		if j.VerdictDetail() == "" && tc.verdict.Kind != reputation.Clean {
			t.Errorf("%s: expected non-empty verdict detail", tc.name)
		}
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Received:  "received",
		Staged:    "staged",
		PreScored: "pre_scored",
		Sandboxed: "sandboxed",
		Produced:  "produced",
		Delivered: "delivered",
		Failed:    "failed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestCleanup_RemoveOutputIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := &Cleanup{outputPath: path}
	c.RemoveOutput()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected output removed, stat returned: %v", err)
	}
	c.RemoveOutput() // must not panic or error on a second call
}

func TestReopenAndStat(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.pdf")
	if err := reopenAndStat(missing); err == nil {
		t.Error("expected error for a missing file")
	}

	empty := filepath.Join(dir, "empty.pdf")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reopenAndStat(empty); err == nil {
		t.Error("expected error for a zero-byte file")
	}

	ready := filepath.Join(dir, "ready.pdf")
	if err := os.WriteFile(ready, []byte("%PDF-1.7"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reopenAndStat(ready); err != nil {
		t.Errorf("expected nonempty file to pass, got %v", err)
	}
}
