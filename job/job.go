// Package job owns a single submission's lifecycle end to end: staging,
// pre-scan, sandboxed worker execution, post-scan, and the cleanup
// invariant on staged artifacts. It is the Job controller of spec.md §4.H,
// the component that sequences every other package in this module (stage,
// reputation, sandbox, normalize/cdr/raster/validate inside the worker) into
// one state machine per submission.
//
// Controller.Run drives a Job through received -> staged -> pre_scored ->
// sandboxed -> produced -> delivered|failed as one linear function, the same
// "one goroutine, no held lock across a suspension point" shape the rest of
// this codebase uses for per-request work, generalized here to per-job.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/docguard/idgen"
	"github.com/hazyhaar/docguard/kit"
	"github.com/hazyhaar/docguard/reputation"
	"github.com/hazyhaar/docguard/sandbox"
	"github.com/hazyhaar/docguard/stage"
)

// State is one node of the state machine spec.md §4.H describes.
type State int

const (
	Received State = iota
	Staged
	PreScored
	Sandboxed
	Produced
	Delivered
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Staged:
		return "staged"
	case PreScored:
		return "pre_scored"
	case Sandboxed:
		return "sandboxed"
	case Produced:
		return "produced"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// quiescenceDelay is the deliberate pause spec.md §4.H mandates between
// produced and delivered. Kept as specified (§9 flags it as a smell but
// does not redesign it away); backstopped by reopenAndStat immediately
// after, so a short sleep is never the only thing standing between a
// half-flushed output and an HTTP response.
const quiescenceDelay = 2 * time.Second

// ThreatWarningBanner is the fixed banner string spec.md §6 specifies for
// the X-Threat-Warning response header.
const ThreatWarningBanner = "Original file contained malware - now sanitized"

// Job is the unit of work spec.md §3 describes: created on submission,
// destroyed after delivery or terminal failure, never persisted.
type Job struct {
	ID           string
	OriginalName string
	ContentHash  string
	InputPath    string
	OutputPath   string
	PreScan      reputation.Verdict
	PostScan     reputation.Verdict
	State        State
	FailReason   string
}

// ThreatWarning reports whether the pre-scan verdict requires the
// out-of-band threat-warning fields spec.md §4.H's "Threat-warning
// propagation" rule describes.
func (j *Job) ThreatWarning() bool {
	return j.PreScan.Kind == reputation.Malicious || j.PreScan.Kind == reputation.Suspicious
}

// VerdictDetail renders the pre-scan verdict as the detail string carried
// in X-Threat-Details.
func (j *Job) VerdictDetail() string {
	switch j.PreScan.Kind {
	case reputation.Malicious:
		return fmt.Sprintf("malicious (%d engines flagged)", j.PreScan.FlagCount)
	case reputation.Suspicious:
		return fmt.Sprintf("suspicious (%d/%d engines flagged)", j.PreScan.FlagCount, j.PreScan.EnginesTotal)
	default:
		return j.PreScan.Reason
	}
}

// Config wires a Controller to the rest of the pipeline.
type Config struct {
	// UploadRoot and OutputRoot are the staging directories as this
	// process itself sees them: every os.Create/os.Open/os.Stat the
	// controller performs goes through these paths.
	UploadRoot string
	OutputRoot string

	// HostUploadRoot and HostOutputRoot are the same two directories
	// expressed as host-absolute paths, for the docker bind mount only
	// (sandbox.RunSpec.InputMount/OutputMount). When the gateway itself
	// runs inside a container these diverge from UploadRoot/OutputRoot —
	// per spec.md §6's HOST_PWD contract — and must never be used for
	// this process's own file I/O. Default to UploadRoot/OutputRoot when
	// unset (the no-HOST_PWD, bare-metal gateway case).
	HostUploadRoot string
	HostOutputRoot string

	Reputation *reputation.Client
	Sandbox    *sandbox.Supervisor

	// FailClosedOnPreScanMalicious is the configuration switch spec.md §9
	// recommends for the otherwise-advisory pre-scan malicious verdict.
	// Defaults to false (fail-open), matching spec.md's stated default.
	FailClosedOnPreScanMalicious bool

	IDGen  idgen.Generator
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.IDGen == nil {
		c.IDGen = idgen.Default
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HostUploadRoot == "" {
		c.HostUploadRoot = c.UploadRoot
	}
	if c.HostOutputRoot == "" {
		c.HostOutputRoot = c.OutputRoot
	}
}

// Controller sequences one job's lifecycle at a time, independently across
// jobs — spec.md §5's "no ordering guarantees across jobs" requirement
// falls out naturally from Run holding no package-level state besides its
// immutable Config.
type Controller struct {
	cfg Config
}

// NewController builds a Controller from cfg.
func NewController(cfg Config) *Controller {
	cfg.defaults()
	return &Controller{cfg: cfg}
}

// Cleanup carries the deferred half of the cleanup invariant spec.md §4.H
// fixes: input removal is immediate (done inside Run before it returns),
// output removal is deferred until the caller (the HTTP handler) has
// finished transmitting the response body.
type Cleanup struct {
	outputPath string
	done       bool
}

// RemoveOutput deletes the job's output artifact. Safe to call at most
// once in practice, but idempotent if called again.
func (c *Cleanup) RemoveOutput() {
	if c == nil || c.done {
		return
	}
	c.done = true
	if c.outputPath != "" {
		_ = os.Remove(c.outputPath)
	}
}

// ValidationError is returned by Run when the upload itself is rejected
// before any job is created, per spec.md §7's "Input-validation: Reject
// with 400, no job created" row.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// SanitizationError wraps any failure from staging onward, once a job
// exists. Its Error() string is deliberately generic — spec.md §7's
// propagation rule keeps internal detail in the logs, not the response.
type SanitizationError struct {
	Job *Job
	Err error
}

func (e *SanitizationError) Error() string { return "sanitization failed" }
func (e *SanitizationError) Unwrap() error { return e.Err }

// Run stages uploadReader under originalName, pre-scans it, runs it
// through the sandboxed worker, post-scans the result, and returns the
// finished Job plus a Cleanup the caller must invoke once the response
// body has been fully written. On any failure before a job exists it
// returns a *ValidationError; on any failure afterward, the returned Job
// is in the Failed state, its input already removed, and the error is a
// *SanitizationError.
func (c *Controller) Run(ctx context.Context, originalName string, declaredSize int64, uploadReader io.Reader) (retJob *Job, retCleanup *Cleanup, retErr error) {
	if err := stage.ValidateUpload(originalName, declaredSize); err != nil {
		return nil, nil, &ValidationError{Err: err}
	}

	jobID := c.cfg.IDGen()
	ctx = kit.WithJobID(ctx, jobID)
	logger := c.cfg.Logger.With("job_id", jobID)

	layout := stage.NewLayout(c.cfg.UploadRoot, c.cfg.OutputRoot, jobID, originalName)
	j := &Job{
		ID:           jobID,
		OriginalName: originalName,
		InputPath:    layout.UploadPath,
		OutputPath:   layout.OutputPath,
		State:        Received,
	}

	var cleanup *Cleanup

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "job: panic recovered", "panic", r)
			j.State = Failed
			j.FailReason = fmt.Sprintf("internal error: %v", r)
			removeInput(j)
			removeOutput(j)
			retJob, retCleanup = j, nil
			retErr = &SanitizationError{Job: j, Err: errors.New(j.FailReason)}
		}
	}()

	if err := c.stageUpload(ctx, j, uploadReader); err != nil {
		logger.ErrorContext(ctx, "job: staging failed", "error", err)
		j.State = Failed
		j.FailReason = err.Error()
		removeInput(j)
		return j, nil, &SanitizationError{Job: j, Err: err}
	}
	j.State = Staged
	logger.InfoContext(ctx, "job: staged", "hash", j.ContentHash, "input", j.InputPath)

	j.PreScan = c.cfg.Reputation.Scan(ctx, j.ContentHash, j.InputPath)
	j.State = PreScored
	logger.InfoContext(ctx, "job: pre-scan complete", "verdict", j.PreScan.Kind)

	if j.PreScan.Kind == reputation.Malicious && c.cfg.FailClosedOnPreScanMalicious {
		err := fmt.Errorf("rejected: pre-scan verdict malicious and fail-closed policy enabled")
		j.State = Failed
		j.FailReason = err.Error()
		removeInput(j)
		logger.WarnContext(ctx, "job: fail-closed on malicious pre-scan", "error", err)
		return j, nil, &SanitizationError{Job: j, Err: err}
	}

	if err := c.runSandbox(ctx, j); err != nil {
		logger.ErrorContext(ctx, "job: sandbox run failed", "error", err)
		j.State = Failed
		j.FailReason = err.Error()
		removeInput(j)
		removeOutput(j)
		return j, nil, &SanitizationError{Job: j, Err: err}
	}
	j.State = Produced
	logger.InfoContext(ctx, "job: worker produced output")

	// Quiescence window: the mandated sleep, backstopped by an actual
	// readiness check instead of trusting the sleep alone — spec.md §9's
	// redesign note applied without dropping the sleep itself.
	time.Sleep(quiescenceDelay)
	if err := reopenAndStat(j.OutputPath); err != nil {
		j.State = Failed
		j.FailReason = err.Error()
		removeInput(j)
		removeOutput(j)
		logger.ErrorContext(ctx, "job: output not ready after quiescence window", "error", err)
		return j, nil, &SanitizationError{Job: j, Err: err}
	}

	j.PostScan = c.cfg.Reputation.Scan(ctx, j.ContentHash, j.OutputPath)
	logger.InfoContext(ctx, "job: post-scan complete", "verdict", j.PostScan.Kind)

	if j.PostScan.Kind == reputation.Malicious {
		err := fmt.Errorf("post-scan verdict malicious")
		j.State = Failed
		j.FailReason = err.Error()
		removeInput(j)
		removeOutput(j)
		logger.WarnContext(ctx, "job: post-scan malicious, destroying output", "error", err)
		return j, nil, &SanitizationError{Job: j, Err: err}
	}

	j.State = Delivered
	removeInput(j)
	cleanup = &Cleanup{outputPath: j.OutputPath}
	logger.InfoContext(ctx, "job: delivered")
	return j, cleanup, nil
}

// stageUpload copies uploadReader to the job's input path while hashing it,
// bounded to stage.MaxUploadSize regardless of what the caller declared, so
// a mismatched Content-Length never lets staging overrun the ceiling
// already checked against the declared size.
func (c *Controller) stageUpload(ctx context.Context, j *Job, uploadReader io.Reader) error {
	if err := os.MkdirAll(c.cfg.UploadRoot, 0o755); err != nil {
		return fmt.Errorf("job: create upload root: %w", err)
	}
	if err := os.MkdirAll(c.cfg.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("job: create output root: %w", err)
	}

	f, err := os.Create(j.InputPath)
	if err != nil {
		return fmt.Errorf("job: create staged file: %w", err)
	}

	bounded := io.LimitReader(uploadReader, stage.MaxUploadSize+1)
	n, copyErr := io.Copy(f, bounded)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("job: stage upload: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("job: close staged file: %w", closeErr)
	}
	if n > stage.MaxUploadSize {
		return stage.ErrTooLarge
	}

	hashFile, err := os.Open(j.InputPath)
	if err != nil {
		return fmt.Errorf("job: reopen staged file for hashing: %w", err)
	}
	defer hashFile.Close()
	hash, err := stage.HashReader(hashFile)
	if err != nil {
		return err
	}
	j.ContentHash = hash

	// Reserve the output path up front: sandbox.RunSpec bind-mounts the
	// whole output root read-write, but touching the exact output path
	// now means a worker crash before writing anything still leaves a
	// zero-byte artifact the validator (run inside the worker) and the
	// quiescence check can both reason about consistently.
	if err := touch(j.OutputPath); err != nil {
		return fmt.Errorf("job: reserve output path: %w", err)
	}
	return nil
}

// runSandbox launches the worker for j's input/output pair.
func (c *Controller) runSandbox(ctx context.Context, j *Job) error {
	j.State = Sandboxed
	spec := sandbox.RunSpec{
		Name:           "docguard-" + j.ID,
		InputMount:     c.cfg.HostUploadRoot,
		OutputMount:    c.cfg.HostOutputRoot,
		InputBasename:  filepath.Base(j.InputPath),
		OutputBasename: filepath.Base(j.OutputPath),
	}

	if err := c.cfg.Sandbox.Run(ctx, spec); err != nil {
		return err
	}

	info, err := os.Stat(j.OutputPath)
	if err != nil {
		return fmt.Errorf("job: worker produced no output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("job: worker produced a zero-byte output")
	}
	return nil
}

// reopenAndStat backstops the quiescence sleep with an actual readiness
// check: reopen the output file and confirm it is present and nonempty.
func reopenAndStat(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("job: output not readable after quiescence window: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("job: stat output after quiescence window: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("job: output empty after quiescence window")
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// removeInput deletes a job's staged input immediately, per the cleanup
// invariant of spec.md §4.H. Errors are not fatal to the job outcome —
// watch.Sweeper is the failsafe if this ever leaves a stray file.
func removeInput(j *Job) {
	if j.InputPath != "" {
		_ = os.Remove(j.InputPath)
	}
}

func removeOutput(j *Job) {
	if j.OutputPath != "" {
		_ = os.Remove(j.OutputPath)
	}
}
