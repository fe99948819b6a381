// Package sandbox runs the document worker inside a locked-down, disposable
// Docker container. It shells out to the docker CLI with os/exec rather
// than linking the Docker SDK — the same choice the build platform's
// execution sandbox makes, for the same reason: one fewer heavyweight
// dependency to keep pinned against a moving daemon API, and a CLI surface
// that is trivial to mock in tests.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Limits bounds a sandboxed run's resource footprint. Zero values fall
// back to the package defaults.
type Limits struct {
	Memory   string        // docker --memory value, e.g. "2g"
	CPUs     string        // docker --cpus value, e.g. "1.0"
	Timeout  time.Duration // wall-clock ceiling for the whole run
	TmpfsMiB int           // size of the container's /tmp tmpfs, in MiB
}

func (l *Limits) defaults() {
	if l.Memory == "" {
		l.Memory = "2g"
	}
	if l.CPUs == "" {
		l.CPUs = "1.0"
	}
	if l.Timeout <= 0 {
		l.Timeout = 300 * time.Second
	}
	if l.TmpfsMiB <= 0 {
		l.TmpfsMiB = 1024
	}
}

// Supervisor builds (once) and runs the worker image, destroying every
// container it starts, win or lose.
type Supervisor struct {
	imageTag   string
	dockerfile string
	buildDir   string
	limits     Limits
	logger     *slog.Logger

	buildOnce sync.Once
	buildErr  error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLimits(l Limits) Option {
	return func(s *Supervisor) { s.limits = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New constructs a Supervisor for the image built from dockerfile (a path
// to a Dockerfile) with build context buildDir, tagged imageTag.
func New(imageTag, dockerfile, buildDir string, opts ...Option) *Supervisor {
	s := &Supervisor{
		imageTag:   imageTag,
		dockerfile: dockerfile,
		buildDir:   buildDir,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.limits.defaults()
	return s
}

// EnsureImage builds the worker image if `docker image inspect` does not
// find it, checking at most once per Supervisor. The build is serialized with
// sync.Once so concurrent jobs arriving at startup don't race to build the
// same tag.
func (s *Supervisor) EnsureImage(ctx context.Context) error {
	s.buildOnce.Do(func() {
		if imageExists(ctx, s.imageTag) {
			return
		}
		s.logger.InfoContext(ctx, "sandbox: building worker image", "tag", s.imageTag)
		cmd := exec.CommandContext(ctx, "docker", "build",
			"-t", s.imageTag,
			"-f", s.dockerfile,
			s.buildDir,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			s.buildErr = fmt.Errorf("sandbox: image build failed: %w: %s", err, truncate(out, 4096))
		}
	})
	return s.buildErr
}

func imageExists(ctx context.Context, tag string) bool {
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", tag)
	return cmd.Run() == nil
}

// RunSpec describes one sandboxed invocation. InputMount and OutputMount
// are host-absolute directories (per spec.md §6, derived from HOST_PWD when
// the supervisor itself runs inside a container); InputBasename and
// OutputBasename are the file names within each that the worker reads and
// writes, giving the container the fixed paths /worker/input/<basename>
// (read-only) and /worker/output/<basename> (read-write) the worker
// contract of spec.md §6 requires. The two basenames differ in practice —
// the staged input keeps a sanitized form of the original file name while
// the output is always "<job-id>_sanitized.pdf" — exactly as
// original_source/app.py's docker run invocation mounts the whole
// uploads/output directories and names INPUT_FILE/OUTPUT_FILE from each
// path's own basename rather than assuming a shared one.
type RunSpec struct {
	Name           string            // unique container name
	InputMount     string            // host directory bind-mounted read-only at /worker/input
	OutputMount    string            // host directory bind-mounted read-write at /worker/output
	InputBasename  string            // input file name within InputMount
	OutputBasename string            // output file name within OutputMount
	Env            map[string]string // extra environment passed to the worker
}

// Run starts the worker image with the network disabled, every Linux
// capability dropped, and no privilege escalation, then waits for it to
// exit or be force-killed at the wall-clock ceiling. The container is
// always removed before Run returns, regardless of outcome.
func (s *Supervisor) Run(ctx context.Context, spec RunSpec) error {
	if err := s.EnsureImage(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.limits.Timeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"--memory", s.limits.Memory,
		"--cpus", s.limits.CPUs,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges:true",
		"--network=none",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm,mode=1777", s.limits.TmpfsMiB),
		"-v", spec.InputMount + ":/worker/input:ro",
		"-v", spec.OutputMount + ":/worker/output:rw",
		"-e", "INPUT_FILE=/worker/input/" + spec.InputBasename,
		"-e", "OUTPUT_FILE=/worker/output/" + spec.OutputBasename,
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, s.imageTag)

	cmd := exec.CommandContext(runCtx, "docker", args...)
	out, err := cmd.CombinedOutput()

	if runCtx.Err() != nil {
		s.forceKill(context.Background(), spec.Name)
		return fmt.Errorf("sandbox: run timed out after %s", s.limits.Timeout)
	}
	if err != nil {
		return fmt.Errorf("sandbox: worker exited non-zero: %w: %s", err, truncate(out, 4096))
	}
	return nil
}

// forceKill stops and removes a container that outlived its deadline.
// --rm should already reap it, but a hung worker process can keep the
// container alive past docker run's own return, so this is a defensive
// second pass using a context independent of the one that just expired.
func (s *Supervisor) forceKill(ctx context.Context, name string) {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(stopCtx, "docker", "stop", "-t", "2", name).Run()
	_ = exec.CommandContext(stopCtx, "docker", "rm", "-f", name).Run()
}

var ErrNotAvailable = errors.New("sandbox: docker is not available on this host")

// CheckAvailable verifies the docker CLI is reachable. Intended for a
// startup health check so a misconfigured deployment fails fast instead of
// failing every job.
func CheckAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		return ErrNotAvailable
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated, " + strconv.Itoa(len(b)-n) + " bytes dropped)"
}
