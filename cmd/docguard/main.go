// Command docguard is the document-sanitization gateway: a chi HTTP server
// exposing the two routes spec.md §6 specifies, backed by the job
// controller that drives every submission through staging, reputation
// pre-scan, sandboxed worker execution, and reputation post-scan.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/docguard/job"
	"github.com/hazyhaar/docguard/reputation"
	"github.com/hazyhaar/docguard/sandbox"
	"github.com/hazyhaar/docguard/shield"
	"github.com/hazyhaar/docguard/watch"
)

//go:embed static
var staticFS embed.FS

func main() {
	port := env("PORT", "10400")
	dataRoot := env("DATA_ROOT", "data")
	uploadRoot := filepath.Join(dataRoot, "uploads")
	outputRoot := filepath.Join(dataRoot, "output")

	vtAPIKey := os.Getenv("VIRUSTOTAL_API_KEY")
	hostPWD := os.Getenv("HOST_PWD")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := os.MkdirAll(uploadRoot, 0o755); err != nil {
		slog.Error("create upload root", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		slog.Error("create output root", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if vtAPIKey == "" {
		slog.Warn("VIRUSTOTAL_API_KEY not set: reputation checks run in degraded mode")
	}
	repClient := reputation.NewClient(reputation.Config{
		APIKey: vtAPIKey,
		Logger: logger,
	})

	// HOST_PWD lets the gateway (which may itself run inside a container)
	// derive the host-absolute bind mount paths docker run needs, per
	// spec.md §6.
	hostUploadRoot := hostPath(hostPWD, uploadRoot)
	hostOutputRoot := hostPath(hostPWD, outputRoot)

	supervisor := sandbox.New(
		"docguard-worker:latest",
		env("WORKER_DOCKERFILE", "worker/Dockerfile"),
		env("WORKER_BUILD_DIR", "."),
		sandbox.WithLogger(logger),
	)
	if err := sandbox.CheckAvailable(ctx); err != nil {
		slog.Warn("docker not reachable at startup", "error", err)
	}

	controller := job.NewController(job.Config{
		UploadRoot:                   uploadRoot,
		OutputRoot:                   outputRoot,
		HostUploadRoot:               hostUploadRoot,
		HostOutputRoot:               hostOutputRoot,
		Reputation:                   repClient,
		Sandbox:                      supervisor,
		FailClosedOnPreScanMalicious: env("FAIL_CLOSED_ON_MALICIOUS", "false") == "true",
		Logger:                       logger,
	})

	sweeper := watch.NewSweeper(watch.SweeperOptions{
		Roots:  []string{uploadRoot, outputRoot},
		Logger: logger,
	})
	go sweeper.Run(ctx)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(shield.MaxBodyBytes) {
		r.Use(mw)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		f, err := staticFS.Open("static/index.html")
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	r.Post("/", handleUpload(controller))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      400 * time.Second, // above the worker's 300s ceiling plus margin
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("docguard starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// handleUpload implements POST /: spec.md §6's single upload route.
func handleUpload(controller *job.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := shield.GetLogger(r.Context())

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "no file provided")
			return
		}
		defer file.Close()

		j, cleanup, err := controller.Run(r.Context(), header.Filename, header.Size, file)
		if err != nil {
			var verr *job.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			logger.ErrorContext(r.Context(), "sanitization failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Sanitization failed")
			return
		}
		defer cleanup.RemoveOutput()

		out, err := os.Open(j.OutputPath)
		if err != nil {
			logger.ErrorContext(r.Context(), "open sanitized output", "error", err)
			writeError(w, http.StatusInternalServerError, "Sanitization failed")
			return
		}
		defer out.Close()

		stem := strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
		stem = sanitizeStem(stem)

		if j.ThreatWarning() {
			w.Header().Set("X-Threat-Warning", job.ThreatWarningBanner)
			w.Header().Set("X-Threat-Details", j.VerdictDetail())
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sanitized_%s.pdf"`, stem))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, out)
	}
}

// sanitizeStem cleans the filename stem used in the response's
// Content-Disposition header. Stricter than stage.SafeBasename: it drops
// (rather than replaces) every character other than ASCII letters, digits,
// dash and underscore, dots included, and falls back to "document".
func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}

// hostPath rewrites a container-local path to its host-absolute equivalent
// when HOST_PWD is set — the gateway itself may run inside a container
// whose bind mounts the docker daemon on the host doesn't know about, so
// the paths handed to `docker run -v` must be host-absolute. containerPath
// is resolved relative to the process's own working directory, then
// rejoined onto hostPWD (the host-side path of that same working
// directory), per spec.md §6's HOST_PWD contract.
func hostPath(hostPWD, containerPath string) string {
	abs, err := filepath.Abs(containerPath)
	if err != nil {
		abs = containerPath
	}
	if hostPWD == "" {
		return abs
	}
	wd, err := os.Getwd()
	if err != nil {
		return abs
	}
	rel, err := filepath.Rel(wd, abs)
	if err != nil {
		return abs
	}
	return filepath.Join(hostPWD, rel)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
