// Package reputation queries an external file-reputation service (the
// VirusTotal hash-lookup/upload/analysis API, by default) both before a
// document enters the sandbox and again after sanitization, so a hash
// already known to be bad never has to be disassembled to be rejected and a
// freshly-produced output is re-checked before delivery. The hash lookup is
// wrapped in the connectivity middleware stack (circuit breaker, retry with
// backoff, timeout) the rest of the HOROS ecosystem uses for unreliable
// upstreams. The upload records its outcome on the same breaker but does
// not consult it and is not retried; analysis polls call the service
// directly under their own per-request timeout.
//
// Scan implements the three regimes spec.md §4.B describes: a hash lookup
// that short-circuits when the service has already seen the file, a
// submit-and-poll path for a hash it has never seen, and a fail-open
// degraded mode whenever no credential is configured or any transport step
// errors. Every path but "found on lookup" and "completed after polling"
// collapses to Indeterminate — the caller's job is to decide a
// fail-open/fail-closed policy, not to interpret a transport error.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/docguard/connectivity"
	"github.com/hazyhaar/docguard/horosafe"
)

const (
	defaultBaseURL = "https://www.virustotal.com/api/v3"

	// maliciousThreshold and suspiciousThreshold implement spec.md §4.B's
	// interpretation rule exactly: any malicious detection is dispositive;
	// the suspicious threshold of 3 is deliberate tolerance for
	// cross-engine false positives, not a rounding choice.
	maliciousThreshold  = 1
	suspiciousThreshold = 3

	hashLookupTimeout = 30 * time.Second
	uploadTimeout     = 120 * time.Second
	pollInterval      = 5 * time.Second
	pollBudget        = 60 * time.Second
)

// Client looks up and submits file hashes against a reputation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *connectivity.CircuitBreaker
	lookupCall connectivity.Handler
	logger     *slog.Logger
}

// Config configures a Client. A zero-value Config produces a Client whose
// Scan always returns Indeterminate — the service is simply unconfigured,
// which spec.md treats as a valid (if degraded) operating mode.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = hashLookupTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewClient builds a Client with the standard resilience stack: a circuit
// breaker per process, retry-with-backoff, and a hard call timeout.
func NewClient(cfg Config) *Client {
	cfg.defaults()

	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		breaker:    connectivity.NewCircuitBreaker(),
		logger:     cfg.Logger,
	}

	chain := connectivity.Chain(
		connectivity.Logging(cfg.Logger),
		connectivity.WithCircuitBreaker(c.breaker, "reputation"),
		connectivity.WithRetry(cfg.MaxRetries, 250*time.Millisecond, cfg.Logger),
		connectivity.WithTimeout(cfg.Timeout),
	)
	c.lookupCall = chain(c.rawLookup)
	return c
}

// Configured reports whether an API key was supplied. An unconfigured
// Client always returns an Indeterminate verdict rather than making a call.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Scan implements spec.md §4.B's full three-regime contract for a staged
// file at path whose content digest is digestHex: hash lookup, falling back
// to submit-and-poll when the hash has never been seen, falling back to
// Indeterminate whenever the service is unconfigured or any transport step
// fails. It never returns an error.
func (c *Client) Scan(ctx context.Context, digestHex, path string) Verdict {
	if !c.Configured() {
		return IndeterminateVerdict("reputation service not configured")
	}

	found, v, err := c.lookupHash(ctx, digestHex)
	if err != nil {
		return IndeterminateVerdict(fmt.Sprintf("reputation lookup failed: %v", err))
	}
	if found {
		return v
	}

	analysisID, err := c.submit(ctx, path)
	if err != nil {
		return IndeterminateVerdict(fmt.Sprintf("reputation submission failed: %v", err))
	}
	return c.pollAnalysis(ctx, analysisID)
}

// lookupHash performs regime 1: GET /files/<sha256>. found is false when
// the service has never scanned this digest (HTTP 404), in which case the
// caller should fall through to submit-and-poll.
func (c *Client) lookupHash(ctx context.Context, digestHex string) (found bool, v Verdict, err error) {
	url := fmt.Sprintf("%s/files/%s", c.baseURL, digestHex)
	if err := horosafe.ValidateURL(url); err != nil {
		return false, Verdict{}, fmt.Errorf("refused to call reputation service: %w", err)
	}

	respBytes, err := c.lookupCall(ctx, []byte(url))
	if err != nil {
		if _, ok := err.(*connectivity.ErrCircuitOpen); ok {
			return false, Verdict{}, err
		}
		return false, Verdict{}, err
	}

	var marker lookupMarker
	if jsonErr := json.Unmarshal(respBytes, &marker); jsonErr == nil && marker.NotFound {
		return false, Verdict{}, nil
	}
	return true, parseStats(respBytes), nil
}

type lookupMarker struct {
	NotFound bool `json:"not_found"`
}

// rawLookup performs the actual HTTP round-trip for the hash-lookup regime.
// It is wrapped by the connectivity middleware chain, so it receives an
// already-scoped context (timeout applied) and must not retry itself.
func (c *Client) rawLookup(ctx context.Context, payload []byte) ([]byte, error) {
	url := string(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("reputation: build request: %w", err)
	}
	req.Header.Set("x-apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reputation: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []byte(`{"not_found":true}`), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reputation: unexpected status %d", resp.StatusCode)
	}

	return horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
}

// submit performs regime 2's upload leg: POST /files with the staged file
// as multipart content, returning the analysis identifier the service
// assigns. The upload itself is bounded by uploadTimeout (120 s, per
// spec.md §5); it is not retried — a partially-uploaded multipart body
// cannot be safely replayed without re-reading the file.
func (c *Client) submit(ctx context.Context, path string) (string, error) {
	uploadURL := c.baseURL + "/files"
	if err := horosafe.ValidateURL(uploadURL); err != nil {
		return "", fmt.Errorf("refused to call reputation service: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reputation: open file for submission: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("reputation: build multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("reputation: read file for submission: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("reputation: close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("reputation: build upload request: %w", err)
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return "", fmt.Errorf("reputation: upload request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.breaker.RecordFailure()
		return "", fmt.Errorf("reputation: upload unexpected status %d", resp.StatusCode)
	}
	c.breaker.RecordSuccess()

	respBytes, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return "", fmt.Errorf("reputation: read upload response: %w", err)
	}

	var uploadResp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBytes, &uploadResp); err != nil || uploadResp.Data.ID == "" {
		return "", fmt.Errorf("reputation: malformed upload response")
	}
	return uploadResp.Data.ID, nil
}

// pollAnalysis implements regime 2's polling leg: GET /analyses/<id> every
// pollInterval until status is "completed" or pollBudget (60 s total, per
// spec.md §4.B) elapses, at which point it emits Indeterminate(timeout).
func (c *Client) pollAnalysis(ctx context.Context, analysisID string) Verdict {
	deadline := time.Now().Add(pollBudget)
	url := fmt.Sprintf("%s/analyses/%s", c.baseURL, analysisID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return IndeterminateVerdict("analysis poll cancelled")
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return IndeterminateVerdict("timeout")
		}

		respBytes, err := c.pollOnce(ctx, url)
		if err != nil {
			continue // a single flaky poll doesn't abandon the budget
		}

		var analysis struct {
			Data struct {
				Attributes struct {
					Status string `json:"status"`
					Stats  stats  `json:"stats"`
				} `json:"attributes"`
			} `json:"data"`
		}
		if err := json.Unmarshal(respBytes, &analysis); err != nil {
			continue
		}
		if analysis.Data.Attributes.Status == "completed" {
			return interpretStats(analysis.Data.Attributes.Stats)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, hashLookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reputation: poll status %d", resp.StatusCode)
	}
	return horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
}

// stats is the subset of VirusTotal's analysis-stats shape this service
// consumes, shared by the hash-lookup and analysis-poll response bodies.
type stats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Undetected int `json:"undetected"`
	Harmless   int `json:"harmless"`
}

// vtFileResponse is the subset of VirusTotal's file-report shape consumed
// by the hash-lookup regime.
type vtFileResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats stats `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

func parseStats(body []byte) Verdict {
	var v vtFileResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return IndeterminateVerdict("malformed reputation response")
	}
	return interpretStats(v.Data.Attributes.LastAnalysisStats)
}

// interpretStats applies spec.md §4.B's verdict rule verbatim:
// malicious >= 1 is always Malicious; otherwise suspicious > 3 is
// Suspicious; otherwise Clean.
func interpretStats(s stats) Verdict {
	total := s.Malicious + s.Suspicious + s.Undetected + s.Harmless
	switch {
	case s.Malicious >= maliciousThreshold:
		return MaliciousVerdict(s.Malicious)
	case s.Suspicious > suspiciousThreshold:
		return SuspiciousVerdict(s.Suspicious, total)
	default:
		return CleanVerdict(total)
	}
}
