// ABOUTME: Liveness prober implementing the worker heartbeat contract over HTTP
// ABOUTME: Returns a data-valued Result (ok/timeout/error) instead of signaling by error type

package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Outcome classifies a probe attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeError
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Result is the data-valued outcome of one liveness probe. The heartbeat
// monitor's transition table is driven by Outcome; Err carries detail for the
// error log only.
type Result struct {
	Outcome Outcome
	Latency time.Duration
	Err     error
}

// OK reports whether the probe succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Prober issues a bounded-time liveness probe against an agent endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint string) Result
}

// heartbeatRequest is the liveness request sent to every agent.
type heartbeatRequest struct {
	RequestType string `json:"request_type"`
}

// heartbeatResponse is the expected reply. Anything other than status "ok"
// counts as a failed probe.
type heartbeatResponse struct {
	Status string `json:"status"`
}

// HTTPProber probes agents by POSTing a heartbeat request to their endpoint.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			// The context deadline bounds each probe; no client-level timeout
			// so a custom ctx can extend it for one-off checks.
		},
		timeout: timeout,
	}
}

// Probe sends {"request_type":"heartbeat"} and requires {"status":"ok"}
// within the timeout. Absence of a response, a malformed response, and a
// non-"ok" status all count as failures.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(heartbeatRequest{RequestType: "heartbeat"})
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("building probe request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return Result{Outcome: OutcomeTimeout, Latency: latency, Err: fmt.Errorf("probe timeout after %s", p.timeout)}
		}
		return Result{Outcome: OutcomeError, Latency: latency, Err: fmt.Errorf("probe failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Outcome: OutcomeError, Latency: latency, Err: fmt.Errorf("probe returned HTTP %d", resp.StatusCode)}
	}

	var hb heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return Result{Outcome: OutcomeError, Latency: latency, Err: fmt.Errorf("malformed probe response: %w", err)}
	}
	if hb.Status != "ok" {
		return Result{Outcome: OutcomeError, Latency: latency, Err: fmt.Errorf("probe returned status %q", hb.Status)}
	}

	return Result{Outcome: OutcomeOK, Latency: latency}
}
