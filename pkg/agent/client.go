// Package agent is the worker-side SDK for the dispatch protocol: register,
// heartbeat, claim and report over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/resilience"
)

// Client defines the dispatch server operations a worker uses.
type Client interface {
	Register(ctx context.Context, name string, caps model.Capabilities, hostIP string) (*Registration, error)
	Heartbeat(ctx context.Context, agentID string, metrics map[string]any) error
	// Claim returns nil when no job is available.
	Claim(ctx context.Context, agentID string) (*Job, error)
	Report(ctx context.Context, r Report) error
}

// Registration is the server's answer to Register.
type Registration struct {
	AgentID           string            `json:"agent_id"`
	Platform          string            `json:"platform"`
	PollingIntervalMs int64             `json:"polling_interval_ms"`
	Status            model.AgentStatus `json:"status"`
}

// PollingInterval returns the recommended claim interval.
func (r Registration) PollingInterval() time.Duration {
	return time.Duration(r.PollingIntervalMs) * time.Millisecond
}

// Job is a claimed unit of work.
type Job struct {
	ID         string              `json:"id"`
	Type       model.JobType       `json:"type"`
	Parameters json.RawMessage     `json:"parameters"`
	Payload    model.EnrichmentJob `json:"payload"`
	SessionID  string              `json:"session_id"`
}

// Params decodes the job parameters into their typed variant.
func (j Job) Params() (model.JobParams, error) {
	return model.DecodeParams(j.Type, j.Parameters)
}

// Report is the terminal outcome of a job.
type Report struct {
	AgentID    string          `json:"agent_id"`
	JobID      string          `json:"job_id"`
	Status     model.JobStatus `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	ErrorMsg   string          `json:"error_msg,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithCircuitBreaker guards all calls with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewClient creates a client for the dispatch server at baseURL,
// authenticating with the shared service token.
func NewClient(baseURL, serviceToken string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   serviceToken,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Register(ctx context.Context, name string, caps model.Capabilities, hostIP string) (*Registration, error) {
	var reg Registration
	err := c.post(ctx, "register", "/v1/agents/register", map[string]any{
		"agent_name":   name,
		"capabilities": caps,
		"host_ip":      hostIP,
	}, &reg)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (c *httpClient) Heartbeat(ctx context.Context, agentID string, metrics map[string]any) error {
	return c.post(ctx, "heartbeat", "/v1/agents/heartbeat", map[string]any{
		"agent_id": agentID,
		"metrics":  metrics,
	}, nil)
}

func (c *httpClient) Claim(ctx context.Context, agentID string) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	if err := c.post(ctx, "claim", "/v1/agents/claim", map[string]string{"agent_id": agentID}, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *httpClient) Report(ctx context.Context, r Report) error {
	return c.post(ctx, "report", "/v1/agents/report", r, nil)
}

// post sends body as JSON and decodes the response into out, retrying
// transient failures behind the circuit breaker.
func (c *httpClient) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrapf(err, "agent: encode %s request", op)
	}

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(op)
	}
	err = resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.send(ctx, path, payload, out)
		})
	})
	return eris.Wrapf(err, "agent: %s", op)
}

func (c *httpClient) send(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return resilience.NewStatusError(resp, e.Error)
	}
	if out == nil {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, out), "decode response")
}
