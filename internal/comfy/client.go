// Package comfy talks to the generation engine's HTTP API: it submits graphs,
// polls history until a submission completes and checks readiness.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/jsonx"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/metrics"
	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

// Timeouts for completion tracking.
const (
	DefaultJobTimeout   = 30 * time.Minute
	MaxJobTimeout       = 2 * time.Hour
	DefaultPollInterval = 1500 * time.Millisecond
)

// Config holds engine client settings.
type Config struct {
	// BaseURL of the engine, e.g. "http://127.0.0.1:8188".
	BaseURL string

	// PollInterval between history requests.
	PollInterval time.Duration

	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Client is an engine API client. It is safe for concurrent use.
type Client struct {
	baseURL      string
	pollInterval time.Duration
	http         *http.Client
	logger       *slog.Logger
}

// New creates an engine client.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", cfg.BaseURL)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 60 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pollInterval: interval,
		http: &http.Client{
			Timeout:   reqTimeout,
			Transport: otelhttp.NewTransport(base),
		},
		logger: logger,
	}, nil
}

// PollInterval returns the configured interval between polls.
func (c *Client) PollInterval() time.Duration { return c.pollInterval }

type promptRequest struct {
	Prompt   *workflow.Graph `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Submit posts the graph to /prompt and returns the accepted submission.
func (c *Client) Submit(ctx context.Context, g *workflow.Graph) (*Submission, error) {
	clientID := uuid.New().String()
	body, err := json.Marshal(promptRequest{Prompt: g, ClientID: clientID})
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("encode graph: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SubmissionError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	quoted := jsonx.Truncate(string(respBody), maxBodyInError)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SubmissionError{Status: resp.StatusCode, Body: quoted}
	}

	var pr promptResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, &SubmissionError{Status: resp.StatusCode, Body: quoted, Err: fmt.Errorf("decode response: %w", err)}
	}
	if pr.PromptID == "" {
		return nil, &SubmissionError{Status: resp.StatusCode, Body: quoted, Err: errors.New("response has no prompt_id")}
	}

	sub := &Submission{
		PromptID:    pr.PromptID,
		ClientID:    clientID,
		Number:      pr.Number,
		SubmittedAt: time.Now().UTC(),
	}
	c.logger.Info("graph submitted",
		slog.String("prompt_id", sub.PromptID),
		slog.Int("queue_number", sub.Number),
	)
	return sub, nil
}

// History fetches the record for promptID. found is false while the engine
// has nothing to report yet.
func (c *Client) History(ctx context.Context, promptID string) (rec *Record, found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read history: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("history http %d: %s", resp.StatusCode, jsonx.Truncate(string(body), 256))
	}
	rec, found, err = decodeHistory(promptID, body)
	if err != nil {
		return nil, false, fmt.Errorf("decode history: %w", err)
	}
	return rec, found, nil
}

// SystemStats calls the readiness endpoint once.
func (c *Client) SystemStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("system_stats http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) observePoll(result string) {
	metrics.EnginePolls.WithLabelValues(result).Inc()
}
