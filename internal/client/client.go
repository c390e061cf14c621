// Package client provides an HTTP client for the sayless server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enrybds/sayless/internal/metrics"
	"github.com/enrybds/sayless/internal/service"
	"github.com/enrybds/sayless/internal/similarity"
)

// DefaultEndpoint is used when neither an endpoint nor SAYLESS_SERVER_URL is set.
const DefaultEndpoint = "http://localhost:5002"

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client talks to a running sayless server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a client.
// If endpoint is empty, uses SAYLESS_SERVER_URL or DefaultEndpoint.
// The timeout can be configured via SAYLESS_CLIENT_TIMEOUT (default 10m for batch generation).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("SAYLESS_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("SAYLESS_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// apiError is the error body written by the server.
type apiError struct {
	Error string `json:"error"`
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var ae apiError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			msg = ae.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, msg)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TYPES (matching the server's JSON)
// =============================================================================

// GenerateRequest asks the server for generated texts.
type GenerateRequest struct {
	Category    string   `json:"category,omitempty"`
	Style       string   `json:"style,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
	Count       int      `json:"count,omitempty"`
	Examples    int      `json:"examples,omitempty"`
	Save        bool     `json:"save,omitempty"`
}

// GenerateResult holds generated texts. Error is set on partial success.
type GenerateResult struct {
	Texts []string `json:"texts"`
	File  string   `json:"file,omitempty"`
	Error string   `json:"error,omitempty"`
}

// RankResult is the response of a rank call.
type RankResult struct {
	Query   string             `json:"query"`
	Results []similarity.Match `json:"results"`
}

// Stats is the corpus and runtime summary.
type Stats struct {
	TotalTexts int                     `json:"total_texts"`
	Categories []service.CategoryCount `json:"categories"`
	Embedded   int                     `json:"embedded"`
	Metrics    metrics.Snapshot        `json:"metrics"`
}

// RunOptions configures a server-side stage run.
type RunOptions struct {
	Input         string  `json:"input,omitempty"`
	Restart       bool    `json:"restart,omitempty"`
	MaxItems      int     `json:"max_items,omitempty"`
	Concurrency   int     `json:"concurrency,omitempty"`
	RatePerMinute float64 `json:"rate_per_minute,omitempty"`
}

// =============================================================================
// QUERIES
// =============================================================================

// Generate requests one text, or Count texts when set.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	var out GenerateResult
	if err := c.do(ctx, http.MethodPost, "/api/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateBatch requests a batch of texts.
func (c *Client) GenerateBatch(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	var out GenerateResult
	if err := c.do(ctx, http.MethodPost, "/api/generate/batch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rank returns the corpus texts most similar to text.
func (c *Client) Rank(ctx context.Context, text string, topN int) (*RankResult, error) {
	body := map[string]any{"text": text, "top_n": topN}
	var out RankResult
	if err := c.do(ctx, http.MethodPost, "/api/rank", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats returns corpus and runtime statistics.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatus returns the checkpoint and cache state of every stage.
func (c *Client) GetStatus(ctx context.Context) ([]service.Status, error) {
	var out []service.Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// JOBS
// =============================================================================

// StartRun starts a stage run on the server and returns its job.
func (c *Client) StartRun(ctx context.Context, stage string, opts RunOptions) (*service.JobInfo, error) {
	var job service.JobInfo
	if err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(stage), opts, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]service.JobInfo, error) {
	var jobs []service.JobInfo
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob returns a single job.
func (c *Client) GetJob(ctx context.Context, id string) (*service.JobInfo, error) {
	var job service.JobInfo
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob pauses a running job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// WatchJob streams job snapshots until the job finishes, ctx is canceled or
// onUpdate returns an error. It returns the last snapshot received.
func (c *Client) WatchJob(ctx context.Context, id string, onUpdate func(service.JobInfo) error) (*service.JobInfo, error) {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws/jobs/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	var last *service.JobInfo
	for {
		var job service.JobInfo
		if err := conn.ReadJSON(&job); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				if last == nil {
					return nil, fmt.Errorf("stream closed before first update")
				}
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("read message: %w", err)
		}
		last = &job
		if err := onUpdate(job); err != nil {
			return last, err
		}
		if job.Status.Terminal() {
			return last, nil
		}
	}
}
