// Package httpapi claims and reports jobs through the nexrender server REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/backbeatmedia/nexrender/internal/worker/domain"
)

const (
	pickupPath = "/api/v1/jobs/pickup"
	jobsPath   = "/api/v1/jobs/"

	// maxErrorBody caps how much of a failed response is kept for the error
	maxErrorBody = 4 * 1024
)

// Options configures a Client
type Options struct {
	Host    string
	Secret  string
	Headers map[string]string
	Timeout time.Duration

	// HTTPClient replaces the default client when set
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to a nexrender server. It holds no job state between calls
// and never retries.
type Client struct {
	host    string
	secret  string
	headers map[string]string
	http    *http.Client
	logger  *slog.Logger
}

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("nexrender server responded with status %d", e.Code)
	}
	return fmt.Sprintf("nexrender server responded with status %d: %s", e.Code, e.Body)
}

// NewClient creates a new nexrender API client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Client{
		host:    strings.TrimRight(opts.Host, "/"),
		secret:  opts.Secret,
		headers: headers,
		http:    httpClient,
		logger:  logger,
	}
}

// Claim picks up the next queued job, restricted to selector when it is not empty.
// An empty queue yields nil, nil.
func (c *Client) Claim(ctx context.Context, selector domain.TagSelector) (*domain.Job, error) {
	endpoint := c.host + pickupPath
	if !selector.IsEmpty() {
		endpoint += "/" + url.PathEscape(selector.String())
	}

	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to pick up job: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pickup response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to decode picked up job: %w", err)
	}
	if job.UID == "" {
		return nil, nil
	}

	c.logger.Debug("Picked up job",
		slog.String("job_uid", job.UID),
		slog.String("state", job.State.String()),
	)

	return &job, nil
}

// Report sends status as an update of job uid
func (c *Client) Report(ctx context.Context, uid string, status *domain.Status) error {
	if uid == "" {
		return domain.ErrMissingUID
	}

	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode job status: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.host+jobsPath+url.PathEscape(uid), bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", uid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	drain(resp.Body)

	c.logger.Debug("Updated job",
		slog.String("job_uid", uid),
		slog.String("state", status.State.String()),
	)

	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.secret != "" {
		req.Header.Set(domain.SecretHeader, c.secret)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxErrorBody))
}
