// Package client is a small HTTP client for the job API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"docbatch/internal/models"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
}

// Client calls the job API
type Client struct {
	baseURL      string
	http         *http.Client
	maxAttempts  uint
	retryBackoff time.Duration
}

// New creates a client for the server at baseURL
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}
}

// ListOptions filters List
type ListOptions struct {
	Status  string
	BatchID string
	Limit   int
	Offset  int
}

// Submit creates a job
func (c *Client) Submit(ctx context.Context, req *models.SubmitRequest) (*models.Summary, error) {
	var out models.Summary
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches one job
func (c *Client) Get(ctx context.Context, id string) (*models.Summary, error) {
	var out models.Summary
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List fetches job summaries, newest first
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*models.Summary, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.BatchID != "" {
		q.Set("batch_id", opts.BatchID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Jobs []*models.Summary `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Pause requests a pause
func (c *Client) Pause(ctx context.Context, id string) (*models.ControlResponse, error) {
	return c.control(ctx, http.MethodPatch, "/v1/jobs/"+url.PathEscape(id)+"/pause")
}

// Resume requests a resume
func (c *Client) Resume(ctx context.Context, id string) (*models.ControlResponse, error) {
	return c.control(ctx, http.MethodPatch, "/v1/jobs/"+url.PathEscape(id)+"/resume")
}

// Cancel requests a cancellation
func (c *Client) Cancel(ctx context.Context, id string) (*models.ControlResponse, error) {
	return c.control(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id))
}

func (c *Client) control(ctx context.Context, method, path string) (*models.ControlResponse, error) {
	var out models.ControlResponse
	if err := c.do(ctx, method, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request. GETs are retried on transport errors and 5xx responses;
// everything else is sent once.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	tries := uint(1)
	if method == http.MethodGet {
		tries = c.maxAttempts
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
			if resp.StatusCode >= 500 {
				return struct{}{}, apiErr
			}
			return struct{}{}, backoff.Permanent(apiErr)
		}
		if out == nil {
			return struct{}{}, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// ReadDocuments parses one JSON document per line. Blank lines are skipped.
func ReadDocuments(r io.Reader) ([]models.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var docs []models.Document
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var doc models.Document
		if err := json.Unmarshal(text, &doc); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errors.New("no documents found")
	}
	return docs, nil
}
