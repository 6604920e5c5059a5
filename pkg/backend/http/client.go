// Package http provides the remote Hippocampus implementation of the
// durable backend adapter.
//
// All calls carry a request timeout and bounded retry (3 attempts with
// linear backoff). Exhausted retries surface as core.ErrBackendUnavailable
// so callers can queue writes for later and degrade reads gracefully.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
)

// Client implements backend.Store against a remote Hippocampus service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config contains configuration for the remote backend.
type Config struct {
	// BaseURL is the Hippocampus service root, e.g. "http://127.0.0.1:54321".
	BaseURL string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Timeout bounds each attempt. Default: 10s.
	Timeout time.Duration
}

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// NewClient creates a new remote backend client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("NewHTTPClient: %w", core.ErrInvalidConfig)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Create writes a record. The service deduplicates on the record's
// provenance key, so retried creates are safe.
func (c *Client) Create(ctx context.Context, record *core.MemoryRecord) (int64, error) {
	payload := map[string]interface{}{
		"record":         record,
		"provenance_key": record.ProvenanceKey(),
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/memories", payload, &resp); err != nil {
		return 0, err
	}
	if resp.ID == 0 {
		return record.ID, nil
	}
	return resp.ID, nil
}

// Query returns candidate records matching the options.
func (c *Client) Query(ctx context.Context, opts *backend.QueryOptions) ([]*core.MemoryRecord, error) {
	payload := map[string]interface{}{
		"scope": opts.Scope,
		"query": opts.Query,
		"limit": opts.Limit,
	}
	if len(opts.Kinds) > 0 {
		payload["kinds"] = opts.Kinds
	}
	if !opts.Since.IsZero() {
		payload["since"] = opts.Since.Format(time.RFC3339)
	}

	var resp struct {
		Records []*core.MemoryRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodPost, "/memories/query", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Get retrieves a record by id.
func (c *Client) Get(ctx context.Context, id int64) (*core.MemoryRecord, error) {
	var record core.MemoryRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/memories/%d", id), nil, &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete removes a record by id.
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/memories/%d", id), nil, nil)
}

// Touch records accesses for the ids.
func (c *Client) Touch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/memories/touch", map[string]interface{}{"ids": ids}, nil)
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do performs one API call with bounded retry. Server errors (5xx) and
// transport errors retry; client errors (4xx) fail immediately.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("do: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("do %s %s: %w", method, path, core.ErrBackendUnavailable)
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("do: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return core.ErrNotFound
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server status %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("do %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("do %s %s: %w", method, path, err)
			}
		}
		return nil
	}

	return fmt.Errorf("do %s %s after %d attempts: %v: %w",
		method, path, maxAttempts, lastErr, core.ErrBackendUnavailable)
}
