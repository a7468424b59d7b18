// Package bridge is the agents' HTTP client for the three reference
// services: knowledge store, vector search, and coordination hub. Calls
// carry per-call timeouts and bounded retries; failures come back as
// categorized errors so handlers can tell transient from permanent.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Error categories. Callers branch with errors.Is.
var (
	// ErrUnavailable covers network failures, timeouts, 429 and 5xx after
	// retries are exhausted.
	ErrUnavailable = fmt.Errorf("service unavailable")
	// ErrBadRequest covers 4xx responses other than 404 and 429.
	ErrBadRequest = fmt.Errorf("bad request")
	// ErrNotFound covers 404 responses.
	ErrNotFound = fmt.Errorf("not found")
	// ErrServer marks a 5xx the service reported on the final attempt.
	ErrServer = fmt.Errorf("server error")
)

// Options tunes the client.
type Options struct {
	Timeout    time.Duration // per-call; default 5s
	MaxRetries int           // retries after the first attempt; default 2
	RetryBase  time.Duration // first backoff; default 200ms
}

func (o *Options) fill() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
}

// Client talks to the three services over one long-lived http.Client.
type Client struct {
	knowledgeURL    string
	vectorURL       string
	coordinationURL string
	http            *http.Client
	opts            Options
	logger          *logger.Logger
}

// New creates a bridge client. Empty service URLs disable the
// corresponding methods with ErrUnavailable.
func New(knowledgeURL, vectorURL, coordinationURL string, opts Options, log *logger.Logger) *Client {
	opts.fill()
	return &Client{
		knowledgeURL:    knowledgeURL,
		vectorURL:       vectorURL,
		coordinationURL: coordinationURL,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:   opts,
		logger: log.WithComponent("bridge"),
	}
}

type apiError struct {
	Detail string `json:"detail"`
}

// do performs one request with retries on transient failures. out, when
// non-nil, receives the decoded JSON body of a 2xx response.
func (c *Client) do(ctx context.Context, method, base, path string, query url.Values, body any, out any) error {
	if base == "" {
		return fmt.Errorf("%w: service not configured", ErrUnavailable)
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	full := base + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			c.logger.Debug("retrying request",
				zap.String("url", full), zap.Int("attempt", attempt))
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, full, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%w: read response: %v", ErrUnavailable, readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, detailOf(data))
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: rate limited", ErrUnavailable)
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, detailOf(data))
			continue
		default:
			return fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, detailOf(data))
		}
	}
	return lastErr
}

func detailOf(data []byte) string {
	var ae apiError
	if err := json.Unmarshal(data, &ae); err == nil && ae.Detail != "" {
		return ae.Detail
	}
	return string(data)
}

// Knowledge store.

// StoreKnowledge appends a knowledge item and returns its id.
func (c *Client) StoreKnowledge(ctx context.Context, content, title string, tags []string, metadata map[string]any) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.knowledgeURL, "/store_knowledge", nil, map[string]any{
		"content":  content,
		"title":    title,
		"tags":     tags,
		"metadata": metadata,
	}, &resp)
	return resp.ID, err
}

// SearchKnowledge returns items matching the query.
func (c *Client) SearchKnowledge(ctx context.Context, query string, limit int) ([]v1.KnowledgeItem, error) {
	var resp struct {
		Results []v1.KnowledgeItem `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, c.knowledgeURL, "/search_knowledge", nil, map[string]any{
		"query": query,
		"limit": limit,
	}, &resp)
	return resp.Results, err
}

// ListKnowledge returns items, most recent first.
func (c *Client) ListKnowledge(ctx context.Context, limit int) ([]v1.KnowledgeItem, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []v1.KnowledgeItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.knowledgeURL, "/list_knowledge", q, nil, &resp)
	return resp.Items, err
}

// Vector search.

// StoreDocument appends a document and returns its id.
func (c *Client) StoreDocument(ctx context.Context, content, title string, metadata map[string]any) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, c.vectorURL, "/store_knowledge", nil, map[string]any{
		"content":  content,
		"title":    title,
		"metadata": metadata,
	}, &resp)
	return resp.ID, err
}

// SearchDocuments returns scored documents matching the query, best first.
func (c *Client) SearchDocuments(ctx context.Context, query string, limit int) ([]v1.Document, error) {
	var resp struct {
		Results []v1.Document `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, c.vectorURL, "/search_knowledge", nil, map[string]any{
		"query": query,
		"limit": limit,
	}, &resp)
	return resp.Results, err
}

// Coordination hub.

// CreateHubTask creates a hub task record and returns its id.
func (c *Client) CreateHubTask(ctx context.Context, t v1.HubTask) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	err := c.do(ctx, http.MethodPost, c.coordinationURL, "/create_task", nil, map[string]any{
		"title":       t.Title,
		"description": t.Description,
		"assigned_to": t.AssignedTo,
		"priority":    t.Priority,
		"type":        t.Type,
	}, &resp)
	return resp.TaskID, err
}

// ListHubTasks returns hub task records matching the filters.
func (c *Client) ListHubTasks(ctx context.Context, status, assignedTo string, limit int) ([]v1.HubTask, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if assignedTo != "" {
		q.Set("assigned_to", assignedTo)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Tasks []v1.HubTask `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, c.coordinationURL, "/tasks", q, nil, &resp)
	return resp.Tasks, err
}

// UpdateHubTask sets the status and appends optional progress notes.
func (c *Client) UpdateHubTask(ctx context.Context, id string, status v1.HubTaskStatus, data map[string]any) error {
	return c.do(ctx, http.MethodPut, c.coordinationURL, "/tasks/"+url.PathEscape(id), nil, map[string]any{
		"status": string(status),
		"data":   data,
	}, nil)
}

// CompleteHubTask marks a hub task completed with its result.
func (c *Client) CompleteHubTask(ctx context.Context, id string, result map[string]any) error {
	return c.do(ctx, http.MethodPost, c.coordinationURL, "/complete_task", nil, map[string]any{
		"task_id": id,
		"result":  result,
	}, nil)
}

// Health checks one service health endpoint.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, baseURL, "/health", nil, nil, &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("%w: status %q", ErrServer, resp.Status)
	}
	return nil
}

// KnowledgeURL returns the configured knowledge service base URL.
func (c *Client) KnowledgeURL() string { return c.knowledgeURL }

// VectorURL returns the configured vector service base URL.
func (c *Client) VectorURL() string { return c.vectorURL }

// CoordinationURL returns the configured coordination service base URL.
func (c *Client) CoordinationURL() string { return c.coordinationURL }
