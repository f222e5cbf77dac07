// Package client talks to the job API over HTTP and implements the polling side of
// the job lifecycle.
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
	"strconv"
	"strings"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/service"
)

// APIError is a non-2xx response decoded from the response envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response from %s %s (status %d): %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Error, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func (c *Client) InitiateIngestion(ctx context.Context, req job.IngestionRequest) (*service.IngestionTicket, error) {
	var ticket service.IngestionTicket
	if err := c.do(ctx, http.MethodPost, "/api/ingest/init", req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *Client) IngestionStatus(ctx context.Context, jobID string) (*job.IngestionJob, error) {
	var out struct {
		Job *job.IngestionJob `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ingest/status/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// ListIngestion lists the caller's jobs, or the whole organization's when all is set.
func (c *Client) ListIngestion(ctx context.Context, all bool, limit int) ([]job.IngestionJob, error) {
	path := "/api/ingest/jobs"
	if all {
		path += "/all"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
	}
	var out struct {
		Jobs []job.IngestionJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) IngestionStats(ctx context.Context) (*job.IngestionStats, error) {
	var out struct {
		Stats job.IngestionStats `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ingest/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out.Stats, nil
}

func (c *Client) DeleteIngestion(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/ingest/"+url.PathEscape(jobID), nil, nil)
}

func (c *Client) TriggerRecompute(ctx context.Context, options json.RawMessage) (*service.BackgroundTicket, error) {
	var body any
	if len(options) > 0 {
		body = map[string]json.RawMessage{"options": options}
	}
	var ticket service.BackgroundTicket
	if err := c.do(ctx, http.MethodPost, "/api/jobs/recompute-metrics", body, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *Client) TriggerBackground(ctx context.Context, req job.BackgroundRequest) (*service.BackgroundTicket, error) {
	var ticket service.BackgroundTicket
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *Client) BackgroundStatus(ctx context.Context, jobID string) (*service.BackgroundStatusView, error) {
	var view service.BackgroundStatusView
	if err := c.do(ctx, http.MethodGet, "/api/jobs/status/"+url.PathEscape(jobID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) ListBackground(ctx context.Context, limit int, status job.BackgroundStatus) ([]job.BackgroundJob, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []job.BackgroundJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) BackgroundStats(ctx context.Context) (*job.BackgroundStats, error) {
	var out struct {
		Stats job.BackgroundStats `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out.Stats, nil
}

func (c *Client) DeleteBackground(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), nil, nil)
}

// Callback posts an external pipeline result. It needs no token.
func (c *Client) Callback(ctx context.Context, req service.CallbackRequest) error {
	return c.do(ctx, http.MethodPost, "/api/pipeline/callback", req, nil)
}
