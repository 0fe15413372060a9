// Package client talks to a running xhs-runner server.
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

	"github.com/GalaxyXieyu/xhs-runner/internal/manager"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// HTTPClient talks to the task API.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
	// Stream is used for SSE requests and has no overall timeout.
	Stream *http.Client
}

// NewHTTPClient constructs a client.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Stream:  &http.Client{},
	}
}

// APIError carries a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Submit calls POST /api/tasks.
func (c *HTTPClient) Submit(ctx context.Context, payload models.SubmitPayload) (*models.SubmitResult, error) {
	var out models.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls GET /api/tasks/{id}.
func (c *HTTPClient) Status(ctx context.Context, taskID int64) (*models.TaskStatusView, error) {
	var out models.TaskStatusView
	if err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List calls GET /api/tasks.
func (c *HTTPClient) List(ctx context.Context, filter models.TaskFilter) ([]*models.TaskStatusView, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	if filter.ThemeID != nil {
		q.Set("themeId", strconv.FormatInt(*filter.ThemeID, 10))
	}
	if filter.TimeRange != "" {
		q.Set("time_range", filter.TimeRange)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out []*models.TaskStatusView
	if err := c.do(ctx, http.MethodGet, "/api/tasks", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events calls the polling form of GET /api/tasks/{id}/events.
func (c *HTTPClient) Events(ctx context.Context, taskID int64, fromIndex int) ([]models.Event, error) {
	q := url.Values{"poll": {"1"}, "fromIndex": {strconv.Itoa(fromIndex)}}
	var out []models.Event
	if err := c.do(ctx, http.MethodGet, taskPath(taskID, "/events"), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Respond calls POST /api/tasks/{id}/respond.
func (c *HTTPClient) Respond(ctx context.Context, taskID int64, resp models.HitlResponse) (*manager.RespondResult, error) {
	var out manager.RespondResult
	if err := c.do(ctx, http.MethodPost, taskPath(taskID, "/respond"), nil, resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete calls POST /api/tasks/batch-delete.
func (c *HTTPClient) Delete(ctx context.Context, ids []int64) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/batch-delete", nil, map[string]any{"ids": ids}, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Follow streams the events of a task from fromIndex, calling fn for each,
// until the server sends the done sentinel, ctx ends, or fn returns an error.
func (c *HTTPClient) Follow(ctx context.Context, taskID int64, fromIndex int, fn func(models.Event) error) error {
	endpoint, err := c.resolve(taskPath(taskID, "/events"), url.Values{"fromIndex": {strconv.Itoa(fromIndex)}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	return ReadSSE(resp.Body, fn)
}

// ReadSSE decodes an event stream until the done sentinel. An "error"
// payload from the server is returned as an error.
func ReadSSE(r io.Reader, fn func(models.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			if payload == "[DONE]" {
				return nil
			}
			if err := dispatch(payload, fn); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func dispatch(payload string, fn func(models.Event) error) error {
	var probe struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	if probe.Type == "error" {
		return fmt.Errorf("server error: %s", probe.Content)
	}
	var ev models.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return err
	}
	return fn(ev)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint, err := c.resolve(path, query)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) resolve(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u := base.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func taskPath(taskID int64, suffix string) string {
	return "/api/tasks/" + strconv.FormatInt(taskID, 10) + suffix
}
