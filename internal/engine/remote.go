package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

const maxLineSize = 4 << 20

// RemoteEngine talks to a workflow service that streams newline-delimited
// JSON events. A line {"type":"error","message":...} fails the run.
type RemoteEngine struct {
	BaseURL string
	Client  *http.Client
}

// NewRemoteEngine constructs a client. Runs are long-lived, so the HTTP
// client has no overall timeout; callers bound them through the context.
func NewRemoteEngine(baseURL string) *RemoteEngine {
	return &RemoteEngine{
		BaseURL: baseURL,
		Client:  &http.Client{},
	}
}

type startRequest struct {
	State   InitialState `json:"state"`
	Options StartOptions `json:"options"`
}

func (e *RemoteEngine) Start(ctx context.Context, state InitialState, opts StartOptions) (Stream, error) {
	return e.open(ctx, "/runs", startRequest{State: state, Options: opts})
}

func (e *RemoteEngine) Resume(ctx context.Context, handle string, input ResumeInput) (Stream, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	return e.open(ctx, "/runs/"+url.PathEscape(handle)+"/resume", input)
}

func (e *RemoteEngine) open(ctx context.Context, path string, body any) (Stream, error) {
	endpoint, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach engine: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("engine http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	return decodeNDJSON(resp.Body), nil
}

type errorLine struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// decodeNDJSON turns a response body into a Stream. The body is closed when
// iteration ends, however it ends.
func decodeNDJSON(body io.ReadCloser) Stream {
	return func(yield func(models.Event, error) bool) {
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var probe errorLine
			if err := json.Unmarshal(line, &probe); err != nil {
				yield(models.Event{}, fmt.Errorf("malformed engine event: %w", err))
				return
			}
			if probe.Type == "error" {
				msg := probe.Message
				if msg == "" {
					msg = "engine reported an error"
				}
				yield(models.Event{}, fmt.Errorf("engine: %s", msg))
				return
			}

			var ev models.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				yield(models.Event{}, fmt.Errorf("malformed engine event: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(models.Event{}, fmt.Errorf("engine stream broken: %w", err))
		}
	}
}

func (e *RemoteEngine) resolve(path string) (string, error) {
	base, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}
