// Package spritesd implements the sandbox port against the spritesd REST
// API, the daemon that actually hosts the sandboxes. Unary operations go
// over plain HTTP; streaming exec upgrades to a WebSocket and relays
// output frames until the exit frame arrives.
package spritesd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/port/sandbox"
)

// Client talks to a spritesd instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ sandbox.API = (*Client)(nil)

// NewClient creates a sandbox API client for the given base URL.
func NewClient(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: sandbox base URL is empty", domain.ErrValidation)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
	}, nil
}

type spriteStatus struct {
	Status string `json:"status"`
}

type execResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Get returns the raw status string the daemon reports for a sprite.
func (c *Client) Get(ctx context.Context, id string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/sprites/"+id, nil)
	if err != nil {
		return "", err
	}
	var st spriteStatus
	if err := json.Unmarshal(resp, &st); err != nil {
		return "", fmt.Errorf("spritesd parse status: %w", err)
	}
	return st.Status, nil
}

// Create provisions a new sprite.
func (c *Client) Create(ctx context.Context, id string, opts sandbox.CreateOptions) error {
	payload, _ := json.Marshal(map[string]any{
		"id":    id,
		"image": opts.Image,
		"tags":  opts.Tags,
	})
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/sprites", payload)
	return err
}

// Delete destroys a sprite.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/sprites/"+id, nil)
	return err
}

// Wake transitions a sprite out of hibernation.
func (c *Client) Wake(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/sprites/"+id+"/wake", nil)
	return err
}

// Sleep hibernates a sprite.
func (c *Client) Sleep(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/sprites/"+id+"/sleep", nil)
	return err
}

// Exec runs a command to completion and returns the collected result.
func (c *Client) Exec(ctx context.Context, id, command string) (sandbox.ExecResult, error) {
	payload, _ := json.Marshal(map[string]string{"command": command})
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/sprites/"+id+"/exec", payload)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	var res execResponse
	if err := json.Unmarshal(resp, &res); err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("spritesd parse exec result: %w", err)
	}
	return sandbox.ExecResult{Output: res.Output, ExitCode: res.ExitCode}, nil
}

// streamFrame mirrors the wire shape of one streaming exec frame.
type streamFrame struct {
	Kind     string `json:"kind"`
	Chunk    string `json:"chunk,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// ExecStreaming starts a command and returns a session delivering its
// output incrementally. The command is sent as the first frame.
func (c *Client) ExecStreaming(ctx context.Context, id, command string) (sandbox.Session, error) {
	wsURL := c.baseURL + "/v1/sprites/" + id + "/exec/stream"
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("spritesd dial stream: %w", err)
	}

	start, _ := json.Marshal(map[string]string{"command": command})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("spritesd start stream: %w", err)
	}

	s := &session{
		conn:   conn,
		events: make(chan sandbox.StreamEvent, 16),
	}
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.readLoop(readCtx)
	return s, nil
}

type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	events chan sandbox.StreamEvent
}

func (s *session) Events() <-chan sandbox.StreamEvent { return s.events }

func (s *session) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop relays frames until the exit frame, a malformed frame, or a
// connection error, then closes the event channel.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		ev := sandbox.StreamEvent{
			Kind:     sandbox.StreamKind(frame.Kind),
			Chunk:    frame.Chunk,
			ExitCode: frame.ExitCode,
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Kind == sandbox.StreamExit {
			return
		}
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("spritesd build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spritesd request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("spritesd read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, sandbox.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("spritesd %s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
