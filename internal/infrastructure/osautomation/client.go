// Package osautomation is the client for the `.computer` tool endpoint
// (§6): the out-of-scope external service that owns the actual mouse,
// keyboard, and screen. No .proto is available for it in the pack (it is a
// fabricated external collaborator, not a real dependency to wire), so —
// matching the pack's preference for small typed HTTP clients over
// generated RPC stubs when no schema is on hand (None9527-NGOClaw/sdk/go,
// and the real screenshot/input HTTP server in
// other_examples/helixml-helix's desktop.go) — this is a plain net/http
// JSON client.
package osautomation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Action is one of the actions the OS-automation service accepts.
type Action string

const (
	ActionClick       Action = "click"
	ActionType        Action = "type"
	ActionDragAndDrop Action = "drag_and_drop"
	ActionScroll      Action = "scroll"
	ActionKey         Action = "key"
	ActionWait        Action = "wait"
	ActionScreenshot  Action = "screenshot"
)

// Request is the union of arguments over every action (§6).
type Request struct {
	Action Action `json:"action"`

	Coordinate       []int    `json:"coordinate,omitempty"`
	TargetCoordinate []int    `json:"target_coordinate,omitempty"`
	NumClicks        int      `json:"num_clicks,omitempty"`
	ButtonType       string   `json:"button_type,omitempty"`
	HoldKeys         []string `json:"hold_keys,omitempty"`

	Text      string `json:"text,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
	Enter     bool   `json:"enter,omitempty"`

	Direction string `json:"direction,omitempty"`
	Amount    int    `json:"amount,omitempty"`

	Keys         []string `json:"keys,omitempty"`
	HoldDuration float64  `json:"hold_duration,omitempty"`

	Time float64 `json:"time,omitempty"`
}

// Response carries either inline image data (screenshot) or a text output
// (every other action).
type Response struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, screenshots only
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client calls a remote OS-automation endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. http://localhost:9876).
// A zero timeout defaults to 60s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Screenshot requests a screen capture. Per §6, any mimeType other than
// image/png is a fatal error for the turn.
func (c *Client) Screenshot(ctx context.Context) (png []byte, err error) {
	resp, err := c.call(ctx, Request{Action: ActionScreenshot})
	if err != nil {
		return nil, err
	}
	if resp.MimeType != "" && resp.MimeType != "image/png" {
		return nil, fmt.Errorf("osautomation: screenshot returned mimeType %q, want image/png", resp.MimeType)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("osautomation: decode screenshot payload: %w", err)
	}
	return data, nil
}

// Execute runs any non-screenshot action and returns its text output.
func (c *Client) Execute(ctx context.Context, req Request) (string, error) {
	if req.Action == ActionScreenshot {
		return "", fmt.Errorf("osautomation: use Screenshot for the screenshot action")
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

// ExecuteArgs runs a grounded call's raw argument map ({action, ...}) by
// round-tripping it through the typed Request.
func (c *Client) ExecuteArgs(ctx context.Context, args map[string]interface{}) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("osautomation: marshal grounded args: %w", err)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("osautomation: grounded args do not form a valid request: %w", err)
	}
	if req.Action == "" {
		return "", fmt.Errorf("osautomation: grounded args missing action")
	}
	return c.Execute(ctx, req)
}

func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("osautomation: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/computer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("osautomation: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("osautomation: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("osautomation: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("osautomation: %s", resp.Error)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osautomation: HTTP %d", httpResp.StatusCode)
	}
	return &resp, nil
}
