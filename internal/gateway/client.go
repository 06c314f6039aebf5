package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const clientTimeout = 2 * time.Minute

// Client talks to a running gateway from CLI commands and integrations.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for the gateway at baseURL, e.g.
// "http://127.0.0.1:8844". The API key is sent as X-API-Key when non-empty.
func NewClient(baseURL, apiKey string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// rawResponse defers data decoding to the caller.
type rawResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*rawResponse, int, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	out := rawResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, resp.StatusCode, nil
}

func respError(resp *rawResponse, status int) string {
	if resp.Error != "" {
		return resp.Error
	}
	return http.StatusText(status)
}

// Ping reports whether a gateway is answering at all. Any HTTP response
// counts as alive; only transport failures mean no daemon.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Command invokes a registered command and returns its text blob.
func (c *Client) Command(ctx context.Context, name string, args []string) (string, error) {
	body, err := json.Marshal(commandRequest{Args: args})
	if err != nil {
		return "", fmt.Errorf("failed to marshal args: %w", err)
	}

	resp, status, err := c.do(ctx, http.MethodPost, "/api/v1/commands/"+url.PathEscape(name), body)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("command %s failed: %s", name, respError(resp, status))
	}

	payload := struct {
		Text string `json:"text"`
	}{}
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		return "", fmt.Errorf("failed to parse command reply: %w", err)
	}
	return payload.Text, nil
}

// Commands lists the commands registered on the daemon.
func (c *Client) Commands(ctx context.Context) ([]CommandInfo, error) {
	resp, status, err := c.do(ctx, http.MethodGet, "/api/v1/commands", nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("failed to list commands: %s", respError(resp, status))
	}

	var out []CommandInfo
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse command list: %w", err)
	}
	return out, nil
}

// Method invokes a gateway method and returns the raw data payload for the
// caller to decode.
func (c *Client) Method(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	resp, status, err := c.do(ctx, http.MethodPost, "/api/v1/rpc/"+url.PathEscape(name), body)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("method %s failed: %s", name, respError(resp, status))
	}
	return resp.Data, nil
}

// DispatchHook posts an event payload to a hook and returns the merged
// result. The event may be nil for hooks that carry no payload.
func (c *Client) DispatchHook(ctx context.Context, hook string, event []byte) (*plugin.Result, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/hooks/"+url.PathEscape(hook), event)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		out := rawResponse{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("hook dispatch failed: %s", msg)
	}

	result := plugin.Result{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse hook result: %w", err)
	}
	return &result, nil
}
