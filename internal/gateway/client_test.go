package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(cfg, newTestRegistry(), nil, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Command(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	out, err := c.Command(context.Background(), "ping", []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "pong hello", out)
}

func TestClient_CommandError(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	_, err := c.Command(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClient_CommandUnknown(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	_, err := c.Command(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestClient_Method(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	raw, err := c.Method(context.Background(), "echo.params", map[string]interface{}{"q": "decay"})
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "decay", data["q"])
}

func TestClient_MethodUnknown(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	_, err := c.Method(context.Background(), "no.such", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown gateway method")
}

func TestClient_DispatchHook(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	res, err := c.DispatchHook(context.Background(), "before_tool_call", []byte(`{"tool":"shell"}`))
	require.NoError(t, err)
	assert.True(t, res.Block)
	assert.Equal(t, "shell is not allowed", res.BlockReason)

	res, err = c.DispatchHook(context.Background(), "before_tool_call", nil)
	require.NoError(t, err)
	assert.False(t, res.Block)
}

func TestClient_DispatchHookUnknown(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	_, err := c.DispatchHook(context.Background(), "bogus", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown hook")
}

func TestClient_Commands(t *testing.T) {
	srv := newTestServer(t, Config{})
	c := NewClient(srv.URL, "")

	cmds, err := c.Commands(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, "broken", cmds[0].Name)
	assert.Equal(t, "Answer pong", cmds[1].Description)
}

func TestClient_Ping(t *testing.T) {
	srv := newTestServer(t, Config{})

	require.NoError(t, NewClient(srv.URL, "").Ping(context.Background()))

	err := NewClient("http://127.0.0.1:1", "").Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
}

func TestClient_SendsAPIKey(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "sekrit"})

	out, err := NewClient(srv.URL, "sekrit").Command(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	_, err = NewClient(srv.URL, "").Command(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestClient_BareHostGetsScheme(t *testing.T) {
	c := NewClient("127.0.0.1:8844", "")
	assert.Equal(t, "http://127.0.0.1:8844", c.baseURL)
}
