package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_Complete(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL + "/", Model: "sonar-large", APIKey: "sk-test"}, zap.NewNop())
	out, err := c.Complete(context.Background(), "be brief", "what happened?")
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "sonar-large", gotReq.Model)
	assert.InDelta(t, 0.1, gotReq.Temperature, 1e-9)
	assert.Equal(t, 1000, gotReq.MaxTokens)
	assert.Equal(t, "json_object", gotReq.ResponseFormat.Type)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be brief", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, "what happened?", gotReq.Messages[1].Content)
}

func TestClient_Complete_NoAuthHeaderWithoutKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "local"}, zap.NewNop())
	_, err := c.Complete(context.Background(), "", "q")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_Complete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "http error", status: 500, body: "upstream exploded", wantErr: "500"},
		{name: "api error body", status: 200, body: `{"error":{"message":"invalid key"}}`, wantErr: "invalid key"},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantErr: "no choices"},
		{name: "unparseable body", status: 200, body: "<html>", wantErr: "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(Config{Endpoint: srv.URL, Model: "m"}, zap.NewNop())
			_, err := c.Complete(context.Background(), "", "q")
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestClient_Complete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "m", TimeoutMs: 30}, zap.NewNop())
	start := time.Now()
	_, err := c.Complete(context.Background(), "", "q")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConfig_Merge(t *testing.T) {
	global := Config{Endpoint: "https://api.example.com/v1", Model: "big", APIKey: "k1", TimeoutMs: 15000}

	t.Run("empty override keeps global", func(t *testing.T) {
		assert.Equal(t, global, global.Merge(Config{}))
	})

	t.Run("model-only override inherits the rest", func(t *testing.T) {
		merged := global.Merge(Config{Model: "small"})
		assert.Equal(t, "small", merged.Model)
		assert.Equal(t, global.Endpoint, merged.Endpoint)
		assert.Equal(t, global.APIKey, merged.APIKey)
		assert.Equal(t, global.TimeoutMs, merged.TimeoutMs)
	})

	t.Run("field by field, not whole-object", func(t *testing.T) {
		merged := global.Merge(Config{Endpoint: "http://localhost:8080", TimeoutMs: 5000})
		assert.Equal(t, "http://localhost:8080", merged.Endpoint)
		assert.Equal(t, "big", merged.Model)
		assert.Equal(t, "k1", merged.APIKey)
		assert.Equal(t, 5000, merged.TimeoutMs)
	})
}
