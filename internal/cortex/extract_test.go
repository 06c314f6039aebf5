package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw-oversight/oversight-go/internal/llm"
)

func TestExtractTriples(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Triple
	}{
		{
			name: "simple statement",
			text: "The database is postgres.",
			want: []Triple{{Subject: "database", Predicate: "is", Object: "postgres"}},
		},
		{
			name: "dotted object survives sentence split",
			text: "Our gateway listens on 127.0.0.1:8844.",
			want: []Triple{{Subject: "gateway", Predicate: "listens on", Object: "127.0.0.1:8844"}},
		},
		{
			name: "one statement per sentence",
			text: "The database is postgres. The scheduler depends on nats.",
			want: []Triple{
				{Subject: "database", Predicate: "is", Object: "postgres"},
				{Subject: "scheduler", Predicate: "depends on", Object: "nats"},
			},
		},
		{
			name: "compound sentence keeps the first clause",
			text: "The primary region is us-east-1 and the failover is eu-west-1.",
			want: []Triple{{Subject: "primary region", Predicate: "is", Object: "us-east-1"}},
		},
		{
			name: "plural predicate normalizes",
			text: "Deployments are frozen.",
			want: []Triple{{Subject: "Deployments", Predicate: "is", Object: "frozen"}},
		},
		{
			name: "negated statement dropped",
			text: "The pipeline is not healthy.",
			want: nil,
		},
		{
			name: "vague subject dropped",
			text: "It is ready.",
			want: nil,
		},
		{
			name: "question dropped",
			text: "What is the answer?",
			want: nil,
		},
		{
			name: "repeated statement deduplicated",
			text: "The cache is redis. The cache is redis.",
			want: []Triple{{Subject: "cache", Predicate: "is", Object: "redis"}},
		},
		{
			name: "multiline with markdown bullets",
			text: "Notes:\n- The index uses bleve\n- The proxy runs on port 8080\n",
			want: []Triple{
				{Subject: "index", Predicate: "uses", Object: "bleve"},
				{Subject: "proxy", Predicate: "runs on", Object: "port 8080"},
			},
		},
		{
			name: "multiword parts",
			text: "The retention default is 90 days.",
			want: []Triple{{Subject: "retention default", Predicate: "is", Object: "90 days"}},
		},
		{
			name: "empty input",
			text: "   \n\t ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTriples(tt.text))
		})
	}
}

func TestExtractTriples_Cap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < maxTriples+5; i++ {
		fmt.Fprintf(&sb, "svc%d is up%d. ", i, i)
	}
	assert.Len(t, ExtractTriples(sb.String()), maxTriples)
}

// extractServer fakes a chat-completion endpoint whose model replies with
// the given content string.
func extractServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestExtractWithModel(t *testing.T) {
	srv := extractServer(t, `{"facts":[`+
		`{"subject":" deploy window ","predicate":"is","object":"Friday 14:00"},`+
		`{"subject":"","predicate":"is","object":"dropped"},`+
		`{"subject":"cluster","predicate":"runs on","object":"gke"}]}`)
	defer srv.Close()

	client := llm.NewClient(llm.Config{Endpoint: srv.URL, Model: "extractor-test"}, nil)
	triples, err := extractWithModel(context.Background(), client, "chatter")
	require.NoError(t, err)
	assert.Equal(t, []Triple{
		{Subject: "deploy window", Predicate: "is", Object: "Friday 14:00"},
		{Subject: "cluster", Predicate: "runs on", Object: "gke"},
	}, triples)
}

func TestExtractWithModel_CapsReply(t *testing.T) {
	var entries []string
	for i := 0; i < maxModelTriples+3; i++ {
		entries = append(entries, fmt.Sprintf(`{"subject":"s%d","predicate":"is","object":"o%d"}`, i, i))
	}
	srv := extractServer(t, `{"facts":[`+strings.Join(entries, ",")+`]}`)
	defer srv.Close()

	client := llm.NewClient(llm.Config{Endpoint: srv.URL, Model: "extractor-test"}, nil)
	triples, err := extractWithModel(context.Background(), client, "chatter")
	require.NoError(t, err)
	assert.Len(t, triples, maxModelTriples)
}

func TestExtractWithModel_BadReply(t *testing.T) {
	srv := extractServer(t, "definitely not json")
	defer srv.Close()

	client := llm.NewClient(llm.Config{Endpoint: srv.URL, Model: "extractor-test"}, nil)
	_, err := extractWithModel(context.Background(), client, "chatter")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse extraction reply")
}
