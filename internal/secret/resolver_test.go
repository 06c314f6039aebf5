package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsRef(t *testing.T) {
	assert.True(t, ContainsRef("${env:API_KEY}"))
	assert.True(t, ContainsRef("Bearer ${keyring:llm-key}"))
	assert.False(t, ContainsRef("plain value"))
	assert.False(t, ContainsRef("${unclosed"))
	assert.False(t, ContainsRef("$HOME"))
}

func TestExpandString(t *testing.T) {
	t.Setenv("OVERSIGHT_TEST_SECRET", "s3cret")

	r := NewResolver()
	ctx := context.Background()

	out, err := r.ExpandString(ctx, "token=${env:OVERSIGHT_TEST_SECRET}")
	require.NoError(t, err)
	assert.Equal(t, "token=s3cret", out)

	// Non-ref strings pass through untouched.
	out, err = r.ExpandString(ctx, "no refs here")
	require.NoError(t, err)
	assert.Equal(t, "no refs here", out)
}

func TestExpandStringUnresolvableFailsWhole(t *testing.T) {
	r := NewResolver()

	_, err := r.ExpandString(context.Background(), "${env:OVERSIGHT_TEST_DEFINITELY_UNSET}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OVERSIGHT_TEST_DEFINITELY_UNSET")
}

func TestExpandStructSecrets(t *testing.T) {
	t.Setenv("OVERSIGHT_TEST_KEY", "abc123")

	type inner struct {
		APIKey string
	}
	type cfg struct {
		Endpoint string
		LLM      *inner
		Tags     []string
		Extra    map[string]interface{}
	}

	c := &cfg{
		Endpoint: "https://api.example.com",
		LLM:      &inner{APIKey: "${env:OVERSIGHT_TEST_KEY}"},
		Tags:     []string{"${env:OVERSIGHT_TEST_KEY}", "plain"},
		Extra: map[string]interface{}{
			"credsRef": "${env:OVERSIGHT_TEST_KEY}",
			"number":   42,
		},
	}

	require.NoError(t, NewResolver().ExpandStructSecrets(context.Background(), c))

	assert.Equal(t, "https://api.example.com", c.Endpoint)
	assert.Equal(t, "abc123", c.LLM.APIKey)
	assert.Equal(t, []string{"abc123", "plain"}, c.Tags)
	assert.Equal(t, "abc123", c.Extra["credsRef"])
	assert.Equal(t, 42, c.Extra["number"])
}

func TestResolveUnknownType(t *testing.T) {
	_, err := NewResolver().Resolve(context.Background(), SecretRef{Type: "vault", Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider")
}

func TestMaskSecretValue(t *testing.T) {
	assert.Equal(t, "****", MaskSecretValue("abc"))
	assert.Equal(t, "ab****", MaskSecretValue("abcdef"))
	assert.Equal(t, "sk-****xy", MaskSecretValue("sk-longer-secret-xy"))
}
