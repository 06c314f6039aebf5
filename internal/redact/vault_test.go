package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestVault_StoreAndLookup(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())

	ph := v.Store("sk-ant-api03-supersecret", CategoryCredential)
	assert.Regexp(t, `^\[REDACTED:credential:[0-9a-f]{8}\]$`, ph)

	slice := ph[len("[REDACTED:credential:") : len(ph)-1]
	original, ok := v.Lookup(slice)
	require.True(t, ok)
	assert.Equal(t, "sk-ant-api03-supersecret", original)

	_, ok = v.Lookup("deadbeef")
	assert.False(t, ok)
}

func TestVault_StoreDedupe(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())

	first := v.Store("same-secret-value", CategoryCredential)
	second := v.Store("same-secret-value", CategoryCredential)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, v.Len())
}

func TestVault_Resolve(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())

	t.Run("round trip through redactor", func(t *testing.T) {
		r := New(Config{}, zap.NewNop())
		r.AttachVault(v)

		key := "sk-ant-api03-" + strings.Repeat("a", 90)
		in := key + " and user@example.com"
		redacted := r.Redact(in)
		require.NotContains(t, redacted, key)

		resolved, unresolved := v.Resolve(redacted)
		assert.Empty(t, unresolved)
		assert.Equal(t, in, resolved)
	})

	t.Run("unknown slice reported unresolved", func(t *testing.T) {
		text := "before [REDACTED:pii:0123abcd] after"
		resolved, unresolved := v.Resolve(text)
		assert.Equal(t, text, resolved)
		assert.Equal(t, []string{"0123abcd"}, unresolved)
	})

	t.Run("malformed placeholder is left alone", func(t *testing.T) {
		text := "x [REDACTED:pii:zzzz] y"
		resolved, unresolved := v.Resolve(text)
		assert.Equal(t, text, resolved)
		assert.Empty(t, unresolved)
	})

	t.Run("plain text passes through", func(t *testing.T) {
		resolved, unresolved := v.Resolve("no placeholders here")
		assert.Equal(t, "no placeholders here", resolved)
		assert.Empty(t, unresolved)
	})
}

func TestVault_Expiry(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return base }

	ph := v.Store("expiring-secret-value", CategoryCredential)
	slice := ph[len("[REDACTED:credential:") : len(ph)-1]

	_, ok := v.Lookup(slice)
	require.True(t, ok)

	// Past the default one-hour TTL.
	v.now = func() time.Time { return base.Add(4000 * time.Second) }

	_, ok = v.Lookup(slice)
	assert.False(t, ok)

	resolved, unresolved := v.Resolve("ctx " + ph)
	assert.Contains(t, resolved, ph)
	assert.Equal(t, []string{slice}, unresolved)
}

func TestVault_PrefixCollision(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())

	secret := "colliding-secret-value"
	sum := sha256.Sum256([]byte(secret))
	digest := hex.EncodeToString(sum[:])

	// Plant a live entry from a different secret on the same 8-char slice.
	fakeDigest := strings.Repeat("f", 64)
	v.byDigest[fakeDigest] = &vaultEntry{
		original:  "earlier-secret",
		category:  CategoryPII,
		digest:    fakeDigest,
		slice:     digest[:prefixShort],
		expiresAt: time.Now().Add(time.Hour),
	}
	v.byPrefix[digest[:prefixShort]] = fakeDigest

	ph := v.Store(secret, CategoryCredential)
	assert.Equal(t, fmt.Sprintf("[REDACTED:credential:%s]", digest[:prefixLong]), ph)

	got, ok := v.Lookup(digest[:prefixLong])
	require.True(t, ok)
	assert.Equal(t, secret, got)

	got, ok = v.Lookup(digest[:prefixShort])
	require.True(t, ok)
	assert.Equal(t, "earlier-secret", got)
}

func TestVault_Eviction(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	v.now = func() time.Time { return base }
	v.Store("old-secret-value", CategoryCredential)

	v.now = func() time.Time { return base.Add(3000 * time.Second) }
	fresh := v.Store("fresh-secret-value", CategoryCredential)
	freshSlice := fresh[len("[REDACTED:credential:") : len(fresh)-1]

	v.now = func() time.Time { return base.Add(3700 * time.Second) }
	v.evictExpired()

	assert.Equal(t, 1, v.Len())
	_, ok := v.Lookup(freshSlice)
	assert.True(t, ok)
}

func TestVault_Clear(t *testing.T) {
	v := NewVault(VaultConfig{}, zap.NewNop())
	ph := v.Store("wiped-secret-value", CategoryCredential)
	slice := ph[len("[REDACTED:credential:") : len(ph)-1]

	v.Clear()

	assert.Equal(t, 0, v.Len())
	_, ok := v.Lookup(slice)
	assert.False(t, ok)
}

func TestVault_StartStop(t *testing.T) {
	v := NewVault(VaultConfig{TTL: time.Second, EvictInterval: 10 * time.Millisecond}, zap.NewNop())
	v.Start()
	v.Store("short-lived-value", CategoryCredential)

	v.Stop()
	assert.Equal(t, 0, v.Len())

	// Stop twice must not panic.
	v.Stop()
}

func TestVault_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := NewVault(VaultConfig{}, zap.NewNop())

		n := rapid.IntRange(1, 8).Draw(t, "n")
		stored := make(map[string]string, n)
		for i := 0; i < n; i++ {
			secret := rapid.StringN(1, 64, -1).Draw(t, fmt.Sprintf("secret%d", i))
			ph := v.Store(secret, CategoryCredential)
			stored[ph] = secret
		}

		for ph, secret := range stored {
			resolved, unresolved := v.Resolve(ph)
			if len(unresolved) != 0 {
				t.Fatalf("placeholder %q did not resolve", ph)
			}
			if resolved != secret {
				t.Fatalf("placeholder %q resolved to %q, want %q", ph, resolved, secret)
			}
		}
	})
}
