package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFromConfigValue(t *testing.T) {
	t.Run("list of maps decodes", func(t *testing.T) {
		raw := []interface{}{
			map[string]interface{}{
				"id":       "from-config",
				"version":  float64(2),
				"priority": float64(10),
				"rules": []interface{}{
					map[string]interface{}{
						"id":     "r1",
						"effect": "deny",
						"reason": "configured deny",
						"conditions": []interface{}{
							map[string]interface{}{"type": "tool", "toolName": "exec"},
						},
					},
				},
			},
		}

		policies := FromConfigValue(raw, zap.NewNop())
		require.Len(t, policies, 1)
		assert.Equal(t, "from-config", policies[0].ID)
		assert.Equal(t, 2, policies[0].Version)
		require.Len(t, policies[0].Rules, 1)
		assert.Equal(t, EffectDeny, policies[0].Rules[0].Effect)
		assert.Equal(t, ConditionTool, policies[0].Rules[0].Conditions[0].Type)
	})

	t.Run("nil yields nothing", func(t *testing.T) {
		assert.Nil(t, FromConfigValue(nil, zap.NewNop()))
	})

	t.Run("garbage yields nothing", func(t *testing.T) {
		assert.Nil(t, FromConfigValue("not a list", zap.NewNop()))
	})
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	jsonPack := `[{"id":"pack-a","rules":[{"id":"r","effect":"allow"}]}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-a.json"), []byte(jsonPack), 0o644))

	yamlPack := `
id: pack-b
priority: 5
rules:
  - id: r
    effect: deny
    reason: yaml deny
    conditions:
      - type: tool
        toolName: exec
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-b.yaml"), []byte(yamlPack), 0o644))

	// Broken and irrelevant files must not break the load.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "30-broken.json"), []byte("{nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	policies := LoadDir(dir, zap.NewNop())

	require.Len(t, policies, 2)
	assert.Equal(t, "pack-a", policies[0].ID)
	assert.Equal(t, "pack-b", policies[1].ID)
	assert.Equal(t, "yaml deny", policies[1].Rules[0].Reason)
}

func TestLoadDir_Missing(t *testing.T) {
	policies := LoadDir(filepath.Join(t.TempDir(), "absent"), zap.NewNop())
	assert.Empty(t, policies)
}

func TestMergeWithBuiltins(t *testing.T) {
	t.Run("no overrides keeps builtins", func(t *testing.T) {
		merged := MergeWithBuiltins(nil)
		require.Len(t, merged, 2)
		assert.Equal(t, BuiltinCredentialGuard, merged[0].ID)
		assert.Equal(t, BuiltinNightMode, merged[1].ID)
	})

	t.Run("same id replaces the builtin", func(t *testing.T) {
		merged := MergeWithBuiltins([]Policy{{
			ID:      BuiltinNightMode,
			Version: 2,
			Enabled: boolPtr(false),
		}})

		require.Len(t, merged, 2)
		assert.Equal(t, 2, merged[1].Version)
		assert.False(t, merged[1].IsEnabled())

		ix := NewIndex(zap.NewNop())
		ix.Load(merged)
		require.Equal(t, 1, ix.Len())
		assert.Equal(t, BuiltinCredentialGuard, ix.All()[0].ID)
	})

	t.Run("new policies append", func(t *testing.T) {
		merged := MergeWithBuiltins([]Policy{{ID: "custom", Rules: []Rule{{ID: "r", Effect: EffectAllow}}}})
		require.Len(t, merged, 3)
		assert.Equal(t, "custom", merged[2].ID)
	})
}
