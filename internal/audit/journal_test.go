package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/redact"
)

var auditBase = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestJournal(t *testing.T, cfg Config) *Journal {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "audit")
	}
	j := NewJournal(cfg, nil, zap.NewNop())
	j.now = func() time.Time { return auditBase }
	require.NoError(t, j.Open())
	return j
}

func shardPath(j *Journal, day string) string {
	return filepath.Join(j.cfg.Dir, day+shardExt)
}

func TestJournal_AppendFillsIdentity(t *testing.T) {
	j := newTestJournal(t, Config{})

	rec := j.Append(Record{Verdict: VerdictAllow, Reason: "allowed by policy p1"})

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, auditBase.UnixMilli(), rec.TS)
	assert.Equal(t, "2025-06-10T12:00:00Z", rec.Time)
}

func TestJournal_DerivedControls(t *testing.T) {
	j := newTestJournal(t, Config{})

	t.Run("deny adds incident baseline", func(t *testing.T) {
		rec := j.Append(Record{
			Verdict: VerdictDeny,
			Policies: []MatchedPolicy{
				{PolicyID: "credential-guard", RuleID: "credential-material", Effect: "deny", Controls: []string{"A.8.11"}},
			},
		})
		assert.Equal(t, []string{"A.5.24", "A.5.28", "A.8.11"}, rec.Controls)
	})

	t.Run("allow unions without baseline", func(t *testing.T) {
		rec := j.Append(Record{
			Verdict: VerdictAllow,
			Policies: []MatchedPolicy{
				{PolicyID: "a", Controls: []string{"A.8.16", "A.8.11"}},
				{PolicyID: "b", Controls: []string{"A.8.11"}},
			},
		})
		assert.Equal(t, []string{"A.8.11", "A.8.16"}, rec.Controls)
	})

	t.Run("no matches no controls", func(t *testing.T) {
		rec := j.Append(Record{Verdict: VerdictAllow})
		assert.Nil(t, rec.Controls)
	})

	t.Run("caller-provided controls kept", func(t *testing.T) {
		rec := j.Append(Record{Verdict: VerdictDeny, Controls: []string{"X.1"}})
		assert.Equal(t, []string{"X.1"}, rec.Controls)
	})
}

func TestJournal_RedactsContext(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	j := NewJournal(Config{Dir: dir}, redact.New(redact.Config{}, zap.NewNop()), zap.NewNop())
	j.now = func() time.Time { return auditBase }
	require.NoError(t, j.Open())

	key := "sk-ant-api03-" + strings.Repeat("a", 90)
	rec := j.Append(Record{
		Verdict: VerdictDeny,
		Context: Context{
			AgentID: "main",
			Content: "using " + key,
			Target:  "ops@example.com",
			Params:  map[string]interface{}{"token": key, "path": "/tmp/x"},
		},
	})

	assert.NotContains(t, rec.Context.Content, key)
	assert.Contains(t, rec.Context.Content, "[REDACTED:credential:")
	assert.Contains(t, rec.Context.Target, "[REDACTED:pii:")
	assert.NotContains(t, rec.Context.Params["token"], key)
	assert.Equal(t, "/tmp/x", rec.Context.Params["path"])

	// Nothing sensitive reaches disk either.
	require.NoError(t, j.Flush())
	data, err := os.ReadFile(shardPath(j, "2025-06-10"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), key)
}

func TestJournal_FlushWritesDayShard(t *testing.T) {
	j := newTestJournal(t, Config{})

	j.Append(Record{Verdict: VerdictAllow})
	j.Append(Record{Verdict: VerdictDeny, Reason: "nope"})
	require.NoError(t, j.Flush())

	data, err := os.ReadFile(shardPath(j, "2025-06-10"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, VerdictAllow, first.Verdict)

	stats := j.Stats()
	assert.Equal(t, 2, stats.TodayRecords)
	assert.Equal(t, 0, stats.Buffered)
}

func TestJournal_ImmediateFlushAtCapacity(t *testing.T) {
	j := newTestJournal(t, Config{MaxBuffered: 3})

	j.Append(Record{Verdict: VerdictAllow})
	j.Append(Record{Verdict: VerdictAllow})
	_, err := os.Stat(shardPath(j, "2025-06-10"))
	assert.True(t, os.IsNotExist(err), "two records should still be buffered")

	j.Append(Record{Verdict: VerdictAllow})
	data, err := os.ReadFile(shardPath(j, "2025-06-10"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)
}

func TestJournal_OpenCountsAndPrunes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	today := `{"id":"1","ts":1749556800000,"verdict":"allow"}` + "\n" +
		`{"id":"2","ts":1749556800000,"verdict":"deny"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025-06-10.jsonl"), []byte(today), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025-01-01.jsonl"), []byte("{}\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o600))

	j := NewJournal(Config{Dir: dir, RetentionDays: 90}, nil, zap.NewNop())
	j.now = func() time.Time { return auditBase }
	require.NoError(t, j.Open())

	assert.Equal(t, 2, j.Stats().TodayRecords)

	_, err := os.Stat(filepath.Join(dir, "2025-01-01.jsonl"))
	assert.True(t, os.IsNotExist(err), "expired shard should be removed")
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err, "non-shard files are left alone")
}

func TestJournal_SearchOrderingAndFilters(t *testing.T) {
	j := newTestJournal(t, Config{})

	dayOld := auditBase.Add(-24 * time.Hour)
	j.Append(Record{ID: "r1", TS: dayOld.UnixMilli(), Verdict: VerdictAllow, Context: Context{AgentID: "main"}})
	j.Append(Record{ID: "r2", TS: dayOld.Add(time.Minute).UnixMilli(), Verdict: VerdictDeny, Context: Context{AgentID: "main"}})
	j.Append(Record{ID: "r3", TS: auditBase.UnixMilli(), Verdict: VerdictAllow, Context: Context{AgentID: "other"}})
	require.NoError(t, j.Flush())
	// Two newer records stay in the buffer.
	j.Append(Record{ID: "r4", TS: auditBase.Add(time.Minute).UnixMilli(), Verdict: VerdictDeny, Context: Context{AgentID: "main"}})
	j.Append(Record{ID: "r5", TS: auditBase.Add(2 * time.Minute).UnixMilli(), Verdict: VerdictAllow, Context: Context{AgentID: "main"}})

	t.Run("newest first across buffer and shards", func(t *testing.T) {
		got := j.Search(Query{})
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		assert.Equal(t, []string{"r5", "r4", "r3", "r2", "r1"}, ids)
	})

	t.Run("agent filter", func(t *testing.T) {
		got := j.Search(Query{AgentID: "other"})
		require.Len(t, got, 1)
		assert.Equal(t, "r3", got[0].ID)
	})

	t.Run("verdict filter", func(t *testing.T) {
		got := j.Search(Query{Verdict: VerdictDeny})
		require.Len(t, got, 2)
		assert.Equal(t, "r4", got[0].ID)
		assert.Equal(t, "r2", got[1].ID)
	})

	t.Run("time range filter", func(t *testing.T) {
		got := j.Search(Query{Since: auditBase.Add(-time.Hour)})
		require.Len(t, got, 3)
		assert.Equal(t, "r5", got[0].ID)

		got = j.Search(Query{Until: dayOld.Add(30 * time.Minute)})
		require.Len(t, got, 2)
		assert.Equal(t, "r2", got[0].ID)
	})

	t.Run("limit stops the scan", func(t *testing.T) {
		got := j.Search(Query{Limit: 2})
		require.Len(t, got, 2)
		assert.Equal(t, "r5", got[0].ID)
		assert.Equal(t, "r4", got[1].ID)
	})
}

func TestJournal_SearchSkipsMalformedLines(t *testing.T) {
	j := newTestJournal(t, Config{})

	j.Append(Record{ID: "good", Verdict: VerdictAllow})
	require.NoError(t, j.Flush())

	f, err := os.OpenFile(shardPath(j, "2025-06-10"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := j.Search(Query{})
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ID)
}

func TestJournal_MemoryOnlyFallback(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	j := NewJournal(Config{Dir: filepath.Join(blocker, "audit")}, nil, zap.NewNop())
	j.now = func() time.Time { return auditBase }
	require.NoError(t, j.Open())
	assert.True(t, j.memOnly)

	j.Append(Record{ID: "kept", Verdict: VerdictDeny})
	require.NoError(t, j.Flush())

	got := j.Search(Query{})
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)
}

func TestJournal_StopDrains(t *testing.T) {
	j := newTestJournal(t, Config{})
	j.Start()

	j.Append(Record{ID: "pending", Verdict: VerdictAllow})
	j.Stop()
	j.Stop() // idempotent

	data, err := os.ReadFile(shardPath(j, "2025-06-10"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pending"`)
}
