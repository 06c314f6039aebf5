package reboot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTracker_ObserveBuildsThreads(t *testing.T) {
	tr := OpenTracker(DefaultConfig(), "", zap.NewNop())

	tr.Observe("agent:main:1", "main", "slack", "Deploy plan drafted.", 1000)
	tr.Observe("agent:main:1", "main", "slack", "Deploy approved.", 2000)
	tr.Observe("agent:helper:7", "helper", "", "Collecting logs.", 1500)

	threads := tr.Threads()
	require.Len(t, threads, 2)

	// Most recently active first.
	assert.Equal(t, "agent:main:1", threads[0].SessionKey)
	assert.Equal(t, "main", threads[0].AgentID)
	assert.Equal(t, "slack", threads[0].Channel)
	assert.Equal(t, 2, threads[0].Messages)
	assert.Equal(t, []string{"Deploy plan drafted.", "Deploy approved."}, threads[0].Recent)
	assert.Equal(t, int64(1000), threads[0].StartedAt)
	assert.Equal(t, int64(2000), threads[0].UpdatedAt)

	assert.Equal(t, "agent:helper:7", threads[1].SessionKey)
	assert.Equal(t, 1, threads[1].Messages)
}

func TestTracker_BlankSessionIgnored(t *testing.T) {
	tr := OpenTracker(DefaultConfig(), "", zap.NewNop())
	tr.Observe("", "main", "", "hello", 1000)
	tr.Observe("   ", "main", "", "hello", 1000)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_ZeroTimestampUsesClock(t *testing.T) {
	tr := OpenTracker(DefaultConfig(), "", zap.NewNop())
	tr.now = func() time.Time { return time.UnixMilli(5000) }

	tr.Observe("chat-1", "", "", "hello", 0)

	threads := tr.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, int64(5000), threads[0].UpdatedAt)
	assert.Equal(t, int64(5000), threads[0].StartedAt)
}

func TestTracker_RecentKeepsLastN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentMessages = 3
	tr := OpenTracker(cfg, "", zap.NewNop())

	for i := 1; i <= 5; i++ {
		tr.Observe("chat-1", "", "", fmt.Sprintf("message %d", i), int64(i))
	}

	threads := tr.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, 5, threads[0].Messages)
	assert.Equal(t, []string{"message 3", "message 4", "message 5"}, threads[0].Recent)
}

func TestMakeSnippet(t *testing.T) {
	assert.Equal(t, "first line", makeSnippet("first line\nsecond line"))
	assert.Equal(t, "trimmed", makeSnippet("  trimmed  \nrest"))
	assert.Equal(t, "", makeSnippet("   \nlate content"))

	long := makeSnippet(strings.Repeat("x", 400))
	assert.Len(t, []rune(long), maxSnippetLen)
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestTracker_BlankTextCountsWithoutSnippet(t *testing.T) {
	tr := OpenTracker(DefaultConfig(), "", zap.NewNop())
	tr.Observe("chat-1", "", "", "", 1000)

	threads := tr.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].Messages)
	assert.Empty(t, threads[0].Recent)
}

func TestTracker_PrunesStaleThreads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThreads = 2
	tr := OpenTracker(cfg, "", zap.NewNop())

	tr.Observe("s1", "", "", "one", 1000)
	tr.Observe("s2", "", "", "two", 2000)
	tr.Observe("s3", "", "", "three", 3000)

	require.Equal(t, 2, tr.Len())
	threads := tr.Threads()
	assert.Equal(t, "s3", threads[0].SessionKey)
	assert.Equal(t, "s2", threads[1].SessionKey)
}

func TestTracker_FlushAndReload(t *testing.T) {
	dir := t.TempDir()

	tr := OpenTracker(DefaultConfig(), dir, zap.NewNop())
	tr.Observe("agent:main:1", "main", "slack", "Deploy plan drafted.", 1000)
	require.NoError(t, tr.Close())

	data, err := os.ReadFile(filepath.Join(dir, ThreadsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "agent:main:1")

	reopened := OpenTracker(DefaultConfig(), dir, zap.NewNop())
	threads := reopened.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, "main", threads[0].AgentID)
	assert.Equal(t, 1, threads[0].Messages)
	assert.Equal(t, []string{"Deploy plan drafted."}, threads[0].Recent)
	assert.Equal(t, int64(1000), threads[0].StartedAt)
}

func TestTracker_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ThreadsFileName), []byte("{not json"), 0o600))

	tr := OpenTracker(DefaultConfig(), dir, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })
	assert.Equal(t, 0, tr.Len())

	tr.Observe("chat-1", "", "", "hello", 1000)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_DebouncedFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FlushDebounceMs = 25

	tr := OpenTracker(cfg, dir, zap.NewNop())
	tr.Observe("chat-1", "", "", "hello", 1000)

	path := filepath.Join(dir, ThreadsFileName)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_FlushCleanIsNoop(t *testing.T) {
	dir := t.TempDir()
	tr := OpenTracker(DefaultConfig(), dir, zap.NewNop())

	require.NoError(t, tr.Flush())
	_, err := os.Stat(filepath.Join(dir, ThreadsFileName))
	assert.True(t, os.IsNotExist(err))
}
