package chain

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/openclaw-oversight/oversight-go/internal/event"
)

const baseTS = int64(1700000000000)

func toolEvent(ts int64, seq uint64, tool string) event.Event {
	return event.Event{
		TS: ts, Agent: "main", Session: "default", Kind: event.KindToolCall, Seq: seq,
		Payload: event.Payload{Tool: tool},
	}
}

func msgEvent(ts int64, seq uint64, content string) event.Event {
	return event.Event{
		TS: ts, Agent: "main", Session: "default", Kind: event.KindMessageOut, Seq: seq,
		Payload: event.Payload{Content: content},
	}
}

func lifecycleEvent(ts int64, seq uint64, kind event.Kind) event.Event {
	return event.Event{TS: ts, Agent: "main", Session: "default", Kind: kind, Seq: seq}
}

func reconstruct(t *testing.T, cfg Config, evs []event.Event) ([]Chain, Stats) {
	t.Helper()
	return NewReconstructor(cfg, zap.NewNop()).Reconstruct(evs)
}

func TestReconstruct_EquivalentWireRecordsCollapse(t *testing.T) {
	rawA := map[string]interface{}{
		"type":     "tool.call",
		"toolName": "read",
		"ts":       float64(1700000000000),
		"params":   map[string]interface{}{"path": "/x"},
	}
	rawB := map[string]interface{}{
		"type":      "conversation.tool_call",
		"timestamp": float64(1700000000400),
		"data": map[string]interface{}{
			"name": "read",
			"args": map[string]interface{}{"path": "/x"},
		},
	}

	evA, ok := event.Normalize(rawA, 1)
	require.True(t, ok)
	evB, ok := event.Normalize(rawB, 2)
	require.True(t, ok)

	chains, stats := reconstruct(t, DefaultConfig(), []event.Event{*evA, *evB})

	require.Len(t, chains, 1)
	require.Len(t, chains[0].Events, 1)
	assert.Equal(t, event.KindToolCall, chains[0].Events[0].Kind)
	assert.Equal(t, "read", chains[0].Events[0].Payload.Tool)
	assert.Equal(t, uint64(2), chains[0].Events[0].Seq, "higher-seq duplicate wins")
	assert.Equal(t, 1, stats.Duplicates)
}

func TestReconstruct_MessageFingerprints(t *testing.T) {
	t.Run("same second same content collapses", func(t *testing.T) {
		chains, stats := reconstruct(t, DefaultConfig(), []event.Event{
			msgEvent(baseTS, 1, "hello"),
			msgEvent(baseTS+400, 2, "hello"),
		})
		require.Len(t, chains, 1)
		assert.Len(t, chains[0].Events, 1)
		assert.Equal(t, 1, stats.Duplicates)
	})

	t.Run("only leading content participates", func(t *testing.T) {
		long := strings.Repeat("x", contentFingerprintLen)
		chains, stats := reconstruct(t, DefaultConfig(), []event.Event{
			msgEvent(baseTS, 1, long+"tailA"),
			msgEvent(baseTS+100, 2, long+"tailB"),
		})
		require.Len(t, chains, 1)
		assert.Len(t, chains[0].Events, 1)
		assert.Equal(t, 1, stats.Duplicates)
	})

	t.Run("content window counts runes not bytes", func(t *testing.T) {
		// 100 two-byte runes fill the 200-byte mark; the differing tail
		// is still inside the 200-rune window and must keep them apart.
		wide := strings.Repeat("ü", 100)
		chains, stats := reconstruct(t, DefaultConfig(), []event.Event{
			msgEvent(baseTS, 1, wide+"alpha"),
			msgEvent(baseTS+100, 2, wide+"bravo"),
		})
		require.Len(t, chains, 1)
		assert.Len(t, chains[0].Events, 2)
		assert.Equal(t, 0, stats.Duplicates)
	})

	t.Run("different seconds stay distinct", func(t *testing.T) {
		chains, stats := reconstruct(t, DefaultConfig(), []event.Event{
			msgEvent(baseTS, 1, "hello"),
			msgEvent(baseTS+1500, 2, "hello"),
		})
		require.Len(t, chains, 1)
		assert.Len(t, chains[0].Events, 2)
		assert.Equal(t, 0, stats.Duplicates)
	})
}

func TestReconstruct_ToolResultFingerprint(t *testing.T) {
	a := event.Event{
		TS: baseTS, Agent: "main", Session: "default", Kind: event.KindToolResult, Seq: 1,
		Payload: event.Payload{Tool: "read", Result: "first"},
	}
	b := a
	b.Seq = 2
	b.TS = baseTS + 300
	b.Payload.Result = "second"

	chains, stats := reconstruct(t, DefaultConfig(), []event.Event{a, b})
	require.Len(t, chains, 1)
	assert.Len(t, chains[0].Events, 1)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestReconstruct_SessionStartOpensNewChain(t *testing.T) {
	chains, _ := reconstruct(t, DefaultConfig(), []event.Event{
		toolEvent(baseTS, 1, "read"),
		toolEvent(baseTS+2000, 2, "write"),
		lifecycleEvent(baseTS+4000, 3, event.KindSessionStart),
		toolEvent(baseTS+6000, 4, "list"),
	})

	require.Len(t, chains, 2)
	assert.Len(t, chains[0].Events, 2)
	assert.Equal(t, BoundaryGap, chains[0].Boundary)
	assert.Equal(t, event.KindSessionStart, chains[1].Events[0].Kind)
	assert.Equal(t, BoundaryLifecycle, chains[1].Boundary)
}

func TestReconstruct_SessionEndClosesAfterInclusion(t *testing.T) {
	chains, _ := reconstruct(t, DefaultConfig(), []event.Event{
		lifecycleEvent(baseTS, 1, event.KindSessionStart),
		toolEvent(baseTS+1000, 2, "read"),
		lifecycleEvent(baseTS+2000, 3, event.KindSessionEnd),
		toolEvent(baseTS+3000, 4, "write"),
		toolEvent(baseTS+4000, 5, "list"),
	})

	require.Len(t, chains, 2)
	require.Len(t, chains[0].Events, 3)
	assert.Equal(t, event.KindSessionEnd, chains[0].Events[2].Kind)
	assert.Equal(t, BoundaryLifecycle, chains[0].Boundary)

	assert.Len(t, chains[1].Events, 2)
	assert.Equal(t, BoundaryTimeRange, chains[1].Boundary)
}

func TestReconstruct_RunGapSplits(t *testing.T) {
	t.Run("over five minutes splits", func(t *testing.T) {
		chains, _ := reconstruct(t, DefaultConfig(), []event.Event{
			toolEvent(baseTS, 1, "read"),
			lifecycleEvent(baseTS+1000, 2, event.KindRunEnd),
			lifecycleEvent(baseTS+1000+6*60_000, 3, event.KindRunStart),
			toolEvent(baseTS+2000+6*60_000, 4, "write"),
		})
		require.Len(t, chains, 2)
		assert.Equal(t, BoundaryLifecycle, chains[0].Boundary)
		assert.Equal(t, BoundaryLifecycle, chains[1].Boundary)
	})

	t.Run("under five minutes stays joined", func(t *testing.T) {
		chains, _ := reconstruct(t, DefaultConfig(), []event.Event{
			toolEvent(baseTS, 1, "read"),
			lifecycleEvent(baseTS+1000, 2, event.KindRunEnd),
			lifecycleEvent(baseTS+1000+4*60_000, 3, event.KindRunStart),
			toolEvent(baseTS+2000+4*60_000, 4, "write"),
		})
		require.Len(t, chains, 1)
		assert.Len(t, chains[0].Events, 4)
	})
}

func TestReconstruct_InactivityGap(t *testing.T) {
	chains, stats := reconstruct(t, DefaultConfig(), []event.Event{
		msgEvent(baseTS, 1, "early"),
		msgEvent(baseTS+31*60_000, 2, "late one"),
		msgEvent(baseTS+31*60_000+1500, 3, "late two"),
	})

	require.Len(t, chains, 1)
	assert.Len(t, chains[0].Events, 2)
	assert.Equal(t, 1, stats.Dropped, "singleton chain before the gap is dropped")
}

func TestReconstruct_MemoryCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChainEvents = 3

	var evs []event.Event
	for i := 0; i < 7; i++ {
		evs = append(evs, toolEvent(baseTS+int64(i)*1500, uint64(i+1), "read"))
	}

	chains, stats := reconstruct(t, cfg, evs)
	require.Len(t, chains, 2)
	assert.Equal(t, BoundaryMemoryCap, chains[0].Boundary)
	assert.Equal(t, BoundaryMemoryCap, chains[1].Boundary)
	assert.Equal(t, 1, stats.Dropped)
}

func TestReconstruct_BucketsBySessionAndAgent(t *testing.T) {
	mk := func(session, agent string, ts int64, seq uint64) event.Event {
		ev := toolEvent(ts, seq, "read")
		ev.Session = session
		ev.Agent = agent
		return ev
	}

	chains, _ := reconstruct(t, DefaultConfig(), []event.Event{
		mk("s1", "a1", baseTS, 1), mk("s1", "a1", baseTS+1500, 2),
		mk("s1", "a2", baseTS, 3), mk("s1", "a2", baseTS+1500, 4),
		mk("s2", "a1", baseTS, 5), mk("s2", "a1", baseTS+1500, 6),
	})

	require.Len(t, chains, 3)
	seen := make(map[string]bool)
	for _, c := range chains {
		assert.Len(t, c.Events, 2)
		seen[c.Session+"/"+c.Agent] = true
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), c.ID)
	}
	assert.Len(t, seen, 3)
}

func TestReconstruct_Deterministic(t *testing.T) {
	evs := []event.Event{
		toolEvent(baseTS, 1, "read"),
		msgEvent(baseTS+1500, 2, "working"),
		lifecycleEvent(baseTS+3000, 3, event.KindRunEnd),
	}

	first, _ := reconstruct(t, DefaultConfig(), evs)
	second, _ := reconstruct(t, DefaultConfig(), evs)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Boundary, second[i].Boundary)
	}
}

func TestReconstruct_DuplicateAugmentationStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 25).Draw(t, "n")
		base := make([]event.Event, 0, n)
		for i := 0; i < n; i++ {
			base = append(base, toolEvent(baseTS+int64(i)*1500, uint64(i+1), fmt.Sprintf("tool-%d", i%5)))
		}
		rec := NewReconstructor(DefaultConfig(), zap.NewNop())
		chainsA, _ := rec.Reconstruct(base)

		augmented := append([]event.Event{}, base...)
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("dup-%d", i)) {
				dup := base[i]
				dup.Seq += 1000
				augmented = append(augmented, dup)
			}
		}
		chainsB, _ := rec.Reconstruct(augmented)

		if len(chainsA) != len(chainsB) {
			t.Fatalf("chain count changed: %d vs %d", len(chainsA), len(chainsB))
		}
		for i := range chainsA {
			if chainsA[i].ID != chainsB[i].ID {
				t.Fatalf("chain %d id changed: %s vs %s", i, chainsA[i].ID, chainsB[i].ID)
			}
			if len(chainsA[i].Events) != len(chainsB[i].Events) {
				t.Fatalf("chain %d event count changed: %d vs %d",
					i, len(chainsA[i].Events), len(chainsB[i].Events))
			}
		}
	})
}
