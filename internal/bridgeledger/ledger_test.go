package bridgeledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
)

type fakeProvider struct{ summary string }

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	return f.summary, nil
}

func mkTurn(turnID, dayID string, seq int) hmlrmodels.Turn {
	return hmlrmodels.Turn{TurnID: turnID, DayID: dayID, TurnSequence: seq, Timestamp: time.Now(), UserMessage: "hi"}
}

func TestApplyRouting_NewFirst(t *testing.T) {
	kv := store.NewMemory()
	l := New(kv, &fakeProvider{summary: "s"}, "nano")

	res, err := l.ApplyRouting(context.Background(), "2026-07-29", hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic A"})
	require.NoError(t, err)
	require.Equal(t, ScenarioNewFirst, res.Scenario)
	require.True(t, res.IsNewTopic)

	block, err := kv.GetBlock(context.Background(), res.BlockID)
	require.NoError(t, err)
	require.Equal(t, hmlrmodels.BlockActive, block.Status)
}

func TestApplyRouting_Continuation(t *testing.T) {
	kv := store.NewMemory()
	l := New(kv, &fakeProvider{summary: "s"}, "nano")
	ctx := context.Background()

	first, err := l.ApplyRouting(ctx, "2026-07-29", hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic A"})
	require.NoError(t, err)

	second, err := l.ApplyRouting(ctx, "2026-07-29", hmlrmodels.RoutingDecision{MatchedBlockID: &first.BlockID})
	require.NoError(t, err)
	require.Equal(t, ScenarioContinuation, second.Scenario)
	require.Equal(t, first.BlockID, second.BlockID)
	require.False(t, second.IsNewTopic)

	block, err := kv.GetBlock(ctx, first.BlockID)
	require.NoError(t, err)
	require.Equal(t, hmlrmodels.BlockActive, block.Status)
}

func TestApplyRouting_ShiftThenResumption(t *testing.T) {
	kv := store.NewMemory()
	l := New(kv, &fakeProvider{summary: "s"}, "nano")
	ctx := context.Background()
	day := "2026-07-29"

	b1, err := l.ApplyRouting(ctx, day, hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic A"})
	require.NoError(t, err)

	// Shift: new topic while B1 is active -> B1 PAUSED, B2 ACTIVE.
	b2, err := l.ApplyRouting(ctx, day, hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic B"})
	require.NoError(t, err)
	require.Equal(t, ScenarioShift, b2.Scenario)
	require.NotEqual(t, b1.BlockID, b2.BlockID)

	block1, err := kv.GetBlock(ctx, b1.BlockID)
	require.NoError(t, err)
	require.Equal(t, hmlrmodels.BlockPaused, block1.Status)
	require.Equal(t, "s", block1.Header)

	// Resumption: route back to B1 (now PAUSED) -> B1 ACTIVE, B2 PAUSED.
	resumed, err := l.ApplyRouting(ctx, day, hmlrmodels.RoutingDecision{MatchedBlockID: &b1.BlockID})
	require.NoError(t, err)
	require.Equal(t, ScenarioResumption, resumed.Scenario)
	require.Equal(t, b1.BlockID, resumed.BlockID)

	block1Again, err := kv.GetBlock(ctx, b1.BlockID)
	require.NoError(t, err)
	require.Equal(t, hmlrmodels.BlockActive, block1Again.Status)

	block2, err := kv.GetBlock(ctx, b2.BlockID)
	require.NoError(t, err)
	require.Equal(t, hmlrmodels.BlockPaused, block2.Status)

	// B2 leaving ACTIVE via resumption's pause, same as B1's shift-pause
	// above, should also queue it for gardening.
	pending, err := kv.ListPendingGardeningBlocks(ctx)
	require.NoError(t, err)
	require.Contains(t, pending, b2.BlockID)
}

func TestApplyRouting_AtMostOneActivePerDay(t *testing.T) {
	kv := store.NewMemory()
	l := New(kv, &fakeProvider{summary: "s"}, "nano")
	ctx := context.Background()
	day := "2026-07-29"

	for i := 0; i < 3; i++ {
		_, err := l.ApplyRouting(ctx, day, hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic"})
		require.NoError(t, err)
	}

	blocks, err := kv.GetActiveBridgeBlocks(ctx, day)
	require.NoError(t, err)
	active := 0
	for _, b := range blocks {
		if b.Status == hmlrmodels.BlockActive {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestApplyRouting_ClosedBlockNeverReactivates(t *testing.T) {
	kv := store.NewMemory()
	l := New(kv, &fakeProvider{summary: "s"}, "nano")
	ctx := context.Background()
	day := "2026-07-29"

	b1, err := l.ApplyRouting(ctx, day, hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic A"})
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, b1.BlockID))

	res, err := l.ApplyRouting(ctx, day, hmlrmodels.RoutingDecision{MatchedBlockID: &b1.BlockID})
	require.NoError(t, err)
	require.Equal(t, ScenarioFallback, res.Scenario)
	require.NotEqual(t, b1.BlockID, res.BlockID)

	block1, err := kv.GetBlock(ctx, b1.BlockID)
	require.NoError(t, err)
	require.Equal(t, hmlrmodels.BlockClosed, block1.Status)
}

func TestAppendTurn_RejectsNonActive(t *testing.T) {
	kv := store.NewMemory()
	l := New(kv, &fakeProvider{summary: "s"}, "nano")
	ctx := context.Background()

	b1, err := l.ApplyRouting(ctx, "2026-07-29", hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "Topic A"})
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, b1.BlockID))

	err = kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.AppendTurn(ctx, tx, b1.BlockID, mkTurn("t1", "2026-07-29", 1), nil)
	})
	require.Error(t, err)
}
