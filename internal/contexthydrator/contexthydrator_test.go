package contexthydrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/profilestore"
	"github.com/sv-dev/hmlr/internal/store"
)

func TestBuild_NewTopicHasNoPriorTurnsSection(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	var blockID string
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		blockID, err = tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet", nil)
		return err
	}))

	h := New(kv)
	prompt, err := h.Build(ctx, Input{BlockID: blockID, UserText: "hello", IsNewTopic: true})
	require.NoError(t, err)
	require.Contains(t, prompt, "## Current user message\nhello")
	require.NotContains(t, prompt, "prior turns")
}

func TestBuild_PriorTurnsVerbatimVsCompressed(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	var blockID string
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		blockID, err = tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet", nil)
		if err != nil {
			return err
		}
		compressed := "user asked about protein intake"
		for i := 1; i <= 5; i++ {
			turn := hmlrmodels.Turn{
				TurnID:            fmt.Sprintf("t%d", i),
				BlockID:           blockID,
				TurnSequence:      i,
				UserMessage:       fmt.Sprintf("user message %d", i),
				AssistantResponse: fmt.Sprintf("assistant response %d", i),
				DetailLevel:       hmlrmodels.DetailCompressed,
				CompressedContent: &compressed,
			}
			if err := tx.AppendTurnToBlock(ctx, blockID, turn, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	h := New(kv)
	prompt, err := h.Build(ctx, Input{BlockID: blockID, UserText: "more", IsNewTopic: false})
	require.NoError(t, err)
	require.Contains(t, prompt, "[turn 5] User: user message 5")
	require.Contains(t, prompt, "[turn 1, compressed] user asked about protein intake")
	require.NotContains(t, prompt, "[turn 1] User:")
}

func TestBuild_ProfileConstraintsFirstAndMarkedImmutable(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	var blockID string
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		blockID, err = tx.CreateBridgeBlock(ctx, "2026-07-29", "Health", nil)
		return err
	}))

	h := New(kv)
	prompt, err := h.Build(ctx, Input{
		BlockID:  blockID,
		UserText: "hi",
		Profile: []profilestore.Entry{
			{Key: "hobby", Value: "chess"},
			{Key: "allergy", Value: "peanuts", Immutable: true},
		},
	})
	require.NoError(t, err)
	require.Contains(t, prompt, "[IMMUTABLE] allergy: peanuts")
	immutableIdx := strings.Index(prompt, "[IMMUTABLE] allergy")
	hobbyIdx := strings.Index(prompt, "hobby: chess")
	require.Less(t, immutableIdx, hobbyIdx)
}

func TestBuild_MemoriesGroupedByBlockExcludesCurrentBlock(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	var currentBlock, otherBlock string
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		currentBlock, err = tx.CreateBridgeBlock(ctx, "2026-07-29", "Current", nil)
		if err != nil {
			return err
		}
		otherBlock, err = tx.CreateBridgeBlock(ctx, "2026-07-28", "Trip Planning", nil)
		if err != nil {
			return err
		}
		if err := tx.AppendTurnToBlock(ctx, currentBlock, hmlrmodels.Turn{TurnID: "t-cur", BlockID: currentBlock, UserMessage: "current topic message"}, nil); err != nil {
			return err
		}
		if err := tx.AppendTurnToBlock(ctx, otherBlock, hmlrmodels.Turn{TurnID: "t-other", BlockID: otherBlock, UserMessage: "trip to Kyoto"}, nil); err != nil {
			return err
		}
		return tx.UpsertBlockMetadata(ctx, hmlrmodels.BlockMetadata{BlockID: otherBlock, GlobalTags: []string{"travel"}})
	}))

	h := New(kv)
	prompt, err := h.Build(ctx, Input{
		BlockID:  currentBlock,
		UserText: "where should we go again?",
		Memories: []hmlrmodels.ScoredMemory{
			{ID: "t-cur", Score: 0.99},
			{ID: "t-other", Score: 0.9},
		},
	})
	require.NoError(t, err)
	require.Contains(t, prompt, "trip to Kyoto")
	require.Contains(t, prompt, "[tag] travel")
	// The current block's own turn must not be duplicated into the
	// "Retrieved long-term memories" section — it already appears once, in
	// the current block's prior-turns section.
	count := strings.Count(prompt, "current topic message")
	require.Equal(t, 1, count)
}
