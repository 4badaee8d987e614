package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

func TestMemoryKV_GetTurnResolvesBlockID(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()
	var blockID string
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		blockID, err = tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet", nil)
		if err != nil {
			return err
		}
		return tx.AppendTurnToBlock(ctx, blockID, hmlrmodels.Turn{TurnID: "t1", UserMessage: "hi"}, nil)
	}))

	turn, ok, err := kv.GetTurn(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blockID, turn.BlockID)

	_, ok, err = kv.GetTurn(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKV_GetChunkResolvesOwningTurn(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		blockID, err := tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet", nil)
		if err != nil {
			return err
		}
		turn := hmlrmodels.Turn{TurnID: "t1", UserMessage: "I am vegetarian"}
		chunks := []hmlrmodels.Chunk{{ChunkID: "c1", TurnID: "t1", ChunkType: hmlrmodels.ChunkSentence, TextVerbatim: "I am vegetarian"}}
		return tx.AppendTurnToBlock(ctx, blockID, turn, chunks)
	}))

	chunk, ok, err := kv.GetChunk(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", chunk.TurnID)
	require.Equal(t, "I am vegetarian", chunk.TextVerbatim)

	_, ok, err = kv.GetChunk(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
