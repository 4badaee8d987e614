package profilestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
)

func TestLoad_MissingFileReturnsEmptyProfile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.json"))
	p, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, p.Entries)
}

func TestRefreshFromFacts_MarksConstraintsImmutableAndSkipsOtherCategories(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "profile.json"))
	facts := []hmlrmodels.Fact{
		{Key: "diet", Value: "vegetarian", Category: "constraint"},
		{Key: "color", Value: "blue", Category: "preference"},
		{Key: "job", Value: "engineer", Category: "other"},
	}
	require.NoError(t, s.RefreshFromFacts(context.Background(), facts))

	p, err := s.Load()
	require.NoError(t, err)
	require.Len(t, p.Entries, 2)

	byKey := make(map[string]Entry)
	for _, e := range p.Entries {
		byKey[e.Key] = e
	}
	require.True(t, byKey["diet"].Immutable)
	require.False(t, byKey["color"].Immutable)
	require.NotContains(t, byKey, "job")
}

func TestRefreshFromFacts_MergesRatherThanReplaces(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "profile.json"))
	require.NoError(t, s.RefreshFromFacts(context.Background(), []hmlrmodels.Fact{{Key: "diet", Value: "vegetarian", Category: "constraint"}}))
	require.NoError(t, s.RefreshFromFacts(context.Background(), []hmlrmodels.Fact{{Key: "color", Value: "blue", Category: "preference"}}))

	p, err := s.Load()
	require.NoError(t, err)
	require.Len(t, p.Entries, 2)
}

func TestScribe_FireThenDrainCompletesUpdate(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	blockID := "block1"
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertFacts(ctx, []hmlrmodels.Fact{{FactID: "f1", Key: "diet", Value: "vegetarian", Category: "constraint", TurnID: "t1", SourceBlockID: &blockID}})
	}))

	s := New(filepath.Join(t.TempDir(), "profile.json"))
	scribe := NewScribe(s, kv)
	scribe.Fire(ctx, blockID)

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, scribe.Drain(drainCtx))

	p, err := s.Load()
	require.NoError(t, err)
	require.Len(t, p.Entries, 1)
}
