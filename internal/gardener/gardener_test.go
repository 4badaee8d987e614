package gardener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/dossierrouter"
	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
	"github.com/sv-dev/hmlr/internal/vectorindex"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Dimensions() int   { return f.dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}

type fakeProvider struct{ response string }

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	return f.response, nil
}

func setupBlock(t *testing.T, kv store.KV) (blockID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		id, err := tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet & Work", nil)
		if err != nil {
			return err
		}
		blockID = id
		turn := hmlrmodels.Turn{TurnID: "t1", DayID: "2026-07-29", TurnSequence: 1, Timestamp: time.Now(), UserMessage: "I am vegetarian. I work as an engineer."}
		chunks := []hmlrmodels.Chunk{
			{ChunkID: "c1", TurnID: "t1", ChunkType: hmlrmodels.ChunkSentence, TextVerbatim: "I am vegetarian."},
			{ChunkID: "c2", TurnID: "t1", ChunkType: hmlrmodels.ChunkSentence, TextVerbatim: "I work as an engineer."},
		}
		if err := tx.AppendTurnToBlock(ctx, blockID, turn, chunks); err != nil {
			return err
		}
		facts := []hmlrmodels.Fact{
			{FactID: "f1", Key: "diet", Value: "vegetarian", Category: "constraint", TurnID: "t1", SourceChunkID: "c1", SourceBlockID: &blockID},
			{FactID: "f2", Key: "job", Value: "engineer", Category: "other", TurnID: "t1", SourceChunkID: "c2", SourceBlockID: &blockID},
		}
		if err := tx.InsertFacts(ctx, facts); err != nil {
			return err
		}
		return tx.MarkBlockPendingGardening(ctx, blockID)
	}))
	return blockID
}

func newGardener(kv store.KV, provider *fakeProvider) *Gardener {
	embedder := &fakeEmbedder{dim: 2}
	vi := vectorindex.New(kv, embedder)
	router := dossierrouter.New(kv, vi, embedder, provider, "nano", hmlrconfig.DossierRouterConfig{VoteThreshold: 0.4, MatchHitCount: 1, MatchSimilarity: 0.5})
	return New(kv, router, embedder, provider, "nano")
}

func TestGarden_SplitsStickyAndDossierBoundFacts(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	blockID := setupBlock(t, kv)
	g := newGardener(kv, &fakeProvider{response: "no"})

	require.NoError(t, g.Garden(ctx, blockID))

	meta, err := kv.GetBlockMetadata(ctx, blockID)
	require.NoError(t, err)
	require.Contains(t, meta.GlobalTags, "diet: vegetarian")
	require.Len(t, meta.SectionRules, 1)

	rows, err := kv.ScanEmbeddings(ctx, "memory")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	pending, err := kv.ListPendingGardeningBlocks(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestGarden_DossierBoundFactCreatesDossier(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	blockID := setupBlock(t, kv)
	g := newGardener(kv, &fakeProvider{response: "no"})

	require.NoError(t, g.Garden(ctx, blockID))

	facts, err := kv.GetFactsForBlock(ctx, blockID)
	require.NoError(t, err)
	require.Len(t, facts, 2)

	routed, err := kv.ScanEmbeddings(ctx, "dossier_fact")
	require.NoError(t, err)
	require.Len(t, routed, 1)
	require.Equal(t, "f2", routed[0].ID)
	_, err = kv.GetDossier(ctx, routed[0].DossierID)
	require.NoError(t, err)
}

func TestGarden_IsIdempotent(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	blockID := setupBlock(t, kv)
	g := newGardener(kv, &fakeProvider{response: "no"})

	require.NoError(t, g.Garden(ctx, blockID))
	require.NoError(t, g.Garden(ctx, blockID))

	meta, err := kv.GetBlockMetadata(ctx, blockID)
	require.NoError(t, err)
	require.Len(t, meta.GlobalTags, 1) // no duplication on re-run

	rows, err := kv.ScanEmbeddings(ctx, "memory")
	require.NoError(t, err)
	require.Len(t, rows, 2) // PutEmbedding upserts by chunk id, not duplicated
}

func TestGardenPending_ProcessesQueuedBlocksOnly(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	blockID := setupBlock(t, kv)
	g := newGardener(kv, &fakeProvider{response: "no"})

	n, err := g.GardenPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := kv.ListPendingGardeningBlocks(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	_ = blockID
}

func TestChanQueue_EnqueueDequeueRoundTrip(t *testing.T) {
	q := NewChanQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "block1"))
	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "block1", id)
}
