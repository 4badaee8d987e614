package governor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/dossierrouter"
	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
	"github.com/sv-dev/hmlr/internal/vectorindex"
)

type fakeEmbedder struct {
	vecs map[string][]float32
	dim  int
}

func (f *fakeEmbedder) Dimensions() int   { return f.dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			v = make([]float32, f.dim)
		}
		out[i] = v
	}
	return out, nil
}

type fakeProvider struct {
	response string
	delay    time.Duration
	calls    int
}

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.response, nil
}

func defaultCfg() hmlrconfig.GovernorConfig {
	return hmlrconfig.GovernorConfig{
		TaskTimeout:      50 * time.Millisecond,
		MemTopK:          5,
		MemThreshold:     0.3,
		DossierTopK:      5,
		DossierThreshold: 0.3,
	}
}

func TestGovern_RoutingTaskMatchesExistingBlock(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	blockID, err := func() (string, error) {
		var id string
		err := kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			id, err = tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet", nil)
			return err
		})
		return id, err
	}()
	require.NoError(t, err)

	provider := &fakeProvider{response: fmt.Sprintf(`{"matched_block_id":%q,"is_new_topic":false,"suggested_label":""}`, blockID)}
	g := New(kv, nil, nil, provider, "nano", defaultCfg())

	res := g.Govern(ctx, "2026-07-29", "more about my diet")
	require.NotNil(t, res.Routing.MatchedBlockID)
	require.Equal(t, blockID, *res.Routing.MatchedBlockID)
	require.False(t, res.Routing.IsNewTopic)
}

func TestGovern_RoutingTaskTimeoutFallsBackToNewTopic(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	err := kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateBridgeBlock(ctx, "2026-07-29", "Diet", nil)
		return err
	})
	require.NoError(t, err)

	provider := &fakeProvider{response: `{"is_new_topic":true}`, delay: 200 * time.Millisecond}
	cfg := defaultCfg()
	cfg.TaskTimeout = 10 * time.Millisecond
	g := New(kv, nil, nil, provider, "nano", cfg)

	res := g.Govern(ctx, "2026-07-29", "anything")
	require.Nil(t, res.Routing.MatchedBlockID)
	require.True(t, res.Routing.IsNewTopic)
	require.Equal(t, "General Discussion", res.Routing.SuggestedLabel)
}

func TestGovern_MemoryTaskFiltersByThreshold(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	embedder := &fakeEmbedder{dim: 2, vecs: map[string][]float32{
		"query": {1, 0},
	}}
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutEmbedding(ctx, store.EmbeddingRow{ID: "chunk1", Index: "memory", Vector: []float32{0.99, 0.1}}); err != nil {
			return err
		}
		return tx.PutEmbedding(ctx, store.EmbeddingRow{ID: "chunk2", Index: "memory", Vector: []float32{0, 1}})
	}))

	vi := vectorindex.New(kv, embedder)
	cfg := defaultCfg()
	cfg.MemThreshold = 0.8
	g := New(kv, vi, nil, nil, "nano", cfg)

	res := g.Govern(ctx, "2026-07-29", "query")
	require.Len(t, res.Memories, 1)
	require.Equal(t, "chunk1", res.Memories[0].ID)
}

func TestGovern_FactTaskMatchesKeywords(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertFacts(ctx, []hmlrmodels.Fact{
			{FactID: "f1", Key: "diet", Value: "vegetarian", TurnID: "t1"},
			{FactID: "f2", Key: "job", Value: "engineer", TurnID: "t1"},
		})
	}))

	g := New(kv, nil, nil, nil, "nano", defaultCfg())
	res := g.Govern(ctx, "2026-07-29", "tell me about my diet again")
	require.Len(t, res.Facts, 1)
	require.Equal(t, "f1", res.Facts[0].FactID)
}

func TestGovern_DossierTaskDelegatesToRouter(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()
	vecs := map[string][]float32{"family trip": {1, 0}}
	embedder := &fakeEmbedder{dim: 2, vecs: vecs}
	require.NoError(t, kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertDossier(ctx, hmlrmodels.Dossier{DossierID: "d1", Title: "Trips", CreatedAt: time.Now(), LastUpdated: time.Now()}); err != nil {
			return err
		}
		if err := tx.InsertDossierFacts(ctx, []hmlrmodels.DossierFact{{FactID: "df1", DossierID: "d1", FactText: "family trip"}}); err != nil {
			return err
		}
		return tx.PutEmbedding(ctx, store.EmbeddingRow{ID: "df1", Index: "dossier_fact", DossierID: "d1", Vector: vecs["family trip"]})
	}))

	vi := vectorindex.New(kv, embedder)
	router := dossierrouter.New(kv, vi, embedder, nil, "nano", hmlrconfig.DossierRouterConfig{VoteThreshold: 0.4, MatchHitCount: 1, MatchSimilarity: 0.5})
	g := New(kv, nil, router, nil, "nano", defaultCfg())

	res := g.Govern(ctx, "2026-07-29", "family trip")
	require.Len(t, res.Dossiers, 1)
	require.Equal(t, "d1", res.Dossiers[0].Dossier.DossierID)
}

func TestGovern_AllTasksFailOpenWhenCollaboratorsNil(t *testing.T) {
	kv := store.NewMemory()
	g := New(kv, nil, nil, nil, "nano", defaultCfg())
	res := g.Govern(context.Background(), "2026-07-29", "hello")
	require.True(t, res.Routing.IsNewTopic)
	require.Empty(t, res.Memories)
	require.Empty(t, res.Dossiers)
}
