package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/store"
)

// fakeEmbedder maps fixed strings to fixed vectors so tests don't depend on
// a real embedding endpoint.
type fakeEmbedder struct {
	dims  int
	vecs  map[string][]float32
}

func (f *fakeEmbedder) Dimensions() int   { return f.dims }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			v = make([]float32, f.dims)
		}
		out[i] = v
	}
	return out, nil
}

func seedEmbeddings(t *testing.T, kv store.KV) {
	t.Helper()
	err := kv.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		rows := []store.EmbeddingRow{
			{ID: "a", Index: "memory", Vector: []float32{1, 0, 0}},
			{ID: "b", Index: "memory", Vector: []float32{0, 1, 0}},
			{ID: "c", Index: "memory", Vector: []float32{0.9, 0.1, 0}},
		}
		for _, r := range rows {
			if err := tx.PutEmbedding(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSearchVector_RanksBySimilarityDescending(t *testing.T) {
	kv := store.NewMemory()
	seedEmbeddings(t, kv)
	vi := New(kv, &fakeEmbedder{dims: 3})

	matches, err := vi.SearchVector(context.Background(), "memory", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "a", matches[0].ID)
	require.Equal(t, "c", matches[1].ID)
	require.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchText_EmbedsThenSearches(t *testing.T) {
	kv := store.NewMemory()
	seedEmbeddings(t, kv)
	vi := New(kv, &fakeEmbedder{dims: 3, vecs: map[string][]float32{"query": {0, 1, 0}}})

	matches, err := vi.SearchText(context.Background(), "memory", "query", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)
}

func TestSearchVector_DimensionMismatchIsSchemaMismatch(t *testing.T) {
	kv := store.NewMemory()
	seedEmbeddings(t, kv)
	vi := New(kv, &fakeEmbedder{dims: 3})

	_, err := vi.SearchVector(context.Background(), "memory", []float32{1, 0}, 2)
	require.Error(t, err)
}
