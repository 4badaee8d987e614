// Package vectorindex implements C2's VectorIndex collaborator: cosine
// similarity search over embedding vectors. The default backend is the
// "full scan over a blob column inside the KV" mandated by §4.1; an
// alternate Qdrant-backed implementation lives in qdrant.go behind the
// same interface.
package vectorindex

import (
	"context"
	"math"
	"sort"

	"github.com/sv-dev/hmlr/internal/embedding"
	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/store"
)

// Match is one scored hit from a similarity search.
type Match struct {
	ID         string
	DossierID  string
	Similarity float32
}

// VectorIndex searches a named logical index ("memory", "dossier_fact",
// "dossier_search") for the vectors most similar to a query.
//
// Write and read paths may be bound to different embedding models (the
// dual-model option in §4.1); SearchText re-embeds with whatever model this
// index instance was constructed with, and the caller is responsible for
// choosing a read-path index whose declared dimension matches what was
// written.
type VectorIndex interface {
	SearchText(ctx context.Context, index string, queryText string, topK int) ([]Match, error)
	SearchVector(ctx context.Context, index string, queryVector []float32, topK int) ([]Match, error)
	Dimensions() int
}

// kvScan is the default backend: it pulls every row of the named index out
// of the KV and scores them in process.
type kvScan struct {
	kv       store.KV
	embedder embedding.Embedder
}

// New builds the default KV-blob-scan VectorIndex, bound to embedder for
// query-time text embedding.
func New(kv store.KV, embedder embedding.Embedder) VectorIndex {
	return &kvScan{kv: kv, embedder: embedder}
}

func (k *kvScan) Dimensions() int { return k.embedder.Dimensions() }

func (k *kvScan) SearchText(ctx context.Context, index string, queryText string, topK int) ([]Match, error) {
	vecs, err := k.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, err
	}
	return k.SearchVector(ctx, index, vecs[0], topK)
}

func (k *kvScan) SearchVector(ctx context.Context, index string, query []float32, topK int) ([]Match, error) {
	rows, err := k.kv.ScanEmbeddings(ctx, index)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(rows))
	for _, r := range rows {
		if len(r.Vector) != len(query) {
			return nil, hmlrerrors.NewSchemaMismatch(len(query), len(r.Vector))
		}
		out = append(out, Match{ID: r.ID, DossierID: r.DossierID, Similarity: cosine(query, r.Vector)})
	}
	// ScanEmbeddings returns rows oldest-first; SliceStable preserves that
	// ordering for equal-similarity ties (§4.1 "tie-break by insertion
	// order, older first").
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
