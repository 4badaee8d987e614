package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/sv-dev/hmlr/internal/embedding"
)

// qdrantIndex is the alternate VectorIndex backend, grounded in this
// codebase's persistence/databases Qdrant adapter. One collection per
// logical index name, all sharing the same embedder's dimension.
type qdrantIndex struct {
	client   *qdrant.Client
	embedder embedding.Embedder
	prefix   string
}

// NewQdrant connects to a Qdrant instance addressed by dsn (host:port or a
// qdrant:// URL, optionally carrying ?api_key=...). collectionPrefix is
// prepended to the logical index name to form the Qdrant collection name,
// so one deployment can host memory/dossier_fact/dossier_search side by
// side.
func NewQdrant(dsn, collectionPrefix string, embedder embedding.Embedder) (VectorIndex, error) {
	if !strings.Contains(dsn, "://") {
		dsn = "qdrant://" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &qdrantIndex{client: client, embedder: embedder, prefix: collectionPrefix}, nil
}

func (q *qdrantIndex) Dimensions() int { return q.embedder.Dimensions() }

func (q *qdrantIndex) collection(index string) string {
	return strings.TrimSuffix(q.prefix, "_") + "_" + index
}

func (q *qdrantIndex) ensureCollection(ctx context.Context, name string) error {
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.embedder.Dimensions()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// Upsert writes one vector, keyed by its logical id, into the named index's
// collection. Qdrant only accepts UUID or integer point ids, so a
// non-UUID id is deterministically rehashed and the original kept in the
// payload, same convention this codebase uses elsewhere.
func (q *qdrantIndex) Upsert(ctx context.Context, index, id, dossierID string, vector []float32) error {
	name := q.collection(index)
	if err := q.ensureCollection(ctx, name); err != nil {
		return err
	}
	pointUUID := id
	if _, err := uuid.Parse(id); err != nil {
		pointUUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}
	payload := map[string]any{"_original_id": id}
	if dossierID != "" {
		payload["dossier_id"] = dossierID
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointUUID),
			Vectors: qdrant.NewVectorsDense(vector),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	return err
}

func (q *qdrantIndex) SearchText(ctx context.Context, index string, queryText string, topK int) ([]Match, error) {
	vecs, err := q.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, err
	}
	return q.SearchVector(ctx, index, vecs[0], topK)
}

func (q *qdrantIndex) SearchVector(ctx context.Context, index string, query []float32, topK int) ([]Match, error) {
	name := q.collection(index)
	if topK <= 0 {
		topK = 10
	}
	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQueryDense(query),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		id := h.Id.GetUuid()
		dossierID := ""
		if h.Payload != nil {
			if v, ok := h.Payload["_original_id"]; ok {
				id = v.GetStringValue()
			}
			if v, ok := h.Payload["dossier_id"]; ok {
				dossierID = v.GetStringValue()
			}
		}
		out = append(out, Match{ID: id, DossierID: dossierID, Similarity: h.Score})
	}
	return out, nil
}
