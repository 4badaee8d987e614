// Package store implements C1: the KV schema, migrations, and atomic
// multi-row transactions that back every other component. The KV
// exclusively owns all persistent rows (see SPEC_FULL.md §3 Ownership);
// every other package holds only identifiers or transient copies.
package store

import (
	"context"
	"time"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

// EmbeddingRow is one row of a blob-backed vector column: an id, the
// float32[D] blob (little-endian, per §6), and which logical index it
// belongs to ("memory", "dossier_fact", "dossier_search").
type EmbeddingRow struct {
	ID        string
	Index     string
	DossierID string // only set for dossier_fact rows, used to group by owner
	Vector    []float32
	CreatedAt time.Time
}

// KV is the top-level persistence handle. Every write that must be atomic
// across multiple tables goes through WithTx; reads may use either the
// top-level methods (each independently transactional) or a Tx obtained
// inside WithTx.
type KV interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Read-only convenience methods, each executed in its own implicit
	// transaction. Safe to call outside WithTx.
	GetActiveBridgeBlocks(ctx context.Context, dayID string) ([]hmlrmodels.BridgeBlock, error)

	// ListClosedBlocksBefore backs the cold-storage archive maintenance
	// operation: every CLOSED block last touched before the cutoff,
	// oldest first.
	ListClosedBlocksBefore(ctx context.Context, before time.Time) ([]hmlrmodels.BridgeBlock, error)
	GetBlock(ctx context.Context, blockID string) (hmlrmodels.BridgeBlock, error)
	GetFactsForBlock(ctx context.Context, blockID string) ([]hmlrmodels.Fact, error)
	GetBlockMetadata(ctx context.Context, blockID string) (hmlrmodels.BlockMetadata, error)
	GetRecentTurns(ctx context.Context, limit int) ([]hmlrmodels.Turn, error)
	GetTurnsForBlock(ctx context.Context, blockID string) ([]hmlrmodels.Turn, error)
	GetChunksForTurn(ctx context.Context, turnID string) ([]hmlrmodels.Chunk, error)

	// GetChunk and GetTurn resolve a single memory-index hit (§4.5 point 2)
	// back to its owning turn/block for ContextHydrator's "group memories
	// by block" requirement (§4.9). ok is false, not an error, when the id
	// is absent (e.g. a stale embedding row surviving a deleted turn).
	GetChunk(ctx context.Context, chunkID string) (hmlrmodels.Chunk, bool, error)
	GetTurn(ctx context.Context, turnID string) (hmlrmodels.Turn, bool, error)
	GetDossier(ctx context.Context, dossierID string) (hmlrmodels.Dossier, error)
	GetDossierFacts(ctx context.Context, dossierID string) ([]hmlrmodels.DossierFact, error)
	ListPendingGardeningBlocks(ctx context.Context) ([]string, error)

	// SearchFactsByKeywords scans the entire fact store (not just one
	// block) for facts whose key or value contains any of keywords
	// case-insensitively, most recent first, capped at limit. This backs
	// the Governor's fact lookup task (§4.5), which has no single block
	// to scope to.
	SearchFactsByKeywords(ctx context.Context, keywords []string, limit int) ([]hmlrmodels.Fact, error)

	// ScanEmbeddings returns every row of the named logical index. Callers
	// (VectorIndex) perform the cosine scan in-process; this is the "full
	// scan over a blob column" mandated by §4.1.
	ScanEmbeddings(ctx context.Context, index string) ([]EmbeddingRow, error)

	Close() error
}

// Tx is the set of mutations available inside a single atomic transaction.
// The engine turn pipeline's atomicity requirement (§4.6) is expressed by
// performing steps 4, 7, and 8 inside one WithTx call; step 3's routing
// (BridgeLedger.ApplyRouting) commits in its own transaction before that.
type Tx interface {
	CreateBridgeBlock(ctx context.Context, dayID, topicLabel string, keywords []string) (string, error)
	UpdateBridgeBlockStatus(ctx context.Context, blockID string, status hmlrmodels.BlockStatus) error
	UpdateBridgeBlockHeader(ctx context.Context, blockID, header string) error
	UpdateBridgeBlockMetadataJSON(ctx context.Context, blockID string, metadataJSON string) error
	AppendTurnToBlock(ctx context.Context, blockID string, turn hmlrmodels.Turn, chunks []hmlrmodels.Chunk) error
	MarkBlockPendingGardening(ctx context.Context, blockID string) error
	MarkBlockGardened(ctx context.Context, blockID string) error

	InsertFacts(ctx context.Context, facts []hmlrmodels.Fact) error
	UpdateFactsBlockID(ctx context.Context, turnID, blockID string) (int, error)
	DeleteFactsForTurn(ctx context.Context, turnID string) error

	UpsertBlockMetadata(ctx context.Context, meta hmlrmodels.BlockMetadata) error
	DeleteBlockMetadata(ctx context.Context, blockID string) error

	UpsertDossier(ctx context.Context, d hmlrmodels.Dossier) error
	InsertDossierFacts(ctx context.Context, facts []hmlrmodels.DossierFact) error
	DeleteDossier(ctx context.Context, dossierID string) error // cascades to facts + embeddings

	PutEmbedding(ctx context.Context, row EmbeddingRow) error
	DeleteEmbedding(ctx context.Context, index, id string) error
	DeleteEmbeddingsByDossier(ctx context.Context, dossierID string) error

	AppendProvenance(ctx context.Context, entry hmlrmodels.DossierProvenanceEntry) error
}
