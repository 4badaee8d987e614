package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

// pgKV is the default production KV backend: Postgres via pgx, with the
// vector/embedding blob columns colocated in the same database so the
// VectorIndex's "full scan over a blob column" (§4.1) reads from here.
type pgKV struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn, runs migrations, and returns a ready KV.
func NewPostgres(ctx context.Context, dsn string) (KV, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, hmlrerrors.NewConfigurationError("store.dsn", err)
	}
	cfg.MaxConns = 16
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, hmlrerrors.NewConfigurationError("store.dsn", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, hmlrerrors.NewConfigurationError("store.dsn", err)
	}

	kv := &pgKV{pool: pool}
	if err := kv.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return kv, nil
}

func (p *pgKV) Close() error {
	p.pool.Close()
	return nil
}

// migrate creates every table named in SPEC_FULL.md §6 if it does not
// already exist, following the inline CREATE TABLE IF NOT EXISTS /
// ALTER TABLE ADD COLUMN IF NOT EXISTS convention this codebase uses for
// its Postgres-backed stores.
func (p *pgKV) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			day_id TEXT NOT NULL,
			turn_sequence INT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			user_message TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			detail_level TEXT NOT NULL DEFAULT 'VERBATIM',
			compressed_content TEXT,
			keywords JSONB NOT NULL DEFAULT '[]'::jsonb,
			topics JSONB NOT NULL DEFAULT '[]'::jsonb,
			affect TEXT NOT NULL DEFAULT '',
			block_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_block ON turns(block_id)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL REFERENCES turns(turn_id),
			span_id TEXT,
			parent_chunk_id TEXT,
			chunk_type TEXT NOT NULL,
			text_verbatim TEXT NOT NULL,
			token_count INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_turn ON chunks(turn_id)`,
		`CREATE TABLE IF NOT EXISTS daily_ledger (
			block_id TEXT PRIMARY KEY,
			day_id TEXT NOT NULL,
			content_json TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			topic_label TEXT NOT NULL DEFAULT '',
			keywords JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
			pending_gardening BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_day_status ON daily_ledger(day_id, status)`,
		`CREATE TABLE IF NOT EXISTS fact_store (
			fact_id TEXT PRIMARY KEY,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			category TEXT NOT NULL,
			turn_id TEXT NOT NULL REFERENCES turns(turn_id),
			source_chunk_id TEXT NOT NULL,
			source_block_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_block ON fact_store(source_block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_turn ON fact_store(turn_id)`,
		`CREATE TABLE IF NOT EXISTS block_metadata (
			block_id TEXT PRIMARY KEY REFERENCES daily_ledger(block_id),
			global_tags JSONB NOT NULL DEFAULT '[]'::jsonb,
			section_rules JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS dossiers (
			dossier_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			search_summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS dossier_facts (
			dossier_id TEXT NOT NULL REFERENCES dossiers(dossier_id) ON DELETE CASCADE,
			fact_id TEXT NOT NULL,
			fact_text TEXT NOT NULL,
			PRIMARY KEY (dossier_id, fact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dossier_fact_embeddings (
			fact_id TEXT PRIMARY KEY,
			dossier_id TEXT NOT NULL REFERENCES dossiers(dossier_id) ON DELETE CASCADE,
			embedding BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dfe_dossier ON dossier_fact_embeddings(dossier_id)`,
		`CREATE TABLE IF NOT EXISTS dossier_search_embeddings (
			dossier_id TEXT PRIMARY KEY REFERENCES dossiers(dossier_id) ON DELETE CASCADE,
			embedding BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS dossier_provenance (
			prov_id TEXT PRIMARY KEY,
			dossier_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			source_block_id TEXT,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			embedding_id TEXT NOT NULL,
			index_name TEXT NOT NULL,
			dossier_id TEXT,
			turn_id TEXT,
			embedding BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (index_name, embedding_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_index ON embeddings(index_name)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return hmlrerrors.NewConfigurationError("store.migrate", fmt.Errorf("%s: %w", s[:min(40, len(s))], err))
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- Tx plumbing ---

type pgTx struct {
	tx pgx.Tx
}

func (p *pgKV) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return hmlrerrors.NewStorageWriteError("tx", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return hmlrerrors.NewStorageWriteError("tx", err)
	}
	return nil
}

func (t *pgTx) CreateBridgeBlock(ctx context.Context, dayID, topicLabel string, keywords []string) (string, error) {
	blockID := fmt.Sprintf("block_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
	kw, _ := json.Marshal(keywords)
	_, err := t.tx.Exec(ctx, `
INSERT INTO daily_ledger (block_id, day_id, status, topic_label, keywords, created_at, last_updated)
VALUES ($1, $2, 'ACTIVE', $3, $4, now(), now())`, blockID, dayID, topicLabel, kw)
	if err != nil {
		return "", hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	return blockID, nil
}

func (t *pgTx) UpdateBridgeBlockStatus(ctx context.Context, blockID string, status hmlrmodels.BlockStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE daily_ledger SET status=$1, last_updated=now() WHERE block_id=$2 AND status <> 'CLOSED'`, status, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	if tag.RowsAffected() == 0 {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q not found or CLOSED", blockID))
	}
	return nil
}

func (t *pgTx) UpdateBridgeBlockHeader(ctx context.Context, blockID, header string) error {
	_, err := t.tx.Exec(ctx, `UPDATE daily_ledger SET content_json=$1, last_updated=now() WHERE block_id=$2`, header, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	return nil
}

func (t *pgTx) UpdateBridgeBlockMetadataJSON(ctx context.Context, blockID string, metadataJSON string) error {
	return t.UpdateBridgeBlockHeader(ctx, blockID, metadataJSON)
}

func (t *pgTx) AppendTurnToBlock(ctx context.Context, blockID string, turn hmlrmodels.Turn, chunks []hmlrmodels.Chunk) error {
	var status string
	if err := t.tx.QueryRow(ctx, `SELECT status FROM daily_ledger WHERE block_id=$1`, blockID).Scan(&status); err != nil {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q not found: %w", blockID, err))
	}
	if status != string(hmlrmodels.BlockActive) {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q is not ACTIVE (status=%s)", blockID, status))
	}
	kw, _ := json.Marshal(turn.Keywords)
	tp, _ := json.Marshal(turn.Topics)
	_, err := t.tx.Exec(ctx, `
INSERT INTO turns (turn_id, session_id, day_id, turn_sequence, timestamp, user_message, assistant_response, detail_level, compressed_content, keywords, topics, affect, block_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		turn.TurnID, turn.SessionID, turn.DayID, turn.TurnSequence, turn.Timestamp, turn.UserMessage, turn.AssistantResponse,
		string(turn.DetailLevel), turn.CompressedContent, kw, tp, turn.Affect, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("turns", err)
	}
	for _, c := range chunks {
		_, err := t.tx.Exec(ctx, `
INSERT INTO chunks (chunk_id, turn_id, span_id, parent_chunk_id, chunk_type, text_verbatim, token_count)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, c.ChunkID, c.TurnID, c.SpanID, c.ParentChunkID, string(c.ChunkType), c.TextVerbatim, c.TokenCount)
		if err != nil {
			return hmlrerrors.NewStorageWriteError("chunks", err)
		}
	}
	_, err = t.tx.Exec(ctx, `UPDATE daily_ledger SET last_updated=now() WHERE block_id=$1`, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	return nil
}

func (t *pgTx) MarkBlockPendingGardening(ctx context.Context, blockID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE daily_ledger SET pending_gardening=true WHERE block_id=$1`, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	return nil
}

func (t *pgTx) MarkBlockGardened(ctx context.Context, blockID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE daily_ledger SET pending_gardening=false WHERE block_id=$1`, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	return nil
}

func (t *pgTx) InsertFacts(ctx context.Context, facts []hmlrmodels.Fact) error {
	for _, f := range facts {
		_, err := t.tx.Exec(ctx, `
INSERT INTO fact_store (fact_id, key, value, category, turn_id, source_chunk_id, source_block_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, f.FactID, f.Key, f.Value, f.Category, f.TurnID, f.SourceChunkID, f.SourceBlockID, f.CreatedAt)
		if err != nil {
			return hmlrerrors.NewStorageWriteError("fact_store", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateFactsBlockID(ctx context.Context, turnID, blockID string) (int, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE fact_store SET source_block_id=$1 WHERE turn_id=$2 AND source_block_id IS NULL`, blockID, turnID)
	if err != nil {
		return 0, hmlrerrors.NewStorageWriteError("fact_store", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) DeleteFactsForTurn(ctx context.Context, turnID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM fact_store WHERE turn_id=$1`, turnID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("fact_store", err)
	}
	return nil
}

func (t *pgTx) UpsertBlockMetadata(ctx context.Context, meta hmlrmodels.BlockMetadata) error {
	gt, _ := json.Marshal(meta.GlobalTags)
	sr, _ := json.Marshal(meta.SectionRules)
	_, err := t.tx.Exec(ctx, `
INSERT INTO block_metadata (block_id, global_tags, section_rules) VALUES ($1,$2,$3)
ON CONFLICT (block_id) DO UPDATE SET global_tags=EXCLUDED.global_tags, section_rules=EXCLUDED.section_rules`,
		meta.BlockID, gt, sr)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("block_metadata", err)
	}
	return nil
}

func (t *pgTx) DeleteBlockMetadata(ctx context.Context, blockID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM block_metadata WHERE block_id=$1`, blockID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("block_metadata", err)
	}
	return nil
}

func (t *pgTx) UpsertDossier(ctx context.Context, d hmlrmodels.Dossier) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO dossiers (dossier_id, title, summary, search_summary, created_at, last_updated)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (dossier_id) DO UPDATE SET title=EXCLUDED.title, summary=EXCLUDED.summary, search_summary=EXCLUDED.search_summary, last_updated=EXCLUDED.last_updated`,
		d.DossierID, d.Title, d.Summary, d.SearchSummary, d.CreatedAt, d.LastUpdated)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("dossiers", err)
	}
	return nil
}

func (t *pgTx) InsertDossierFacts(ctx context.Context, facts []hmlrmodels.DossierFact) error {
	for _, f := range facts {
		_, err := t.tx.Exec(ctx, `
INSERT INTO dossier_facts (dossier_id, fact_id, fact_text) VALUES ($1,$2,$3)
ON CONFLICT (dossier_id, fact_id) DO UPDATE SET fact_text=EXCLUDED.fact_text`, f.DossierID, f.FactID, f.FactText)
		if err != nil {
			return hmlrerrors.NewStorageWriteError("dossier_facts", err)
		}
	}
	return nil
}

func (t *pgTx) DeleteDossier(ctx context.Context, dossierID string) error {
	// ON DELETE CASCADE on dossier_facts/dossier_fact_embeddings/dossier_search_embeddings
	// handles the cascade named in §3/§4.8.
	_, err := t.tx.Exec(ctx, `DELETE FROM dossiers WHERE dossier_id=$1`, dossierID)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("dossiers", err)
	}
	return nil
}

func (t *pgTx) PutEmbedding(ctx context.Context, row EmbeddingRow) error {
	blob := encodeVector(row.Vector)
	if row.Index == "dossier_fact" {
		_, err := t.tx.Exec(ctx, `
INSERT INTO dossier_fact_embeddings (fact_id, dossier_id, embedding, created_at) VALUES ($1,$2,$3, now())
ON CONFLICT (fact_id) DO UPDATE SET dossier_id=EXCLUDED.dossier_id, embedding=EXCLUDED.embedding`, row.ID, row.DossierID, blob)
		if err != nil {
			return hmlrerrors.NewStorageWriteError("dossier_fact_embeddings", err)
		}
		return nil
	}
	if row.Index == "dossier_search" {
		_, err := t.tx.Exec(ctx, `
INSERT INTO dossier_search_embeddings (dossier_id, embedding, created_at) VALUES ($1,$2, now())
ON CONFLICT (dossier_id) DO UPDATE SET embedding=EXCLUDED.embedding`, row.ID, blob)
		if err != nil {
			return hmlrerrors.NewStorageWriteError("dossier_search_embeddings", err)
		}
		return nil
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO embeddings (embedding_id, index_name, dossier_id, turn_id, embedding, created_at) VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (index_name, embedding_id) DO UPDATE SET embedding=EXCLUDED.embedding`, row.ID, row.Index, nullIfEmpty(row.DossierID), row.ID, blob)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("embeddings", err)
	}
	return nil
}

func (t *pgTx) DeleteEmbedding(ctx context.Context, index, id string) error {
	switch index {
	case "dossier_fact":
		_, err := t.tx.Exec(ctx, `DELETE FROM dossier_fact_embeddings WHERE fact_id=$1`, id)
		return storageErr("dossier_fact_embeddings", err)
	case "dossier_search":
		_, err := t.tx.Exec(ctx, `DELETE FROM dossier_search_embeddings WHERE dossier_id=$1`, id)
		return storageErr("dossier_search_embeddings", err)
	default:
		_, err := t.tx.Exec(ctx, `DELETE FROM embeddings WHERE index_name=$1 AND embedding_id=$2`, index, id)
		return storageErr("embeddings", err)
	}
}

func (t *pgTx) DeleteEmbeddingsByDossier(ctx context.Context, dossierID string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM dossier_fact_embeddings WHERE dossier_id=$1`, dossierID); err != nil {
		return storageErr("dossier_fact_embeddings", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM dossier_search_embeddings WHERE dossier_id=$1`, dossierID); err != nil {
		return storageErr("dossier_search_embeddings", err)
	}
	return nil
}

func (t *pgTx) AppendProvenance(ctx context.Context, entry hmlrmodels.DossierProvenanceEntry) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO dossier_provenance (prov_id, dossier_id, operation, source_block_id, timestamp, payload)
VALUES ($1,$2,$3,$4,$5,$6)`, entry.ProvID, entry.DossierID, string(entry.Operation), entry.SourceBlockID, entry.Timestamp, entry.Payload)
	if err != nil {
		return hmlrerrors.NewStorageWriteError("dossier_provenance", err)
	}
	return nil
}

func storageErr(table string, err error) error {
	if err == nil {
		return nil
	}
	return hmlrerrors.NewStorageWriteError(table, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
