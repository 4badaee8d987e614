package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

func (p *pgKV) GetActiveBridgeBlocks(ctx context.Context, dayID string) ([]hmlrmodels.BridgeBlock, error) {
	rows, err := p.pool.Query(ctx, `
SELECT block_id, day_id, topic_label, keywords, status, created_at, last_updated, content_json
FROM daily_ledger WHERE day_id=$1 ORDER BY created_at ASC`, dayID)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	defer rows.Close()
	var out []hmlrmodels.BridgeBlock
	for rows.Next() {
		var b hmlrmodels.BridgeBlock
		var kw []byte
		var status string
		if err := rows.Scan(&b.BlockID, &b.DayID, &b.TopicLabel, &kw, &status, &b.CreatedAt, &b.LastUpdated, &b.Header); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("daily_ledger", err)
		}
		_ = json.Unmarshal(kw, &b.Keywords)
		b.Status = hmlrmodels.BlockStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *pgKV) ListClosedBlocksBefore(ctx context.Context, before time.Time) ([]hmlrmodels.BridgeBlock, error) {
	rows, err := p.pool.Query(ctx, `
SELECT block_id, day_id, topic_label, keywords, status, created_at, last_updated, content_json
FROM daily_ledger WHERE status='CLOSED' AND last_updated < $1 ORDER BY last_updated ASC`, before)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	defer rows.Close()
	var out []hmlrmodels.BridgeBlock
	for rows.Next() {
		var b hmlrmodels.BridgeBlock
		var kw []byte
		var status string
		if err := rows.Scan(&b.BlockID, &b.DayID, &b.TopicLabel, &kw, &status, &b.CreatedAt, &b.LastUpdated, &b.Header); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("daily_ledger", err)
		}
		_ = json.Unmarshal(kw, &b.Keywords)
		b.Status = hmlrmodels.BlockStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *pgKV) GetBlock(ctx context.Context, blockID string) (hmlrmodels.BridgeBlock, error) {
	var b hmlrmodels.BridgeBlock
	var kw []byte
	var status string
	err := p.pool.QueryRow(ctx, `
SELECT block_id, day_id, topic_label, keywords, status, created_at, last_updated, content_json
FROM daily_ledger WHERE block_id=$1`, blockID).Scan(&b.BlockID, &b.DayID, &b.TopicLabel, &kw, &status, &b.CreatedAt, &b.LastUpdated, &b.Header)
	if err != nil {
		return hmlrmodels.BridgeBlock{}, hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	_ = json.Unmarshal(kw, &b.Keywords)
	b.Status = hmlrmodels.BlockStatus(status)
	return b, nil
}

func (p *pgKV) GetFactsForBlock(ctx context.Context, blockID string) ([]hmlrmodels.Fact, error) {
	rows, err := p.pool.Query(ctx, `
SELECT fact_id, key, value, category, turn_id, source_chunk_id, source_block_id, created_at
FROM fact_store WHERE source_block_id=$1 ORDER BY created_at ASC`, blockID)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("fact_store", err)
	}
	defer rows.Close()
	var out []hmlrmodels.Fact
	for rows.Next() {
		var f hmlrmodels.Fact
		if err := rows.Scan(&f.FactID, &f.Key, &f.Value, &f.Category, &f.TurnID, &f.SourceChunkID, &f.SourceBlockID, &f.CreatedAt); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("fact_store", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchFactsByKeywords scans fact_store for any row whose key or value
// ILIKEs one of keywords, newest first, capped at limit. Postgres expands
// the pattern list with unnest rather than building N OR clauses.
func (p *pgKV) SearchFactsByKeywords(ctx context.Context, keywords []string, limit int) ([]hmlrmodels.Fact, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(keywords))
	for i, k := range keywords {
		patterns[i] = "%" + k + "%"
	}
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT fact_id, key, value, category, turn_id, source_chunk_id, source_block_id, created_at
FROM fact_store
WHERE EXISTS (
	SELECT 1 FROM unnest($1::text[]) AS pat WHERE key ILIKE pat OR value ILIKE pat
)
ORDER BY created_at DESC LIMIT $2`, patterns, limit)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("fact_store", err)
	}
	defer rows.Close()
	var out []hmlrmodels.Fact
	for rows.Next() {
		var f hmlrmodels.Fact
		if err := rows.Scan(&f.FactID, &f.Key, &f.Value, &f.Category, &f.TurnID, &f.SourceChunkID, &f.SourceBlockID, &f.CreatedAt); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("fact_store", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *pgKV) GetBlockMetadata(ctx context.Context, blockID string) (hmlrmodels.BlockMetadata, error) {
	var md hmlrmodels.BlockMetadata
	md.BlockID = blockID
	var gt, sr []byte
	err := p.pool.QueryRow(ctx, `SELECT global_tags, section_rules FROM block_metadata WHERE block_id=$1`, blockID).Scan(&gt, &sr)
	if err != nil {
		return md, nil // absence of a row means "not gardened yet", not an error
	}
	_ = json.Unmarshal(gt, &md.GlobalTags)
	_ = json.Unmarshal(sr, &md.SectionRules)
	return md, nil
}

func (p *pgKV) GetRecentTurns(ctx context.Context, limit int) ([]hmlrmodels.Turn, error) {
	rows, err := p.pool.Query(ctx, `
SELECT turn_id, session_id, day_id, turn_sequence, timestamp, user_message, assistant_response, detail_level, compressed_content, keywords, topics, affect, block_id
FROM turns ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("turns", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (p *pgKV) GetTurnsForBlock(ctx context.Context, blockID string) ([]hmlrmodels.Turn, error) {
	rows, err := p.pool.Query(ctx, `
SELECT turn_id, session_id, day_id, turn_sequence, timestamp, user_message, assistant_response, detail_level, compressed_content, keywords, topics, affect, block_id
FROM turns WHERE block_id=$1 ORDER BY turn_sequence ASC`, blockID)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("turns", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]hmlrmodels.Turn, error) {
	var out []hmlrmodels.Turn
	for rows.Next() {
		var t hmlrmodels.Turn
		var kw, tp []byte
		var detail string
		var blockID *string
		if err := rows.Scan(&t.TurnID, &t.SessionID, &t.DayID, &t.TurnSequence, &t.Timestamp, &t.UserMessage, &t.AssistantResponse, &detail, &t.CompressedContent, &kw, &tp, &t.Affect, &blockID); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("turns", err)
		}
		_ = json.Unmarshal(kw, &t.Keywords)
		_ = json.Unmarshal(tp, &t.Topics)
		t.DetailLevel = hmlrmodels.DetailLevel(detail)
		if blockID != nil {
			t.BlockID = *blockID
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *pgKV) GetChunksForTurn(ctx context.Context, turnID string) ([]hmlrmodels.Chunk, error) {
	rows, err := p.pool.Query(ctx, `
SELECT chunk_id, turn_id, span_id, parent_chunk_id, chunk_type, text_verbatim, token_count
FROM chunks WHERE turn_id=$1`, turnID)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("chunks", err)
	}
	defer rows.Close()
	var out []hmlrmodels.Chunk
	for rows.Next() {
		var c hmlrmodels.Chunk
		var ct string
		if err := rows.Scan(&c.ChunkID, &c.TurnID, &c.SpanID, &c.ParentChunkID, &ct, &c.TextVerbatim, &c.TokenCount); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("chunks", err)
		}
		c.ChunkType = hmlrmodels.ChunkType(ct)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *pgKV) GetChunk(ctx context.Context, chunkID string) (hmlrmodels.Chunk, bool, error) {
	var c hmlrmodels.Chunk
	var ct string
	err := p.pool.QueryRow(ctx, `
SELECT chunk_id, turn_id, span_id, parent_chunk_id, chunk_type, text_verbatim, token_count
FROM chunks WHERE chunk_id=$1`, chunkID).
		Scan(&c.ChunkID, &c.TurnID, &c.SpanID, &c.ParentChunkID, &ct, &c.TextVerbatim, &c.TokenCount)
	if err == pgx.ErrNoRows {
		return hmlrmodels.Chunk{}, false, nil
	}
	if err != nil {
		return hmlrmodels.Chunk{}, false, hmlrerrors.NewStorageWriteError("chunks", err)
	}
	c.ChunkType = hmlrmodels.ChunkType(ct)
	return c, true, nil
}

func (p *pgKV) GetTurn(ctx context.Context, turnID string) (hmlrmodels.Turn, bool, error) {
	rows, err := p.pool.Query(ctx, `
SELECT turn_id, session_id, day_id, turn_sequence, timestamp, user_message, assistant_response, detail_level, compressed_content, keywords, topics, affect, block_id
FROM turns WHERE turn_id=$1`, turnID)
	if err != nil {
		return hmlrmodels.Turn{}, false, hmlrerrors.NewStorageWriteError("turns", err)
	}
	defer rows.Close()
	turns, err := scanTurns(rows)
	if err != nil {
		return hmlrmodels.Turn{}, false, err
	}
	if len(turns) == 0 {
		return hmlrmodels.Turn{}, false, nil
	}
	return turns[0], true, nil
}

func (p *pgKV) GetDossier(ctx context.Context, dossierID string) (hmlrmodels.Dossier, error) {
	var d hmlrmodels.Dossier
	err := p.pool.QueryRow(ctx, `
SELECT dossier_id, title, summary, search_summary, created_at, last_updated FROM dossiers WHERE dossier_id=$1`, dossierID).
		Scan(&d.DossierID, &d.Title, &d.Summary, &d.SearchSummary, &d.CreatedAt, &d.LastUpdated)
	if err != nil {
		return hmlrmodels.Dossier{}, hmlrerrors.NewStorageWriteError("dossiers", err)
	}
	return d, nil
}

func (p *pgKV) GetDossierFacts(ctx context.Context, dossierID string) ([]hmlrmodels.DossierFact, error) {
	rows, err := p.pool.Query(ctx, `SELECT dossier_id, fact_id, fact_text FROM dossier_facts WHERE dossier_id=$1`, dossierID)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("dossier_facts", err)
	}
	defer rows.Close()
	var out []hmlrmodels.DossierFact
	for rows.Next() {
		var f hmlrmodels.DossierFact
		if err := rows.Scan(&f.DossierID, &f.FactID, &f.FactText); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("dossier_facts", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *pgKV) ListPendingGardeningBlocks(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT block_id FROM daily_ledger WHERE pending_gardening=true`)
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("daily_ledger", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("daily_ledger", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ScanEmbeddings performs the "full scan over a blob column" mandated by
// §4.1. The memory/dossier_fact/dossier_search indices are physically
// different tables but present a uniform EmbeddingRow shape to callers.
func (p *pgKV) ScanEmbeddings(ctx context.Context, index string) ([]EmbeddingRow, error) {
	// ORDER BY created_at ASC so VectorIndex's stable tie-break (§4.1,
	// "older first") has a well-defined insertion order to preserve;
	// without it, Postgres's scan order is unspecified.
	var query string
	switch index {
	case "dossier_fact":
		query = `SELECT fact_id, dossier_id, embedding, created_at FROM dossier_fact_embeddings ORDER BY created_at ASC`
	case "dossier_search":
		query = `SELECT dossier_id, '', embedding, created_at FROM dossier_search_embeddings ORDER BY created_at ASC`
	default:
		query = `SELECT embedding_id, coalesce(dossier_id, ''), embedding, created_at FROM embeddings WHERE index_name=$1 ORDER BY created_at ASC`
	}
	var rows interface {
		Next() bool
		Scan(...any) error
		Err() error
		Close()
	}
	var err error
	if index == "memory" {
		rows, err = p.pool.Query(ctx, query, index)
	} else {
		rows, err = p.pool.Query(ctx, query)
	}
	if err != nil {
		return nil, hmlrerrors.NewStorageWriteError("embeddings", err)
	}
	defer rows.Close()
	var out []EmbeddingRow
	for rows.Next() {
		var r EmbeddingRow
		var blob []byte
		if err := rows.Scan(&r.ID, &r.DossierID, &blob, &r.CreatedAt); err != nil {
			return nil, hmlrerrors.NewStorageWriteError("embeddings", err)
		}
		r.Index = index
		r.Vector = decodeVector(blob)
		out = append(out, r)
	}
	return out, rows.Err()
}

// encodeVector/decodeVector implement the "float32[D] little-endian blobs"
// storage format named in §6.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
