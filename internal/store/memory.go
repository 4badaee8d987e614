package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

// memoryKV is a process-local, mutex-guarded KV used for tests and for
// single-process deployments with no Postgres available. It implements the
// exact same atomicity contract as the Postgres backend: WithTx takes the
// single lock for the duration of the callback, so nothing else can
// interleave a partial write.
type memoryKV struct {
	mu sync.Mutex

	blocks    map[string]*hmlrmodels.BridgeBlock
	turns     map[string]*hmlrmodels.Turn
	chunks    map[string]*hmlrmodels.Chunk
	facts     map[string]*hmlrmodels.Fact
	metadata  map[string]*hmlrmodels.BlockMetadata
	dossiers  map[string]*hmlrmodels.Dossier
	dossierFacts map[string][]hmlrmodels.DossierFact // dossierID -> facts
	embeddings   map[string]map[string]EmbeddingRow  // index -> id -> row
	provenance   []hmlrmodels.DossierProvenanceEntry
	pendingGarden map[string]bool

	blockTurns map[string][]string // blockID -> turnIDs in append order
}

// NewMemory constructs an empty in-memory KV.
func NewMemory() KV {
	return &memoryKV{
		blocks:        make(map[string]*hmlrmodels.BridgeBlock),
		turns:         make(map[string]*hmlrmodels.Turn),
		chunks:        make(map[string]*hmlrmodels.Chunk),
		facts:         make(map[string]*hmlrmodels.Fact),
		metadata:      make(map[string]*hmlrmodels.BlockMetadata),
		dossiers:      make(map[string]*hmlrmodels.Dossier),
		dossierFacts:  make(map[string][]hmlrmodels.DossierFact),
		embeddings:    make(map[string]map[string]EmbeddingRow),
		pendingGarden: make(map[string]bool),
		blockTurns:    make(map[string][]string),
	}
}

func (m *memoryKV) Close() error { return nil }

// memoryTx operates directly on the parent's maps; callers already hold
// m.mu for the whole WithTx call, so no further locking is needed here.
type memoryTx struct{ m *memoryKV }

func (m *memoryKV) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Snapshot so a mid-transaction failure rolls back cleanly, matching the
	// atomicity requirement in engine turn pipeline steps 3/4/7/8.
	snapshot := m.clone()
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	blocks        map[string]*hmlrmodels.BridgeBlock
	turns         map[string]*hmlrmodels.Turn
	chunks        map[string]*hmlrmodels.Chunk
	facts         map[string]*hmlrmodels.Fact
	metadata      map[string]*hmlrmodels.BlockMetadata
	dossiers      map[string]*hmlrmodels.Dossier
	dossierFacts  map[string][]hmlrmodels.DossierFact
	embeddings    map[string]map[string]EmbeddingRow
	provenance    []hmlrmodels.DossierProvenanceEntry
	pendingGarden map[string]bool
	blockTurns    map[string][]string
}

func (m *memoryKV) clone() memorySnapshot {
	s := memorySnapshot{
		blocks:        make(map[string]*hmlrmodels.BridgeBlock, len(m.blocks)),
		turns:         make(map[string]*hmlrmodels.Turn, len(m.turns)),
		chunks:        make(map[string]*hmlrmodels.Chunk, len(m.chunks)),
		facts:         make(map[string]*hmlrmodels.Fact, len(m.facts)),
		metadata:      make(map[string]*hmlrmodels.BlockMetadata, len(m.metadata)),
		dossiers:      make(map[string]*hmlrmodels.Dossier, len(m.dossiers)),
		dossierFacts:  make(map[string][]hmlrmodels.DossierFact, len(m.dossierFacts)),
		embeddings:    make(map[string]map[string]EmbeddingRow, len(m.embeddings)),
		provenance:    append([]hmlrmodels.DossierProvenanceEntry(nil), m.provenance...),
		pendingGarden: make(map[string]bool, len(m.pendingGarden)),
		blockTurns:    make(map[string][]string, len(m.blockTurns)),
	}
	for k, v := range m.blocks {
		cp := *v
		s.blocks[k] = &cp
	}
	for k, v := range m.turns {
		cp := *v
		s.turns[k] = &cp
	}
	for k, v := range m.chunks {
		cp := *v
		s.chunks[k] = &cp
	}
	for k, v := range m.facts {
		cp := *v
		s.facts[k] = &cp
	}
	for k, v := range m.metadata {
		cp := *v
		s.metadata[k] = &cp
	}
	for k, v := range m.dossiers {
		cp := *v
		s.dossiers[k] = &cp
	}
	for k, v := range m.dossierFacts {
		s.dossierFacts[k] = append([]hmlrmodels.DossierFact(nil), v...)
	}
	for idx, rows := range m.embeddings {
		cp := make(map[string]EmbeddingRow, len(rows))
		for id, r := range rows {
			cp[id] = r
		}
		s.embeddings[idx] = cp
	}
	for k, v := range m.pendingGarden {
		s.pendingGarden[k] = v
	}
	for k, v := range m.blockTurns {
		s.blockTurns[k] = append([]string(nil), v...)
	}
	return s
}

func (m *memoryKV) restore(s memorySnapshot) {
	m.blocks = s.blocks
	m.turns = s.turns
	m.chunks = s.chunks
	m.facts = s.facts
	m.metadata = s.metadata
	m.dossiers = s.dossiers
	m.dossierFacts = s.dossierFacts
	m.embeddings = s.embeddings
	m.provenance = s.provenance
	m.pendingGarden = s.pendingGarden
	m.blockTurns = s.blockTurns
}

// --- read path (KV) ---

func (m *memoryKV) GetActiveBridgeBlocks(ctx context.Context, dayID string) ([]hmlrmodels.BridgeBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hmlrmodels.BridgeBlock
	for _, b := range m.blocks {
		if b.DayID == dayID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryKV) ListClosedBlocksBefore(ctx context.Context, before time.Time) ([]hmlrmodels.BridgeBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hmlrmodels.BridgeBlock
	for _, b := range m.blocks {
		if b.Status == hmlrmodels.BlockClosed && b.LastUpdated.Before(before) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	return out, nil
}

func (m *memoryKV) GetBlock(ctx context.Context, blockID string) (hmlrmodels.BridgeBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[blockID]
	if !ok {
		return hmlrmodels.BridgeBlock{}, fmt.Errorf("block %q not found", blockID)
	}
	return *b, nil
}

func (m *memoryKV) GetFactsForBlock(ctx context.Context, blockID string) ([]hmlrmodels.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hmlrmodels.Fact
	for _, f := range m.facts {
		if f.SourceBlockID != nil && *f.SourceBlockID == blockID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryKV) SearchFactsByKeywords(ctx context.Context, keywords []string, limit int) ([]hmlrmodels.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	var out []hmlrmodels.Fact
	for _, f := range m.facts {
		key := strings.ToLower(f.Key)
		val := strings.ToLower(f.Value)
		for _, k := range lowered {
			if k == "" {
				continue
			}
			if strings.Contains(key, k) || strings.Contains(val, k) {
				out = append(out, *f)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryKV) GetBlockMetadata(ctx context.Context, blockID string) (hmlrmodels.BlockMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md, ok := m.metadata[blockID]; ok {
		return *md, nil
	}
	return hmlrmodels.BlockMetadata{BlockID: blockID}, nil
}

func (m *memoryKV) GetRecentTurns(ctx context.Context, limit int) ([]hmlrmodels.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hmlrmodels.Turn
	for _, t := range m.turns {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryKV) GetTurnsForBlock(ctx context.Context, blockID string) ([]hmlrmodels.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.blockTurns[blockID]
	out := make([]hmlrmodels.Turn, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.turns[id]; ok {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnSequence < out[j].TurnSequence })
	return out, nil
}

func (m *memoryKV) GetChunksForTurn(ctx context.Context, turnID string) ([]hmlrmodels.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hmlrmodels.Chunk
	for _, c := range m.chunks {
		if c.TurnID == turnID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memoryKV) GetChunk(ctx context.Context, chunkID string) (hmlrmodels.Chunk, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return hmlrmodels.Chunk{}, false, nil
	}
	return *c, true, nil
}

func (m *memoryKV) GetTurn(ctx context.Context, turnID string) (hmlrmodels.Turn, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[turnID]
	if !ok {
		return hmlrmodels.Turn{}, false, nil
	}
	return *t, true, nil
}

func (m *memoryKV) GetDossier(ctx context.Context, dossierID string) (hmlrmodels.Dossier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dossiers[dossierID]
	if !ok {
		return hmlrmodels.Dossier{}, fmt.Errorf("dossier %q not found", dossierID)
	}
	return *d, nil
}

func (m *memoryKV) GetDossierFacts(ctx context.Context, dossierID string) ([]hmlrmodels.DossierFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hmlrmodels.DossierFact(nil), m.dossierFacts[dossierID]...), nil
}

func (m *memoryKV) ListPendingGardeningBlocks(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, pending := range m.pendingGarden {
		if pending {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryKV) ScanEmbeddings(ctx context.Context, index string) ([]EmbeddingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.embeddings[index]
	out := make([]EmbeddingRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- write path (Tx) ---

func (t *memoryTx) CreateBridgeBlock(ctx context.Context, dayID, topicLabel string, keywords []string) (string, error) {
	m := t.m
	blockID := fmt.Sprintf("block_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
	m.blocks[blockID] = &hmlrmodels.BridgeBlock{
		BlockID:     blockID,
		DayID:       dayID,
		TopicLabel:  topicLabel,
		Keywords:    keywords,
		Status:      hmlrmodels.BlockActive,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	return blockID, nil
}

func (t *memoryTx) UpdateBridgeBlockStatus(ctx context.Context, blockID string, status hmlrmodels.BlockStatus) error {
	b, ok := t.m.blocks[blockID]
	if !ok {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q not found", blockID))
	}
	if b.Status == hmlrmodels.BlockClosed && status != hmlrmodels.BlockClosed {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q is CLOSED and cannot transition", blockID))
	}
	b.Status = status
	b.LastUpdated = time.Now()
	return nil
}

func (t *memoryTx) UpdateBridgeBlockHeader(ctx context.Context, blockID, header string) error {
	b, ok := t.m.blocks[blockID]
	if !ok {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q not found", blockID))
	}
	b.Header = header
	b.LastUpdated = time.Now()
	return nil
}

func (t *memoryTx) UpdateBridgeBlockMetadataJSON(ctx context.Context, blockID string, metadataJSON string) error {
	b, ok := t.m.blocks[blockID]
	if !ok {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q not found", blockID))
	}
	b.Header = metadataJSON
	b.LastUpdated = time.Now()
	return nil
}

func (t *memoryTx) AppendTurnToBlock(ctx context.Context, blockID string, turn hmlrmodels.Turn, chunks []hmlrmodels.Chunk) error {
	m := t.m
	b, ok := m.blocks[blockID]
	if !ok {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q not found", blockID))
	}
	if b.Status != hmlrmodels.BlockActive {
		return hmlrerrors.NewStorageWriteError("daily_ledger", fmt.Errorf("block %q is not ACTIVE (status=%s)", blockID, b.Status))
	}
	turnCopy := turn
	turnCopy.BlockID = blockID
	m.turns[turn.TurnID] = &turnCopy
	m.blockTurns[blockID] = append(m.blockTurns[blockID], turn.TurnID)
	for _, c := range chunks {
		cc := c
		m.chunks[c.ChunkID] = &cc
	}
	b.LastUpdated = time.Now()
	return nil
}

func (t *memoryTx) MarkBlockPendingGardening(ctx context.Context, blockID string) error {
	t.m.pendingGarden[blockID] = true
	return nil
}

func (t *memoryTx) MarkBlockGardened(ctx context.Context, blockID string) error {
	t.m.pendingGarden[blockID] = false
	return nil
}

func (t *memoryTx) InsertFacts(ctx context.Context, facts []hmlrmodels.Fact) error {
	for _, f := range facts {
		fc := f
		t.m.facts[f.FactID] = &fc
	}
	return nil
}

func (t *memoryTx) UpdateFactsBlockID(ctx context.Context, turnID, blockID string) (int, error) {
	n := 0
	for _, f := range t.m.facts {
		if f.TurnID == turnID && f.SourceBlockID == nil {
			id := blockID
			f.SourceBlockID = &id
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) DeleteFactsForTurn(ctx context.Context, turnID string) error {
	for id, f := range t.m.facts {
		if f.TurnID == turnID {
			delete(t.m.facts, id)
		}
	}
	return nil
}

func (t *memoryTx) UpsertBlockMetadata(ctx context.Context, meta hmlrmodels.BlockMetadata) error {
	t.m.metadata[meta.BlockID] = &meta
	return nil
}

func (t *memoryTx) DeleteBlockMetadata(ctx context.Context, blockID string) error {
	delete(t.m.metadata, blockID)
	return nil
}

func (t *memoryTx) UpsertDossier(ctx context.Context, d hmlrmodels.Dossier) error {
	dc := d
	t.m.dossiers[d.DossierID] = &dc
	return nil
}

func (t *memoryTx) InsertDossierFacts(ctx context.Context, facts []hmlrmodels.DossierFact) error {
	for _, f := range facts {
		existing := t.m.dossierFacts[f.DossierID]
		replaced := false
		for i, e := range existing {
			if e.FactID == f.FactID {
				existing[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, f)
		}
		t.m.dossierFacts[f.DossierID] = existing
	}
	return nil
}

func (t *memoryTx) DeleteDossier(ctx context.Context, dossierID string) error {
	delete(t.m.dossiers, dossierID)
	delete(t.m.dossierFacts, dossierID)
	for idx, rows := range t.m.embeddings {
		for id, r := range rows {
			if r.DossierID == dossierID {
				delete(t.m.embeddings[idx], id)
			}
		}
	}
	return nil
}

func (t *memoryTx) PutEmbedding(ctx context.Context, row EmbeddingRow) error {
	if t.m.embeddings[row.Index] == nil {
		t.m.embeddings[row.Index] = make(map[string]EmbeddingRow)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	t.m.embeddings[row.Index][row.ID] = row
	return nil
}

func (t *memoryTx) DeleteEmbedding(ctx context.Context, index, id string) error {
	delete(t.m.embeddings[index], id)
	return nil
}

func (t *memoryTx) DeleteEmbeddingsByDossier(ctx context.Context, dossierID string) error {
	for idx, rows := range t.m.embeddings {
		for id, r := range rows {
			if r.DossierID == dossierID {
				delete(t.m.embeddings[idx], id)
			}
		}
	}
	return nil
}

func (t *memoryTx) AppendProvenance(ctx context.Context, entry hmlrmodels.DossierProvenanceEntry) error {
	t.m.provenance = append(t.m.provenance, entry)
	return nil
}
