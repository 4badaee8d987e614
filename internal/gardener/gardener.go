// Package gardener implements C7: offline promotion of CLOSED blocks.
// Garden classifies a block's facts into sticky tags (kept on the block's
// metadata) and dossier-bound facts (clustered and handed to the
// DossierRouter), then embeds the block's sentence chunks into the memory
// index (§4.7).
package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sv-dev/hmlr/internal/dossierrouter"
	"github.com/sv-dev/hmlr/internal/embedding"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/store"
)

// stickyCategories names the fact categories §4.7 point 2 keeps on the
// block itself rather than routing to a dossier.
var stickyCategories = map[string]bool{
	"environment": true,
	"constraint":  true,
	"definition":  true,
	"alias":       true,
	"preference":  true,
}

// Gardener is the offline-promotion collaborator.
type Gardener struct {
	kv            store.KV
	router        *dossierrouter.Router
	writeEmbedder embedding.Embedder
	provider      llm.Provider
	model         string
}

// New constructs a Gardener. model names the model used for the semantic
// fact-clustering call (§4.7 point 4).
func New(kv store.KV, router *dossierrouter.Router, writeEmbedder embedding.Embedder, provider llm.Provider, model string) *Gardener {
	return &Gardener{kv: kv, router: router, writeEmbedder: writeEmbedder, provider: provider, model: model}
}

// GardenPending processes every block currently queued for gardening and
// returns the number processed. A failure on one block is logged and does
// not stop the others.
func (g *Gardener) GardenPending(ctx context.Context) (int, error) {
	blockIDs, err := g.kv.ListPendingGardeningBlocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending gardening blocks: %w", err)
	}
	n := 0
	for _, id := range blockIDs {
		if err := g.Garden(ctx, id); err != nil {
			hmlrlog.FromContext(ctx).Warn().Err(err).Str("block_id", id).Msg("gardener: block failed, leaving pending")
			continue
		}
		n++
	}
	return n, nil
}

// RunQueue consumes blockIDs from q until ctx is cancelled, gardening each
// one. A single block failing is logged and never stops the loop; the block
// stays flagged in ListPendingGardeningBlocks for a later poll-based retry,
// since q's push delivery is a latency optimization, not the durable record.
func (g *Gardener) RunQueue(ctx context.Context, q Queue) {
	for {
		blockID, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			hmlrlog.FromContext(ctx).Warn().Err(err).Msg("gardener: queue dequeue failed")
			continue
		}
		if err := g.Garden(ctx, blockID); err != nil {
			hmlrlog.FromContext(ctx).Warn().Err(err).Str("block_id", blockID).Msg("gardener: queued block failed, leaving pending for poll retry")
		}
	}
}

// Garden processes one block through steps 1-7 of §4.7. It may be run on
// any block, not only ones queued for gardening, and is idempotent: the
// sticky-tag metadata row is fully recomputed and overwritten rather than
// appended to, a fact that already holds a dossier-fact embedding is not
// routed to a dossier again, and embedding writes key on stable ids so
// re-running updates in place instead of duplicating.
func (g *Gardener) Garden(ctx context.Context, blockID string) error {
	turns, err := g.kv.GetTurnsForBlock(ctx, blockID)
	if err != nil {
		return fmt.Errorf("load turns for block %q: %w", blockID, err)
	}
	turnSeq := make(map[string]int, len(turns))
	lastSeq := 0
	for _, t := range turns {
		turnSeq[t.TurnID] = t.TurnSequence
		if t.TurnSequence > lastSeq {
			lastSeq = t.TurnSequence
		}
	}

	facts, err := g.kv.GetFactsForBlock(ctx, blockID)
	if err != nil {
		return fmt.Errorf("load facts for block %q: %w", blockID, err)
	}
	routed, err := g.kv.ScanEmbeddings(ctx, "dossier_fact")
	if err != nil {
		return fmt.Errorf("load dossier-fact embeddings for block %q: %w", blockID, err)
	}
	alreadyRouted := make(map[string]bool, len(routed))
	for _, row := range routed {
		alreadyRouted[row.ID] = true
	}
	var unrouted []hmlrmodels.Fact
	for _, f := range facts {
		if !alreadyRouted[f.FactID] {
			unrouted = append(unrouted, f)
		}
	}

	sticky, dossierBound := classify(unrouted)

	meta := buildMetadata(blockID, sticky, turnSeq, lastSeq)
	if err := g.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertBlockMetadata(ctx, meta)
	}); err != nil {
		return fmt.Errorf("persist block metadata for %q: %w", blockID, err)
	}

	if len(dossierBound) > 0 {
		clusters := g.clusterFacts(ctx, dossierBound)
		for _, c := range clusters {
			packet := hmlrmodels.FactPacket{
				ClusterLabel:  c.Label,
				Facts:         c.Facts,
				SourceBlockID: blockID,
				Timestamp:     time.Now(),
			}
			if _, _, err := g.router.Route(ctx, packet); err != nil {
				return fmt.Errorf("route cluster %q for block %q: %w", c.Label, blockID, err)
			}
		}
	}

	if err := g.embedSentenceChunks(ctx, turns); err != nil {
		return fmt.Errorf("embed sentence chunks for block %q: %w", blockID, err)
	}

	return g.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.MarkBlockGardened(ctx, blockID)
	})
}

func classify(facts []hmlrmodels.Fact) (sticky, dossierBound []hmlrmodels.Fact) {
	for _, f := range facts {
		if stickyCategories[strings.ToLower(f.Category)] {
			sticky = append(sticky, f)
		} else {
			dossierBound = append(dossierBound, f)
		}
	}
	return sticky, dossierBound
}

// buildMetadata turns sticky facts into global tags (always visible for the
// block) plus one section rule each, scoped from the turn the fact was
// stated in through the end of the block — a sticky fact is presumed to
// hold from the moment it's established onward, not retroactively.
func buildMetadata(blockID string, sticky []hmlrmodels.Fact, turnSeq map[string]int, lastSeq int) hmlrmodels.BlockMetadata {
	seen := make(map[string]bool)
	var tags []string
	var rules []hmlrmodels.SectionRule
	for _, f := range sticky {
		rule := f.Key + ": " + f.Value
		if seen[rule] {
			continue
		}
		seen[rule] = true
		tags = append(tags, rule)
		start := turnSeq[f.TurnID]
		rules = append(rules, hmlrmodels.SectionRule{StartTurn: start, EndTurn: lastSeq, Rule: rule})
	}
	return hmlrmodels.BlockMetadata{BlockID: blockID, GlobalTags: tags, SectionRules: rules}
}

type cluster struct {
	Label string
	Facts []hmlrmodels.Fact
}

// clusterFacts groups dossier-bound facts semantically via an LLM call
// (§4.7 point 4). On any failure it falls back to a single "General Facts"
// cluster.
func (g *Gardener) clusterFacts(ctx context.Context, facts []hmlrmodels.Fact) []cluster {
	fallback := []cluster{{Label: "General Facts", Facts: facts}}
	if g.provider == nil {
		return fallback
	}

	byID := make(map[string]hmlrmodels.Fact, len(facts))
	var listing strings.Builder
	for _, f := range facts {
		byID[f.FactID] = f
		fmt.Fprintf(&listing, "- id=%s %s: %s\n", f.FactID, f.Key, f.Value)
	}

	resp, err := g.provider.Complete(ctx, clusterPrompt, listing.String(), g.model)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("gardener fact clustering failed; using single General Facts cluster")
		return fallback
	}

	raw, ok := parseClusters(resp)
	if !ok {
		hmlrlog.FromContext(ctx).Warn().Str("response", resp).Msg("gardener fact clustering response unparseable; using single General Facts cluster")
		return fallback
	}

	var out []cluster
	assigned := make(map[string]bool)
	for _, rc := range raw {
		var members []hmlrmodels.Fact
		for _, id := range rc.FactIDs {
			if f, ok := byID[id]; ok && !assigned[id] {
				members = append(members, f)
				assigned[id] = true
			}
		}
		if len(members) == 0 {
			continue
		}
		out = append(out, cluster{Label: rc.Label, Facts: members})
	}

	var leftover []hmlrmodels.Fact
	for _, f := range facts {
		if !assigned[f.FactID] {
			leftover = append(leftover, f)
		}
	}
	if len(leftover) > 0 {
		out = append(out, cluster{Label: "General Facts", Facts: leftover})
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

type rawCluster struct {
	Label   string   `json:"label"`
	FactIDs []string `json:"fact_ids"`
}

var jsonArrayFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

func parseClusters(resp string) ([]rawCluster, bool) {
	text := strings.TrimSpace(resp)
	if m := jsonArrayFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	var clusters []rawCluster
	if err := json.Unmarshal([]byte(text), &clusters); err != nil {
		return nil, false
	}
	return clusters, true
}

// embedSentenceChunks embeds every sentence-level chunk belonging to turns
// into the memory index (§4.7 point 6). Assistant responses are never
// chunked/embedded (only user text ever reaches the chunker), so this
// covers exactly what §4.1 calls the gardened-memory store.
func (g *Gardener) embedSentenceChunks(ctx context.Context, turns []hmlrmodels.Turn) error {
	type pending struct {
		chunk hmlrmodels.Chunk
		vec   []float32
	}
	var rows []pending
	for _, t := range turns {
		chunks, err := g.kv.GetChunksForTurn(ctx, t.TurnID)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if c.ChunkType != hmlrmodels.ChunkSentence {
				continue
			}
			vecs, err := g.writeEmbedder.Embed(ctx, []string{c.TextVerbatim})
			if err != nil {
				return fmt.Errorf("embed chunk %q: %w", c.ChunkID, err)
			}
			rows = append(rows, pending{chunk: c, vec: vecs[0]})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].chunk.ChunkID < rows[j].chunk.ChunkID })
	return g.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, r := range rows {
			if err := tx.PutEmbedding(ctx, store.EmbeddingRow{ID: r.chunk.ChunkID, Index: "memory", Vector: r.vec, CreatedAt: time.Now()}); err != nil {
				return err
			}
		}
		return nil
	})
}

const clusterPrompt = `Group the following facts into semantic clusters (e.g. by topic). Return ONLY a JSON array of objects shaped exactly {"label": string, "fact_ids": [string, ...]}. Every fact id should appear in at most one cluster. Do not include any text outside the JSON array.`
