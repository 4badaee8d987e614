// Package dossierrouter implements C8: multi-vector voting over the
// dossier-fact index, deciding whether an incoming FactPacket should be
// appended to an existing Dossier or minted as a new one (§4.8). Retrieve is
// the read path the Governor delegates to (§4.5 point 4); Route is the
// write path the Gardener drives.
package dossierrouter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sv-dev/hmlr/internal/embedding"
	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/idgen"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/provenancesink"
	"github.com/sv-dev/hmlr/internal/store"
	"github.com/sv-dev/hmlr/internal/vectorindex"
)

// searchFanout bounds how many raw fact matches are pulled per query vote
// before grouping by dossier; generous relative to topK since many matches
// collapse onto the same handful of dossiers.
const searchFanout = 50

// Router is the DossierRouter collaborator.
type Router struct {
	kv            store.KV
	search        vectorindex.VectorIndex // bound to the read-model embedder
	writeEmbedder embedding.Embedder      // bound to the write-model embedder (dual-model option, §4.1)
	provider      llm.Provider
	model         string
	cfg           hmlrconfig.DossierRouterConfig
	provenance    *provenancesink.Sink // optional ClickHouse mirror, nil when not configured (§11)
}

// New constructs a Router.
func New(kv store.KV, search vectorindex.VectorIndex, writeEmbedder embedding.Embedder, provider llm.Provider, model string, cfg hmlrconfig.DossierRouterConfig) *Router {
	return &Router{kv: kv, search: search, writeEmbedder: writeEmbedder, provider: provider, model: model, cfg: cfg}
}

// WithProvenanceSink attaches an optional ClickHouse provenance mirror and
// returns r for chaining. A nil sink is a no-op.
func (r *Router) WithProvenanceSink(sink *provenancesink.Sink) *Router {
	r.provenance = sink
	return r
}

// Retrieve is the read path: encode queryText, search the dossier-fact
// index, group matches by dossier, and rank by (hit_count DESC,
// max_similarity DESC) (§4.8).
func (r *Router) Retrieve(ctx context.Context, queryText string, topK int, threshold float32) ([]hmlrmodels.ScoredDossier, error) {
	return r.voteFromQueries(ctx, []string{queryText}, topK, threshold)
}

// Route is the write path: vote using the packet's facts as the query set,
// then either APPEND to the winning dossier or CREATE a new one (§4.8).
func (r *Router) Route(ctx context.Context, packet hmlrmodels.FactPacket) (hmlrmodels.DossierOperation, string, error) {
	queries := make([]string, 0, len(packet.Facts))
	for _, f := range packet.Facts {
		queries = append(queries, f.Key+": "+f.Value)
	}

	// Vote collection uses theta_dos, the same dossier-retrieval threshold
	// Retrieve uses (§4.8 step 1); theta_match only gates max_similarity
	// below, in step 2. Collecting votes at theta_match instead would drop
	// facts matching in [theta_dos, theta_match) from hit_count entirely,
	// making APPEND harder than the spec intends.
	candidates, err := r.voteFromQueries(ctx, queries, 1, r.cfg.VoteThreshold)
	if err != nil {
		return "", "", fmt.Errorf("vote for packet %q: %w", packet.ClusterLabel, err)
	}

	if len(candidates) > 0 {
		top := candidates[0]
		if top.HitCount >= r.cfg.MatchHitCount && top.MaxSimilarity >= r.cfg.MatchSimilarity {
			if r.confirmAppend(ctx, packet, top.Dossier) {
				if err := r.appendPacket(ctx, packet, top.Dossier.DossierID); err != nil {
					return "", "", err
				}
				return hmlrmodels.OpAppend, top.Dossier.DossierID, nil
			}
		}
	}

	dossierID, err := r.createFromPacket(ctx, packet)
	if err != nil {
		return "", "", err
	}
	return hmlrmodels.OpCreate, dossierID, nil
}

// voteFromQueries runs one similarity search per query string against the
// dossier-fact index and accumulates (hit_count, max_similarity) per
// dossier across all queries — the "multi-vector voting" described in §4.8
// and the GLOSSARY.
func (r *Router) voteFromQueries(ctx context.Context, queries []string, topK int, threshold float32) ([]hmlrmodels.ScoredDossier, error) {
	hitCount := make(map[string]int)
	maxSim := make(map[string]float32)
	order := make([]string, 0)

	for _, q := range queries {
		matches, err := r.search.SearchText(ctx, "dossier_fact", q, searchFanout)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.Similarity < threshold || m.DossierID == "" {
				continue
			}
			if _, ok := hitCount[m.DossierID]; !ok {
				order = append(order, m.DossierID)
			}
			hitCount[m.DossierID]++
			if m.Similarity > maxSim[m.DossierID] {
				maxSim[m.DossierID] = m.Similarity
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if hitCount[a] != hitCount[b] {
			return hitCount[a] > hitCount[b]
		}
		return maxSim[a] > maxSim[b]
	})

	if topK > 0 && len(order) > topK {
		order = order[:topK]
	}

	out := make([]hmlrmodels.ScoredDossier, 0, len(order))
	for _, id := range order {
		d, err := r.kv.GetDossier(ctx, id)
		if err != nil {
			continue // dossier deleted/cascaded since the embedding was written; skip
		}
		facts, err := r.kv.GetDossierFacts(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, hmlrmodels.ScoredDossier{
			Dossier:       d,
			Facts:         facts,
			HitCount:      hitCount[id],
			MaxSimilarity: maxSim[id],
		})
	}
	return out, nil
}

// confirmAppend asks the LLM whether packet should append to candidate,
// accepting only a strict yes/no (§4.8 step 2).
func (r *Router) confirmAppend(ctx context.Context, packet hmlrmodels.FactPacket, candidate hmlrmodels.Dossier) bool {
	if r.provider == nil {
		return true // no LLM configured: default to the vote's recommendation
	}
	var facts strings.Builder
	for _, f := range packet.Facts {
		fmt.Fprintf(&facts, "- %s: %s\n", f.Key, f.Value)
	}
	prompt := fmt.Sprintf("Dossier title: %s\nDossier summary: %s\n\nNew facts:\n%s\nShould these facts be appended to this dossier? Answer with exactly one word: yes or no.",
		candidate.Title, candidate.Summary, facts.String())

	resp, err := r.provider.Complete(ctx, appendDecisionPrompt, prompt, r.model)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("dossier append confirmation failed; defaulting to CREATE")
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(resp)), "yes")
}

// appendPacket inserts the packet's facts into an existing dossier,
// embeds each, regenerates the dossier's summaries, and logs APPEND
// provenance (§4.8 step 3).
func (r *Router) appendPacket(ctx context.Context, packet hmlrmodels.FactPacket, dossierID string) error {
	dossier, err := r.kv.GetDossier(ctx, dossierID)
	if err != nil {
		return fmt.Errorf("load dossier %q: %w", dossierID, err)
	}
	existing, err := r.kv.GetDossierFacts(ctx, dossierID)
	if err != nil {
		return err
	}

	dossierFacts, embeddingRows, err := r.prepareFacts(ctx, packet.Facts, dossierID)
	if err != nil {
		return err
	}

	allFactTexts := make([]string, 0, len(existing)+len(dossierFacts))
	for _, f := range existing {
		allFactTexts = append(allFactTexts, f.FactText)
	}
	for _, f := range dossierFacts {
		allFactTexts = append(allFactTexts, f.FactText)
	}
	summary := r.generateSummary(ctx, dossier.Title, allFactTexts)
	searchSummary := r.generateSearchSummary(ctx, dossier.Title, summary)

	dossier.Summary = summary
	dossier.SearchSummary = searchSummary
	dossier.LastUpdated = time.Now()

	searchVec, err := r.embedOne(ctx, searchSummary)
	if err != nil {
		return err
	}

	entry := hmlrmodels.DossierProvenanceEntry{
		ProvID:        idgen.NewUUID("prov"),
		DossierID:     dossierID,
		Operation:     hmlrmodels.OpAppend,
		SourceBlockID: &packet.SourceBlockID,
		Timestamp:     time.Now(),
		Payload:       packet.ClusterLabel,
	}
	err = r.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertDossier(ctx, dossier); err != nil {
			return err
		}
		if err := tx.InsertDossierFacts(ctx, dossierFacts); err != nil {
			return err
		}
		for _, row := range embeddingRows {
			if err := tx.PutEmbedding(ctx, row); err != nil {
				return err
			}
		}
		if err := tx.PutEmbedding(ctx, store.EmbeddingRow{ID: dossierID, Index: "dossier_search", DossierID: dossierID, Vector: searchVec}); err != nil {
			return err
		}
		return tx.AppendProvenance(ctx, entry)
	})
	if err != nil {
		return err
	}
	r.provenance.Mirror(ctx, entry)
	return nil
}

// createFromPacket mints a new dossier for packet, embeds each fact, and
// logs CREATE provenance (§4.8 step 4).
func (r *Router) createFromPacket(ctx context.Context, packet hmlrmodels.FactPacket) (string, error) {
	dossierID := idgen.New("dossier")

	dossierFacts, embeddingRows, err := r.prepareFacts(ctx, packet.Facts, dossierID)
	if err != nil {
		return "", err
	}

	factTexts := make([]string, 0, len(dossierFacts))
	for _, f := range dossierFacts {
		factTexts = append(factTexts, f.FactText)
	}
	summary := r.generateSummary(ctx, packet.ClusterLabel, factTexts)
	searchSummary := r.generateSearchSummary(ctx, packet.ClusterLabel, summary)

	now := time.Now()
	dossier := hmlrmodels.Dossier{
		DossierID:     dossierID,
		Title:         packet.ClusterLabel,
		Summary:       summary,
		SearchSummary: searchSummary,
		CreatedAt:     now,
		LastUpdated:   now,
	}

	searchVec, err := r.embedOne(ctx, searchSummary)
	if err != nil {
		return "", err
	}

	entry := hmlrmodels.DossierProvenanceEntry{
		ProvID:        idgen.NewUUID("prov"),
		DossierID:     dossierID,
		Operation:     hmlrmodels.OpCreate,
		SourceBlockID: &packet.SourceBlockID,
		Timestamp:     now,
		Payload:       packet.ClusterLabel,
	}
	err = r.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertDossier(ctx, dossier); err != nil {
			return err
		}
		if err := tx.InsertDossierFacts(ctx, dossierFacts); err != nil {
			return err
		}
		for _, row := range embeddingRows {
			if err := tx.PutEmbedding(ctx, row); err != nil {
				return err
			}
		}
		if err := tx.PutEmbedding(ctx, store.EmbeddingRow{ID: dossierID, Index: "dossier_search", DossierID: dossierID, Vector: searchVec}); err != nil {
			return err
		}
		return tx.AppendProvenance(ctx, entry)
	})
	if err != nil {
		return "", err
	}
	r.provenance.Mirror(ctx, entry)
	return dossierID, nil
}

// Merge moves fromID's facts and embeddings into intoID and deletes fromID,
// logging a MERGE provenance entry. §4.8 reserves this operation for an
// explicit, separately-driven policy — it is never called from Route.
func (r *Router) Merge(ctx context.Context, fromID, intoID string) error {
	facts, err := r.kv.GetDossierFacts(ctx, fromID)
	if err != nil {
		return err
	}
	moved := make([]hmlrmodels.DossierFact, len(facts))
	for i, f := range facts {
		moved[i] = hmlrmodels.DossierFact{FactID: f.FactID, DossierID: intoID, FactText: f.FactText}
	}

	rows, err := r.kv.ScanEmbeddings(ctx, "dossier_fact")
	if err != nil {
		return err
	}
	var movedRows []store.EmbeddingRow
	for _, row := range rows {
		if row.DossierID == fromID {
			row.DossierID = intoID
			movedRows = append(movedRows, row)
		}
	}

	entry := hmlrmodels.DossierProvenanceEntry{
		ProvID:    idgen.NewUUID("prov"),
		DossierID: intoID,
		Operation: hmlrmodels.OpMerge,
		Timestamp: time.Now(),
		Payload:   fmt.Sprintf("merged from %s", fromID),
	}
	err = r.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertDossierFacts(ctx, moved); err != nil {
			return err
		}
		for _, row := range movedRows {
			if err := tx.PutEmbedding(ctx, row); err != nil {
				return err
			}
		}
		if err := tx.DeleteDossier(ctx, fromID); err != nil {
			return err
		}
		return tx.AppendProvenance(ctx, entry)
	})
	if err != nil {
		return err
	}
	r.provenance.Mirror(ctx, entry)
	return nil
}

// prepareFacts builds DossierFact rows and their per-fact embeddings for
// facts joining dossierID. Every DossierFact gets exactly one embedding of
// the index's dimension (§3, §8 invariant).
func (r *Router) prepareFacts(ctx context.Context, facts []hmlrmodels.Fact, dossierID string) ([]hmlrmodels.DossierFact, []store.EmbeddingRow, error) {
	dossierFacts := make([]hmlrmodels.DossierFact, 0, len(facts))
	rows := make([]store.EmbeddingRow, 0, len(facts))
	for _, f := range facts {
		text := f.Key + ": " + f.Value
		vec, err := r.embedOne(ctx, text)
		if err != nil {
			return nil, nil, err
		}
		dossierFacts = append(dossierFacts, hmlrmodels.DossierFact{FactID: f.FactID, DossierID: dossierID, FactText: text})
		rows = append(rows, store.EmbeddingRow{ID: f.FactID, Index: "dossier_fact", DossierID: dossierID, Vector: vec, CreatedAt: time.Now()})
	}
	return dossierFacts, rows, nil
}

func (r *Router) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.writeEmbedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed dossier text: %w", err)
	}
	return vecs[0], nil
}

func (r *Router) generateSummary(ctx context.Context, title string, factTexts []string) string {
	if r.provider == nil {
		return strings.Join(factTexts, "; ")
	}
	resp, err := r.provider.Complete(ctx, summaryPrompt, title+"\n"+strings.Join(factTexts, "\n"), r.model)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("dossier_title", title).Msg("dossier summary generation failed; using concatenated facts")
		return strings.Join(factTexts, "; ")
	}
	return resp
}

func (r *Router) generateSearchSummary(ctx context.Context, title, summary string) string {
	if r.provider == nil {
		return title + ": " + summary
	}
	resp, err := r.provider.Complete(ctx, searchSummaryPrompt, title+"\n"+summary, r.model)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("dossier_title", title).Msg("dossier search summary generation failed; using title+summary")
		return title + ": " + summary
	}
	return resp
}

const appendDecisionPrompt = "You decide whether a batch of new facts belongs in an existing dossier. Answer with exactly one word: yes or no."
const summaryPrompt = "Write a 2-4 sentence summary of this dossier given its title and facts. Plain text only."
const searchSummaryPrompt = "Write a single dense paraphrase sentence capturing what this dossier is about, optimized for coarse semantic search. Plain text only."
