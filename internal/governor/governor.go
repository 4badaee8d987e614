// Package governor implements C6: the retrieval router. Govern fans out
// four independent lookups for a single user query and joins them under a
// per-task timeout, never failing the turn on a sub-task's error (§4.5).
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sv-dev/hmlr/internal/dossierrouter"
	"github.com/sv-dev/hmlr/internal/govcache"
	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/store"
	"github.com/sv-dev/hmlr/internal/vectorindex"
)

// Result is the joined output of the four-task fan-out; the Governor
// performs no writes (§4.5).
type Result struct {
	Routing  hmlrmodels.RoutingDecision
	Memories []hmlrmodels.ScoredMemory
	Facts    []hmlrmodels.Fact
	Dossiers []hmlrmodels.ScoredDossier
}

// fallbackRouting is what the routing task defaults to when it fails or
// times out, per §4.5.
var fallbackRouting = hmlrmodels.RoutingDecision{IsNewTopic: true, SuggestedLabel: "General Discussion"}

// Governor is the retrieval router collaborator.
type Governor struct {
	kv        store.KV
	memory    vectorindex.VectorIndex
	dossiers  *dossierrouter.Router
	provider  llm.Provider
	nanoModel string
	cfg       hmlrconfig.GovernorConfig
	cache     *govcache.Cache // optional Redis cache, nil when not configured (§11)
}

// New constructs a Governor. memoryIndex must be bound to the "memory"
// logical index (turn/chunk embeddings); dossiers backs the dossier
// retrieval task via its Retrieve read path.
func New(kv store.KV, memoryIndex vectorindex.VectorIndex, dossiers *dossierrouter.Router, provider llm.Provider, nanoModel string, cfg hmlrconfig.GovernorConfig) *Governor {
	return &Governor{kv: kv, memory: memoryIndex, dossiers: dossiers, provider: provider, nanoModel: nanoModel, cfg: cfg}
}

// WithCache attaches an optional Redis-backed cache in front of the routing
// and dossier tasks and returns g for chaining. A nil cache is a no-op.
func (g *Governor) WithCache(cache *govcache.Cache) *Governor {
	g.cache = cache
	return g
}

// Govern runs the routing, memory, fact-lookup, and dossier tasks in
// parallel and joins them. Each sub-task is individually bounded by
// cfg.TaskTimeout and fails open: a failing task never aborts the other
// three or the overall call.
func (g *Governor) Govern(ctx context.Context, dayID, userQuery string) Result {
	var res Result
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		res.Routing = g.routingTask(gctx, dayID, userQuery)
		return nil
	})
	grp.Go(func() error {
		res.Memories = g.memoryTask(gctx, userQuery)
		return nil
	})
	grp.Go(func() error {
		res.Facts = g.factTask(gctx, userQuery)
		return nil
	})
	grp.Go(func() error {
		res.Dossiers = g.dossierTask(gctx, userQuery)
		return nil
	})

	_ = grp.Wait() // each task recovers its own error; Wait only joins completion
	return res
}

func (g *Governor) withTaskTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.TaskTimeout)
}

// routingTask asks the cheap model to match the query to one of the day's
// existing blocks, or declare a new topic (§4.5 point 1).
func (g *Governor) routingTask(ctx context.Context, dayID, userQuery string) hmlrmodels.RoutingDecision {
	ctx, cancel := g.withTaskTimeout(ctx)
	defer cancel()

	if g.provider == nil {
		return fallbackRouting
	}
	if decision, ok := g.cache.GetRouting(ctx, dayID, userQuery); ok {
		return decision
	}
	blocks, err := g.kv.GetActiveBridgeBlocks(ctx, dayID)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("day_id", dayID).Msg("governor routing task: failed to load day's blocks; defaulting to new topic")
		return fallbackRouting
	}

	var listing strings.Builder
	for _, b := range blocks {
		if b.Status == hmlrmodels.BlockClosed {
			continue
		}
		fmt.Fprintf(&listing, "- block_id=%s status=%s label=%q summary=%q\n", b.BlockID, b.Status, b.TopicLabel, b.Header)
	}
	if listing.Len() == 0 {
		return fallbackRouting
	}

	prompt := fmt.Sprintf("Existing blocks for today:\n%s\nUser's new message:\n%s", listing.String(), userQuery)
	resp, err := g.provider.Complete(ctx, routingPrompt, prompt, g.nanoModel)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("day_id", dayID).Msg("governor routing task failed; defaulting to new topic")
		return fallbackRouting
	}

	decision, ok := parseRoutingDecision(resp)
	if !ok {
		hmlrlog.FromContext(ctx).Warn().Str("day_id", dayID).Str("response", resp).Msg("governor routing task: unparseable response; defaulting to new topic")
		return fallbackRouting
	}
	g.cache.PutRouting(ctx, dayID, userQuery, decision)
	return decision
}

type rawRoutingDecision struct {
	MatchedBlockID *string `json:"matched_block_id"`
	IsNewTopic     bool    `json:"is_new_topic"`
	SuggestedLabel string  `json:"suggested_label"`
}

var jsonObjectFence = regexp.MustCompile(`(?s)` + "```" + `(?:json)?\s*(\{.*?\})\s*` + "```")

func parseRoutingDecision(resp string) (hmlrmodels.RoutingDecision, bool) {
	text := strings.TrimSpace(resp)
	if m := jsonObjectFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	var raw rawRoutingDecision
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return hmlrmodels.RoutingDecision{}, false
	}
	if raw.MatchedBlockID != nil && *raw.MatchedBlockID == "" {
		raw.MatchedBlockID = nil
	}
	return hmlrmodels.RoutingDecision{
		MatchedBlockID: raw.MatchedBlockID,
		IsNewTopic:     raw.IsNewTopic,
		SuggestedLabel: raw.SuggestedLabel,
	}, true
}

// memoryTask encodes userQuery and searches the memory index for the top
// k_mem hits above theta_mem (§4.5 point 2).
func (g *Governor) memoryTask(ctx context.Context, userQuery string) []hmlrmodels.ScoredMemory {
	ctx, cancel := g.withTaskTimeout(ctx)
	defer cancel()

	if g.memory == nil {
		return nil
	}
	matches, err := g.memory.SearchText(ctx, "memory", userQuery, g.cfg.MemTopK)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor memory task failed; proceeding with no memories")
		return nil
	}
	out := make([]hmlrmodels.ScoredMemory, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < g.cfg.MemThreshold {
			continue
		}
		out = append(out, hmlrmodels.ScoredMemory{ID: m.ID, Score: m.Similarity})
	}
	return out
}

// factTask keyword-matches nano-keywords extracted from userQuery against
// the entire fact store (§4.5 point 3).
func (g *Governor) factTask(ctx context.Context, userQuery string) []hmlrmodels.Fact {
	ctx, cancel := g.withTaskTimeout(ctx)
	defer cancel()

	keywords := nanoKeywords(userQuery)
	if len(keywords) == 0 {
		return nil
	}
	facts, err := g.kv.SearchFactsByKeywords(ctx, keywords, factLookupLimit)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor fact lookup task failed; proceeding with no facts")
		return nil
	}
	return facts
}

// dossierTask delegates to DossierRouter.Retrieve (§4.5 point 4, §4.8).
func (g *Governor) dossierTask(ctx context.Context, userQuery string) []hmlrmodels.ScoredDossier {
	ctx, cancel := g.withTaskTimeout(ctx)
	defer cancel()

	if g.dossiers == nil {
		return nil
	}
	if cached, ok := g.cache.GetDossiers(ctx, userQuery); ok {
		return cached
	}
	dossiers, err := g.dossiers.Retrieve(ctx, userQuery, g.cfg.DossierTopK, g.cfg.DossierThreshold)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor dossier task failed; proceeding with no dossiers")
		return nil
	}
	g.cache.PutDossiers(ctx, userQuery, dossiers)
	return dossiers
}

const factLookupLimit = 20

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// stopwords are filtered out of the query before keyword-matching; this is
// not a full stopword list, just the highest-frequency words that would
// otherwise swamp fact_store ILIKE matches with noise.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true, "were": true,
	"and": true, "or": true, "but": true, "of": true, "to": true, "in": true, "on": true,
	"for": true, "with": true, "at": true, "by": true, "from": true, "about": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"do": true, "does": true, "did": true, "my": true, "your": true, "what": true, "how": true,
}

// nanoKeywords lowercases and tokenizes text, dropping stopwords and
// single-character tokens, per the "nano-keywords of the query" phrasing
// of §4.5 point 3.
func nanoKeywords(text string) []string {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(tokens))
	seen := make(map[string]bool)
	for _, t := range tokens {
		if len(t) < 2 || stopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

const routingPrompt = `You route a user's new message to one of today's existing conversation blocks, or declare it a new topic.
Return ONLY a JSON object shaped exactly {"matched_block_id": string or null, "is_new_topic": boolean, "suggested_label": string}.
Set matched_block_id to the block_id of the best-matching existing block if the message clearly continues or resumes it, and is_new_topic to false.
If no existing block fits, set matched_block_id to null, is_new_topic to true, and suggested_label to a short (2-5 word) label for the new topic.
Do not include any text outside the JSON object.`
