// Package factextractor implements C4, the "Scrubber": LLM-driven
// extraction of (key, value, category) facts from user text only (§4.3).
// Assistant responses are never scrubbed — they are not a source of truth.
package factextractor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/idgen"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/store"
)

const (
	maxWindowTokens   = 10_000
	overlapTokens     = 500
	boundarySearchLen = 500 // chars, per §4.3's "within 500 characters of the target cut"
)

var jsonArrayFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

type rawFact struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Category string `json:"category"`
}

// Extractor is the FactExtractor collaborator.
type Extractor struct {
	kv       store.KV
	provider llm.Provider
	model    string
}

// New constructs an Extractor bound to model (the cheap/nano model the
// Governor's routing task also uses — extraction is a short, bounded
// generation, not the main conversational response).
func New(kv store.KV, provider llm.Provider, model string) *Extractor {
	return &Extractor{kv: kv, provider: provider, model: model}
}

// ExtractAndSave extracts facts from userText, links each to its best
// matching chunk, and persists them atomically. source_block_id is left nil
// here; the engine backfills it once the Governor assigns a block (§4.6
// step 4).
func (e *Extractor) ExtractAndSave(ctx context.Context, turnID, userText string, chunks []hmlrmodels.Chunk, spanID *string) ([]hmlrmodels.Fact, error) {
	facts := e.extract(ctx, turnID, userText)
	if len(facts) == 0 {
		return nil, nil
	}

	turnChunkID := turnChunkFallback(chunks)
	out := make([]hmlrmodels.Fact, 0, len(facts))
	for _, rf := range facts {
		if rf.Key == "" || rf.Value == "" {
			continue
		}
		out = append(out, hmlrmodels.Fact{
			FactID:        idgen.New("fact"),
			Key:           rf.Key,
			Value:         rf.Value,
			Category:      rf.Category,
			TurnID:        turnID,
			SourceChunkID: bestChunk(chunks, rf.Value, turnChunkID),
		})
	}

	if err := e.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertFacts(ctx, out)
	}); err != nil {
		return nil, fmt.Errorf("persist facts for turn %q: %w", turnID, err)
	}
	return out, nil
}

// extract runs the windowed LLM extraction and deduplicates overlap-region
// facts by (key, value) equality (§4.3).
func (e *Extractor) extract(ctx context.Context, turnID, userText string) []rawFact {
	windows := windowText(userText)
	seen := make(map[string]bool)
	var out []rawFact
	for i, w := range windows {
		facts := e.extractWindow(ctx, turnID, w, i)
		for _, f := range facts {
			key := f.Key + "\x00" + f.Value
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	return out
}

func (e *Extractor) extractWindow(ctx context.Context, turnID, text string, windowIndex int) []rawFact {
	if e.provider == nil {
		return nil
	}
	resp, err := e.provider.Complete(ctx, extractionPrompt, text, e.model)
	if err == nil {
		if facts, ok := parseFacts(resp); ok {
			return facts
		}
	}

	// Bounded retry with a stricter prompt (§4.3).
	resp, err = e.provider.Complete(ctx, strictExtractionPrompt, text, e.model)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("turn_id", turnID).Int("window", windowIndex).Msg("fact extraction failed after retry; returning no facts")
		return nil
	}
	facts, ok := parseFacts(resp)
	if !ok {
		hmlrlog.FromContext(ctx).Warn().Str("turn_id", turnID).Int("window", windowIndex).Msg("fact extraction response unparseable after retry; returning no facts")
		return nil
	}
	return facts
}

func parseFacts(resp string) ([]rawFact, bool) {
	text := strings.TrimSpace(resp)
	if m := jsonArrayFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	var facts []rawFact
	if err := json.Unmarshal([]byte(text), &facts); err != nil {
		return nil, false
	}
	return facts, true
}

// windowText splits text into content windows of at most maxWindowTokens
// tokens with overlapTokens of overlap, preferring a sentence boundary
// within boundarySearchLen characters before the target cut (§4.3).
func windowText(text string) []string {
	tokenEstimate := estimateTokens(text)
	if tokenEstimate <= maxWindowTokens {
		return []string{text}
	}

	maxChars := maxWindowTokens * 4
	overlapChars := overlapTokens * 4

	var windows []string
	start := 0
	for start < len(text) {
		end := start + maxChars
		if end >= len(text) {
			windows = append(windows, text[start:])
			break
		}
		end = snapToSentenceBoundary(text, end)
		windows = append(windows, text[start:end])
		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}
	return windows
}

func snapToSentenceBoundary(text string, target int) int {
	lo := target - boundarySearchLen
	if lo < 0 {
		lo = 0
	}
	// Only boundaries at or before target are considered, so a snapped
	// window never grows past maxWindowTokens.
	hi := target
	best := target
	bestDist := boundarySearchLen + 1
	for i := lo; i < hi; i++ {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n') {
				d := i - target
				if d < 0 {
					d = -d
				}
				if d < bestDist {
					bestDist = d
					best = i + 1
				}
			}
		}
	}
	return best
}

func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// bestChunk links a fact's value to the sentence-level chunk whose
// text_verbatim most closely contains it (longest common substring,
// tie-broken by earliest position), falling back to the turn chunk.
func bestChunk(chunks []hmlrmodels.Chunk, value, turnChunkID string) string {
	bestID := turnChunkID
	bestLen := 0
	for _, c := range chunks {
		if c.ChunkType != hmlrmodels.ChunkSentence {
			continue
		}
		l := longestCommonSubstringLen(c.TextVerbatim, value)
		if l > bestLen {
			bestLen = l
			bestID = c.ChunkID
		}
	}
	return bestID
}

func turnChunkFallback(chunks []hmlrmodels.Chunk) string {
	for _, c := range chunks {
		if c.ChunkType == hmlrmodels.ChunkTurn {
			return c.ChunkID
		}
	}
	return ""
}

// longestCommonSubstringLen computes the length of the longest common
// substring of a and b via classic O(len(a)*len(b)) DP; inputs here are
// sentence-sized, so this stays cheap.
func longestCommonSubstringLen(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}

const extractionPrompt = `Extract atomic facts about the user from the following text. Return ONLY a JSON array of objects with fields "key", "value", "category" (category is one of: environment, constraint, definition, alias, preference, other). If there are no facts, return []. Do not include any text outside the JSON array.`

const strictExtractionPrompt = `Your previous response could not be parsed as JSON. Return ONLY a raw JSON array (no markdown fence, no commentary) of objects shaped exactly {"key": string, "value": string, "category": string}. If there are no facts, return exactly [].`
