// Package contexthydrator implements C9: the deterministic prompt
// formatter. Build assembles the fixed section order mandated by §4.9 —
// system preamble, user profile, sticky tags, dossiers, memories, this
// block's prior turns, the current message, and the metadata-emission
// instruction — and never emits the same artefact twice.
package contexthydrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/profilestore"
	"github.com/sv-dev/hmlr/internal/store"
)

// recentVerbatimTurns bounds how many of the current block's most recent
// turns are hydrated verbatim; earlier turns in the same block fall back to
// their compressed_content (§4.9 "verbatim for recent, compressed for
// older").
const recentVerbatimTurns = 3

// Input collects every artefact a single turn's hydration needs. It mirrors
// ContextHydrator.build's parameter list in §4.6 step 5, plus the profile
// entries the engine loaded from ProfileStore.
type Input struct {
	BlockID    string
	Memories   []hmlrmodels.ScoredMemory
	Facts      []hmlrmodels.Fact
	Dossiers   []hmlrmodels.ScoredDossier
	UserText   string
	IsNewTopic bool
	Profile    []profilestore.Entry
}

// Hydrator is the ContextHydrator collaborator.
type Hydrator struct {
	kv store.KV
}

// New constructs a Hydrator bound to kv, used to resolve memory hits back
// to their owning block and to load the current block's prior turns and
// sticky tags.
func New(kv store.KV) *Hydrator {
	return &Hydrator{kv: kv}
}

// Build assembles the prompt for in.BlockID in the fixed section order
// required by §4.9.
func (h *Hydrator) Build(ctx context.Context, in Input) (string, error) {
	var b strings.Builder

	writeSection(&b, systemPreamble())
	if s := profileSection(in.Profile); s != "" {
		writeSection(&b, s)
	}

	meta, err := h.kv.GetBlockMetadata(ctx, in.BlockID)
	if err != nil {
		return "", fmt.Errorf("load block metadata for %q: %w", in.BlockID, err)
	}
	if s := stickyTagsSection(meta); s != "" {
		writeSection(&b, s)
	}

	if s := dossiersSection(in.Dossiers); s != "" {
		writeSection(&b, s)
	}

	memSection, err := h.memoriesSection(ctx, in.Memories, in.BlockID)
	if err != nil {
		return "", err
	}
	if memSection != "" {
		writeSection(&b, memSection)
	}

	turns, err := h.kv.GetTurnsForBlock(ctx, in.BlockID)
	if err != nil {
		return "", fmt.Errorf("load turns for block %q: %w", in.BlockID, err)
	}
	if s := priorTurnsSection(turns, in.IsNewTopic); s != "" {
		writeSection(&b, s)
	}

	writeSection(&b, "## Current user message\n"+in.UserText)
	writeSection(&b, metadataInstruction())

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func writeSection(b *strings.Builder, section string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(section)
}

func systemPreamble() string {
	return "## System\nYou are a conversational assistant with access to the user's long-term memory. " +
		"Use the sections below as ground truth about the user; never contradict a constraint marked [IMMUTABLE]."
}

// profileSection lists constraints first (severity-strict entries marked
// immutable), then the remaining entries, per §4.9.
func profileSection(entries []profilestore.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var constraints, other []profilestore.Entry
	for _, e := range entries {
		if e.Immutable {
			constraints = append(constraints, e)
		} else {
			other = append(other, e)
		}
	}
	var b strings.Builder
	b.WriteString("## User profile\n")
	for _, e := range constraints {
		fmt.Fprintf(&b, "- [IMMUTABLE] %s: %s\n", e.Key, e.Value)
	}
	for _, e := range other {
		fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// stickyTagsSection lists this block's global tags once (§4.9's explicit
// token-economy invariant applies here too: a block's tags are not repeated
// per turn or per chunk below).
func stickyTagsSection(meta hmlrmodels.BlockMetadata) string {
	if len(meta.GlobalTags) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Sticky tags for this block\n")
	for _, t := range meta.GlobalTags {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	return strings.TrimRight(b.String(), "\n")
}

// dossiersSection groups facts by dossier, bulleted, per §4.9.
func dossiersSection(dossiers []hmlrmodels.ScoredDossier) string {
	if len(dossiers) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Retrieved dossiers\n")
	for _, d := range dossiers {
		fmt.Fprintf(&b, "### %s\n%s\n", d.Dossier.Title, d.Dossier.Summary)
		for _, f := range d.Facts {
			fmt.Fprintf(&b, "- %s\n", f.FactText)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// memoriesSection groups retrieved memory hits by their owning block,
// resolving each hit (a turn id or a sentence-chunk id) back to a turn and
// then a block. A block's global tags are emitted once per block here, not
// once per chunk — the explicit token-economy invariant named twice in
// §4.9. The current block (already covered by stickyTagsSection) is
// excluded to avoid emitting the same artefact twice.
func (h *Hydrator) memoriesSection(ctx context.Context, memories []hmlrmodels.ScoredMemory, currentBlockID string) (string, error) {
	if len(memories) == 0 {
		return "", nil
	}

	type hit struct {
		text  string
		score float32
	}
	byBlock := make(map[string][]hit)
	var order []string

	for _, m := range memories {
		turnID, text, err := h.resolveMemoryText(ctx, m.ID)
		if err != nil {
			return "", err
		}
		if turnID == "" {
			continue
		}
		turn, ok, err := h.kv.GetTurn(ctx, turnID)
		if err != nil {
			return "", fmt.Errorf("resolve memory hit %q: %w", m.ID, err)
		}
		if !ok || turn.BlockID == "" || turn.BlockID == currentBlockID {
			continue
		}
		if _, seen := byBlock[turn.BlockID]; !seen {
			order = append(order, turn.BlockID)
		}
		byBlock[turn.BlockID] = append(byBlock[turn.BlockID], hit{text: text, score: m.Score})
	}
	if len(order) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Retrieved long-term memories\n")
	for _, blockID := range order {
		block, err := h.kv.GetBlock(ctx, blockID)
		if err != nil {
			continue
		}
		meta, err := h.kv.GetBlockMetadata(ctx, blockID)
		if err != nil {
			return "", fmt.Errorf("load metadata for memory block %q: %w", blockID, err)
		}
		fmt.Fprintf(&b, "### %s (%s)\n", block.TopicLabel, block.Header)
		for _, tag := range meta.GlobalTags {
			fmt.Fprintf(&b, "- [tag] %s\n", tag)
		}
		for _, hit := range byBlock[blockID] {
			fmt.Fprintf(&b, "- %s\n", hit.text)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// resolveMemoryText resolves a memory-index id to (turn_id, text). The
// memory index holds both whole-turn ids (written at engine step 8, user
// text only) and sentence-chunk ids (written by the Gardener); a chunk
// lookup that misses falls back to treating id as a turn id directly.
func (h *Hydrator) resolveMemoryText(ctx context.Context, id string) (turnID, text string, err error) {
	chunk, ok, err := h.kv.GetChunk(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("resolve chunk %q: %w", id, err)
	}
	if ok {
		return chunk.TurnID, chunk.TextVerbatim, nil
	}
	turn, ok, err := h.kv.GetTurn(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("resolve turn %q: %w", id, err)
	}
	if !ok {
		return "", "", nil
	}
	return turn.TurnID, turn.UserMessage, nil
}

// priorTurnsSection renders this block's turns oldest-first, verbatim for
// the most recent recentVerbatimTurns and compressed for the rest (§4.9).
// A brand-new block (is_new_topic) has no prior turns to show.
func priorTurnsSection(turns []hmlrmodels.Turn, isNewTopic bool) string {
	if isNewTopic || len(turns) == 0 {
		return ""
	}
	cutoff := len(turns) - recentVerbatimTurns
	var b strings.Builder
	b.WriteString("## This block's prior turns\n")
	for i, t := range turns {
		verbatim := i >= cutoff
		userText := t.UserMessage
		assistantText := t.AssistantResponse
		if !verbatim && t.DetailLevel == hmlrmodels.DetailCompressed && t.CompressedContent != nil {
			fmt.Fprintf(&b, "- [turn %d, compressed] %s\n", t.TurnSequence, *t.CompressedContent)
			continue
		}
		fmt.Fprintf(&b, "- [turn %d] User: %s\n  Assistant: %s\n", t.TurnSequence, userText, assistantText)
	}
	return strings.TrimRight(b.String(), "\n")
}

// metadataInstruction tells the main LLM how to emit the optional
// structured metadata block the engine parses and strips in step 6 (§12's
// fenced-json-block contract).
func metadataInstruction() string {
	return "## Metadata instructions\n" +
		"If you have structured metadata to report for this turn (keywords, topics, affect), " +
		"append a fenced block after your reply, exactly:\n```json\n{\"keywords\": [...], \"topics\": [...], \"affect\": \"...\"}\n```\n" +
		"Omit it entirely if you have nothing to report. It will be stripped from what the user sees."
}
