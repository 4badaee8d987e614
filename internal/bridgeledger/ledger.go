// Package bridgeledger implements C5: the Bridge Block state machine over
// active/paused/closed topic blocks within a day. It owns the five routing
// scenarios the Governor exercises (§4.4, §4.5) and the summary-generation
// side effect that fires on every ACTIVE->PAUSED / ACTIVE->CLOSED
// transition.
package bridgeledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/sv-dev/hmlr/internal/gardener"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/idgen"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/store"
)

// Scenario names the routing outcome applied by ApplyRouting, matching the
// five scenarios named in §4.4.
type Scenario string

const (
	ScenarioContinuation Scenario = "continuation"
	ScenarioResumption   Scenario = "resumption"
	ScenarioNewFirst     Scenario = "new_first"
	ScenarioShift        Scenario = "shift"
	ScenarioFallback     Scenario = "fallback"
)

// Result is what ApplyRouting hands back to the engine: the block a turn
// should be appended to, whether this counts as a new topic, and which
// scenario fired (useful for logging/tests, not load-bearing for callers).
type Result struct {
	BlockID    string
	IsNewTopic bool
	Scenario   Scenario
}

// Ledger is the BridgeLedger collaborator. Day-scoped transitions are
// serialised by a per-day mutex (§5) so "at most one ACTIVE block per day"
// holds even across concurrent sessions targeting the same day.
type Ledger struct {
	kv        store.KV
	provider  llm.Provider
	nanoModel string
	queue     gardener.Queue

	mu       sync.Mutex
	dayLocks map[string]*sync.Mutex
}

// New constructs a Ledger. nanoModel names the cheap model used for block
// summary generation, mirroring the Governor's use of a cheap model for its
// routing task.
func New(kv store.KV, provider llm.Provider, nanoModel string) *Ledger {
	return &Ledger{kv: kv, provider: provider, nanoModel: nanoModel, dayLocks: make(map[string]*sync.Mutex)}
}

// SetGardenQueue attaches a gardener.Queue the ledger notifies, best-effort,
// whenever a block is marked pending gardening, so a consumer can promote it
// promptly instead of waiting for the next poll of
// KV.ListPendingGardeningBlocks. Optional: a nil or never-set queue leaves
// the poll-only path as the sole promotion mechanism.
func (l *Ledger) SetGardenQueue(q gardener.Queue) {
	l.queue = q
}

// notifyGardenQueue is best-effort: a queue outage never fails the turn that
// triggered the transition, since ListPendingGardeningBlocks remains the
// authoritative, durable record.
func (l *Ledger) notifyGardenQueue(ctx context.Context, blockID string) {
	if l.queue == nil {
		return
	}
	if err := l.queue.Enqueue(ctx, blockID); err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("block_id", blockID).Msg("garden queue enqueue failed; block remains pending via poll")
	}
}

func (l *Ledger) dayLock(dayID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.dayLocks[dayID]
	if !ok {
		m = &sync.Mutex{}
		l.dayLocks[dayID] = m
	}
	return m
}

// ApplyRouting applies one of the five routing scenarios for dayID given the
// Governor's routing decision, returning the block the current turn belongs
// to. It is the only entry point that creates blocks, and the only one that
// changes their status apart from Close (ACTIVE/PAUSED -> CLOSED); the
// "CLOSED never reactivates" invariant is enforced here.
func (l *Ledger) ApplyRouting(ctx context.Context, dayID string, decision hmlrmodels.RoutingDecision) (Result, error) {
	lock := l.dayLock(dayID)
	lock.Lock()
	defer lock.Unlock()

	blocks, err := l.kv.GetActiveBridgeBlocks(ctx, dayID)
	if err != nil {
		return Result{}, fmt.Errorf("load day blocks: %w", err)
	}

	var current *hmlrmodels.BridgeBlock
	byID := make(map[string]hmlrmodels.BridgeBlock, len(blocks))
	for i := range blocks {
		b := blocks[i]
		byID[b.BlockID] = b
		if b.Status == hmlrmodels.BlockActive {
			bb := b
			current = &bb
		}
	}

	label := decision.SuggestedLabel
	if label == "" {
		label = "General Discussion"
	}

	if decision.MatchedBlockID != nil {
		if matched, ok := byID[*decision.MatchedBlockID]; ok {
			switch matched.Status {
			case hmlrmodels.BlockActive:
				return Result{BlockID: matched.BlockID, IsNewTopic: false, Scenario: ScenarioContinuation}, nil
			case hmlrmodels.BlockPaused:
				return l.resume(ctx, dayID, matched, current)
			case hmlrmodels.BlockClosed:
				// Closed blocks never reactivate (§3 invariant); fall through
				// to the indeterminate-routing fallback below.
			}
		}
	}

	if current == nil {
		blockID, err := l.createActive(ctx, dayID, label, nil)
		if err != nil {
			return Result{}, err
		}
		scenario := ScenarioNewFirst
		if decision.MatchedBlockID != nil {
			scenario = ScenarioFallback
		}
		return Result{BlockID: blockID, IsNewTopic: true, Scenario: scenario}, nil
	}

	blockID, err := l.createActive(ctx, dayID, label, current)
	if err != nil {
		return Result{}, err
	}
	scenario := ScenarioShift
	if decision.MatchedBlockID != nil {
		scenario = ScenarioFallback
	}
	return Result{BlockID: blockID, IsNewTopic: true, Scenario: scenario}, nil
}

// resume implements the Resumption scenario: matched PAUSED->ACTIVE, the
// previously active block (if any, and if distinct) ->PAUSED. Like the Shift
// path in createActive, pausing current also marks it pending gardening: a
// block leaving ACTIVE is done accumulating turns for now, regardless of
// which scenario paused it, so both should queue it for the same offline
// promotion pass rather than waiting on matched's own eventual pause/close.
func (l *Ledger) resume(ctx context.Context, dayID string, matched hmlrmodels.BridgeBlock, current *hmlrmodels.BridgeBlock) (Result, error) {
	var pauseSummary string
	if current != nil && current.BlockID != matched.BlockID {
		pauseSummary = l.generateSummary(ctx, current.BlockID)
	}

	err := l.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if current != nil && current.BlockID != matched.BlockID {
			if err := tx.UpdateBridgeBlockStatus(ctx, current.BlockID, hmlrmodels.BlockPaused); err != nil {
				return err
			}
			if pauseSummary != "" {
				if err := tx.UpdateBridgeBlockHeader(ctx, current.BlockID, pauseSummary); err != nil {
					return err
				}
			}
			if err := tx.MarkBlockPendingGardening(ctx, current.BlockID); err != nil {
				return err
			}
		}
		return tx.UpdateBridgeBlockStatus(ctx, matched.BlockID, hmlrmodels.BlockActive)
	})
	if err != nil {
		return Result{}, fmt.Errorf("resume block %q: %w", matched.BlockID, err)
	}
	if current != nil && current.BlockID != matched.BlockID {
		l.notifyGardenQueue(ctx, current.BlockID)
	}
	return Result{BlockID: matched.BlockID, IsNewTopic: false, Scenario: ScenarioResumption}, nil
}

// createActive creates a new ACTIVE block, pausing priorActive first (with
// a generated summary) if one is given. Used by both the NewFirst and Shift
// scenarios; priorActive == nil distinguishes them.
func (l *Ledger) createActive(ctx context.Context, dayID, label string, priorActive *hmlrmodels.BridgeBlock) (string, error) {
	var pauseSummary string
	if priorActive != nil {
		pauseSummary = l.generateSummary(ctx, priorActive.BlockID)
	}

	var newBlockID string
	err := l.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if priorActive != nil {
			if err := tx.UpdateBridgeBlockStatus(ctx, priorActive.BlockID, hmlrmodels.BlockPaused); err != nil {
				return err
			}
			if pauseSummary != "" {
				if err := tx.UpdateBridgeBlockHeader(ctx, priorActive.BlockID, pauseSummary); err != nil {
					return err
				}
			}
			if err := tx.MarkBlockPendingGardening(ctx, priorActive.BlockID); err != nil {
				return err
			}
		}
		id, err := tx.CreateBridgeBlock(ctx, dayID, label, nil)
		if err != nil {
			return err
		}
		newBlockID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create active block for day %q: %w", dayID, err)
	}
	if priorActive != nil {
		l.notifyGardenQueue(ctx, priorActive.BlockID)
	}
	return newBlockID, nil
}

// Close transitions blockID to CLOSED, generating its final summary and
// enqueueing it for gardening. Closed blocks never return to ACTIVE.
func (l *Ledger) Close(ctx context.Context, blockID string) error {
	summary := l.generateSummary(ctx, blockID)
	err := l.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateBridgeBlockStatus(ctx, blockID, hmlrmodels.BlockClosed); err != nil {
			return err
		}
		if summary != "" {
			if err := tx.UpdateBridgeBlockHeader(ctx, blockID, summary); err != nil {
				return err
			}
		}
		return tx.MarkBlockPendingGardening(ctx, blockID)
	})
	if err != nil {
		return err
	}
	l.notifyGardenQueue(ctx, blockID)
	return nil
}

// AppendTurn appends turn and its chunks to blockID. Rejects unless the
// block is ACTIVE (§4.4); the status check runs inside tx, in
// Tx.AppendTurnToBlock, so no read goes through the KV outside the
// transaction the caller holds.
func (l *Ledger) AppendTurn(ctx context.Context, tx store.Tx, blockID string, turn hmlrmodels.Turn, chunks []hmlrmodels.Chunk) error {
	return tx.AppendTurnToBlock(ctx, blockID, turn, chunks)
}

// UpdateMetadata is idempotent: repeated calls with the same headerJSON
// leave the block in the same state (§4.4).
func (l *Ledger) UpdateMetadata(ctx context.Context, tx store.Tx, blockID, headerJSON string) error {
	return tx.UpdateBridgeBlockMetadataJSON(ctx, blockID, headerJSON)
}

// generateSummary runs the LLM-driven block summary used on every
// ACTIVE->PAUSED/ACTIVE->CLOSED transition. Failure is non-fatal: it logs a
// warning and the caller proceeds with an empty summary, so the block keeps
// its previous header. No repair flag is recorded for such a block.
func (l *Ledger) generateSummary(ctx context.Context, blockID string) string {
	turns, err := l.kv.GetTurnsForBlock(ctx, blockID)
	if err != nil {
		return ""
	}
	var transcript string
	for _, t := range turns {
		transcript += fmt.Sprintf("User: %s\nAssistant: %s\n", t.UserMessage, t.AssistantResponse)
	}
	if l.provider == nil {
		return ""
	}
	summary, err := l.provider.Complete(ctx, summaryPrompt, transcript, l.nanoModel)
	if err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Str("block_id", blockID).Msg("block summary generation failed; proceeding with empty summary")
		return ""
	}
	return summary
}

const summaryPrompt = "Summarize this conversation block in 1-3 sentences, naming the topic discussed. Return plain text only, no markdown."
