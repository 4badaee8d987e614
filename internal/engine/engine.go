// Package engine implements the turn pipeline of SPEC_FULL.md §4.6: the
// orchestrator that turns one user message into a hydrated prompt, a main
// LLM call, and a single atomic persistence step, wiring together every
// other HMLR subsystem. This is the engine's "coroutine control flow
// becomes a bounded task pool with explicit join points" design note (§9):
// each step below is one join, driven by golang.org/x/sync/errgroup where
// the source used concurrent coroutines.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sv-dev/hmlr/internal/bridgeledger"
	"github.com/sv-dev/hmlr/internal/chunker"
	"github.com/sv-dev/hmlr/internal/contexthydrator"
	"github.com/sv-dev/hmlr/internal/embedding"
	"github.com/sv-dev/hmlr/internal/factextractor"
	"github.com/sv-dev/hmlr/internal/governor"
	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/idgen"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/profilestore"
	"github.com/sv-dev/hmlr/internal/store"
)

// Status is the user-visible outcome of a single RunTurn call (§7): a
// turn either reaches step 8 and commits, or the user sees ERROR — there is
// no partial-success state.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Result is what RunTurn hands back to the process surface.
type Result struct {
	Status     Status
	Response   string
	TurnID     string
	BlockID    string
	IsNewTopic bool
	Scenario   bridgeledger.Scenario
}

// Engine orchestrates the §4.6 turn pipeline. One Engine is shared across
// sessions; all per-session state lives in the caller-owned
// hmlrmodels.Session value passed to RunTurn — there is no engine-held
// global mutable state (§9 design note).
type Engine struct {
	kv          store.KV
	chunker     chunker.Chunker
	extractor   *factextractor.Extractor
	governor    *governor.Governor
	ledger      *bridgeledger.Ledger
	hydrator    *contexthydrator.Hydrator
	memEmbedder embedding.Embedder // write-model embedder bound to the "memory" index, for step 8's VectorIndex.put
	provider    llm.Provider
	mainModel   string
	profile     *profilestore.Store
	scribe      *profilestore.Scribe
}

// New constructs an Engine from its collaborators. scribe may be nil (no
// background profile update fires).
func New(
	kv store.KV,
	ck chunker.Chunker,
	extractor *factextractor.Extractor,
	gov *governor.Governor,
	ledger *bridgeledger.Ledger,
	hydrator *contexthydrator.Hydrator,
	memEmbedder embedding.Embedder,
	provider llm.Provider,
	mainModel string,
	profile *profilestore.Store,
	scribe *profilestore.Scribe,
) *Engine {
	return &Engine{
		kv: kv, chunker: ck, extractor: extractor, governor: gov, ledger: ledger,
		hydrator: hydrator, memEmbedder: memEmbedder, provider: provider, mainModel: mainModel,
		profile: profile, scribe: scribe,
	}
}

// RunTurn executes §4.6 steps 1-9 for one user message against sess,
// mutating sess.NextSequence and sess.CurrentDay in place. It returns no Go
// error: per §7, every failed turn, including one cut short by context
// cancellation, is reported as Result.Status == ERROR.
func (e *Engine) RunTurn(ctx context.Context, sess *hmlrmodels.Session, userText string) Result {
	log := hmlrlog.FromContext(ctx)

	// Step 1: generate turn_id, chunk the user text.
	turnID := idgen.New("turn")
	dayID := sess.CurrentDay
	if dayID == "" {
		dayID = idgen.DayID(time.Now())
		sess.CurrentDay = dayID
	}
	chunks := e.chunker.ChunkTurn(userText, turnID, nil)

	// Step 2: FactExtractor.extract_and_save concurrently with
	// Governor.govern.
	var (
		facts      []hmlrmodels.Fact
		extractErr error
		govResult  governor.Result
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		f, err := e.extractor.ExtractAndSave(gctx, turnID, userText, chunks, nil)
		facts, extractErr = f, err
		return nil // extraction failure is logged, never fatal to the turn (§4.3)
	})
	grp.Go(func() error {
		govResult = e.governor.Govern(gctx, dayID, userText)
		return nil
	})
	_ = grp.Wait()
	if extractErr != nil {
		log.Warn().Err(extractErr).Str("turn_id", turnID).Msg("fact extraction failed for this turn; proceeding without new facts")
	}

	// Step 3: apply the Governor's routing decision to the BridgeLedger.
	routing, err := e.ledger.ApplyRouting(ctx, dayID, govResult.Routing)
	if err != nil {
		return e.errorResult(ctx, fmt.Errorf("apply routing: %w", err))
	}
	blockID := routing.BlockID

	// Step 4 (back-filling facts' source_block_id) is folded into the
	// atomic write below, alongside steps 7 and 8, per §4.6's atomicity
	// requirement.

	// Step 5: hydrate the prompt.
	profile, err := e.profile.Load()
	if err != nil {
		return e.errorResult(ctx, fmt.Errorf("load profile: %w", err))
	}
	allFacts := make([]hmlrmodels.Fact, 0, len(facts)+len(govResult.Facts))
	allFacts = append(allFacts, facts...)
	allFacts = append(allFacts, govResult.Facts...)
	prompt, err := e.hydrator.Build(ctx, contexthydrator.Input{
		BlockID:    blockID,
		Memories:   govResult.Memories,
		Facts:      allFacts,
		Dossiers:   govResult.Dossiers,
		UserText:   userText,
		IsNewTopic: routing.IsNewTopic,
		Profile:    profile.Entries,
	})
	if err != nil {
		return e.errorResult(ctx, fmt.Errorf("hydrate context: %w", err))
	}

	// Step 6: call the main LLM; parse and strip the optional metadata block.
	raw, err := e.provider.Complete(ctx, "", prompt, e.mainModel)
	if err != nil {
		// Main generation is fail-closed (§5, §7), unlike the Governor's
		// best-effort retrieval tasks.
		return e.errorResult(ctx, fmt.Errorf("main generation: %w", err))
	}
	visible, meta := extractMetadata(raw)

	sess.NextSequence++
	turn := hmlrmodels.Turn{
		TurnID:            turnID,
		SessionID:         sess.SessionID,
		DayID:             dayID,
		BlockID:           blockID,
		TurnSequence:      sess.NextSequence,
		Timestamp:         time.Now(),
		UserMessage:       userText,
		AssistantResponse: visible,
		DetailLevel:       hmlrmodels.DetailVerbatim,
	}
	if meta.OK {
		turn.Keywords = meta.Fields.Keywords
		turn.Topics = meta.Fields.Topics
		turn.Affect = meta.Fields.Affect
	}

	// Step 8's embedding: only user text is ever embedded (§9 open
	// question, resolved "no" for assistant responses). Computed outside
	// the transaction (it's an external HTTP call); written inside it.
	vecs, err := e.memEmbedder.Embed(ctx, []string{userText})
	if err != nil {
		return e.errorResult(ctx, fmt.Errorf("embed user text: %w", err))
	}

	// Steps 4, 7, 8 in one transaction: if the turn append fails, the
	// facts' backfilled block id and any metadata update must not survive
	// either, or the Governor would later surface a fact citing a block
	// with no corresponding turn.
	err = e.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.UpdateFactsBlockID(ctx, turnID, blockID); err != nil {
			return err
		}
		if meta.OK {
			if err := e.ledger.UpdateMetadata(ctx, tx, blockID, meta.RawJSON); err != nil {
				return err
			}
		}
		if err := e.ledger.AppendTurn(ctx, tx, blockID, turn, chunks); err != nil {
			return err
		}
		return tx.PutEmbedding(ctx, store.EmbeddingRow{ID: turnID, Index: "memory", Vector: vecs[0], CreatedAt: time.Now()})
	})
	if err != nil {
		// Step 2 already committed this turn's facts in their own
		// transaction (FactExtractor.ExtractAndSave), ahead of this
		// commit step. Since this step failed, the turn never happened:
		// those facts (and any embedding row that did make it in before
		// the failing statement) must not survive either, per §7's "no
		// facts for that turn_id" requirement. The compensation is
		// best-effort; a failure here is logged but still surfaces the
		// original commit error to the caller.
		if cerr := e.kv.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.DeleteFactsForTurn(ctx, turnID); err != nil {
				return err
			}
			return tx.DeleteEmbedding(ctx, "memory", turnID)
		}); cerr != nil {
			log.Error().Err(cerr).Str("turn_id", turnID).Msg("failed to compensate facts/embedding after turn commit failure; fact store may retain orphaned rows for this turn_id")
		}
		return e.errorResult(ctx, hmlrerrors.NewStorageWriteError("turn_commit", err))
	}

	// Step 9: fire-and-forget Scribe. Uses a cancellation-detached context
	// so a caller-side timeout on this RunTurn call doesn't also cut off
	// the background update; Drain (at shutdown) is what actually bounds it.
	if e.scribe != nil {
		e.scribe.Fire(context.WithoutCancel(ctx), blockID)
	}

	return Result{Status: StatusSuccess, Response: visible, TurnID: turnID, BlockID: blockID, IsNewTopic: routing.IsNewTopic, Scenario: routing.Scenario}
}

func (e *Engine) errorResult(ctx context.Context, err error) Result {
	hmlrlog.FromContext(ctx).Error().Err(err).Msg("turn failed; surfacing ERROR response")
	return Result{Status: StatusError, Response: "ERROR: the assistant could not complete this turn. Please try again."}
}
