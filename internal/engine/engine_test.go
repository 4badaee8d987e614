package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/bridgeledger"
	"github.com/sv-dev/hmlr/internal/chunker"
	"github.com/sv-dev/hmlr/internal/contexthydrator"
	"github.com/sv-dev/hmlr/internal/factextractor"
	"github.com/sv-dev/hmlr/internal/governor"
	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/profilestore"
	"github.com/sv-dev/hmlr/internal/store"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Dimensions() int   { return f.dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

type fakeProvider struct {
	response string
	err      error
	calls    []string // userPrompt of each call, in order
}

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	f.calls = append(f.calls, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestEngine(t *testing.T, provider *fakeProvider) (*Engine, store.KV) {
	t.Helper()
	kv := store.NewMemory()
	ck := chunker.New()
	extractor := factextractor.New(kv, provider, "nano")
	gov := governor.New(kv, nil, nil, provider, "nano", hmlrconfig.Default().Governor)
	ledger := bridgeledger.New(kv, provider, "nano")
	hydrator := contexthydrator.New(kv)
	profile := profilestore.New(filepath.Join(t.TempDir(), "profile.json"))
	e := New(kv, ck, extractor, gov, ledger, hydrator, &fakeEmbedder{dim: 4}, provider, "main", profile, nil)
	return e, kv
}

func TestRunTurn_SuccessCommitsTurnAndStripsMetadata(t *testing.T) {
	provider := &fakeProvider{response: "Hello there!\n```json\n{\"keywords\":[\"greeting\"],\"topics\":[\"chat\"],\"affect\":\"neutral\"}\n```"}
	e, kv := newTestEngine(t, provider)
	sess := &hmlrmodels.Session{SessionID: "s1"}

	res := e.RunTurn(context.Background(), sess, "hi there")
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "Hello there!", res.Response)
	require.NotEmpty(t, res.BlockID)
	require.True(t, res.IsNewTopic)

	turns, err := kv.GetTurnsForBlock(context.Background(), res.BlockID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "hi there", turns[0].UserMessage)
	require.Equal(t, "Hello there!", turns[0].AssistantResponse)
	require.Equal(t, []string{"greeting"}, turns[0].Keywords)
	require.Equal(t, "neutral", turns[0].Affect)
	require.Equal(t, 1, sess.NextSequence)
}

func TestRunTurn_MainGenerationFailureReturnsErrorWithoutPersisting(t *testing.T) {
	provider := &fakeProvider{err: require.AnError}
	e, kv := newTestEngine(t, provider)
	sess := &hmlrmodels.Session{SessionID: "s1"}

	res := e.RunTurn(context.Background(), sess, "hi there")
	require.Equal(t, StatusError, res.Status)

	turns, err := kv.GetRecentTurns(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, turns)
	require.Equal(t, 0, sess.NextSequence)
}

func TestRunTurn_NoMetadataBlockLeavesResponseUntouched(t *testing.T) {
	provider := &fakeProvider{response: "Just a plain reply."}
	e, _ := newTestEngine(t, provider)
	sess := &hmlrmodels.Session{SessionID: "s1"}

	res := e.RunTurn(context.Background(), sess, "hi there")
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "Just a plain reply.", res.Response)
}

func TestRunTurn_SecondTurnAdvancesSequence(t *testing.T) {
	provider := &fakeProvider{response: "ack"}
	e, _ := newTestEngine(t, provider)
	sess := &hmlrmodels.Session{SessionID: "s1"}

	first := e.RunTurn(context.Background(), sess, "first message")
	require.Equal(t, StatusSuccess, first.Status)

	// Governor has no real routing model wired (provider always returns
	// "ack", which fails routing-decision JSON parsing), so the routing
	// task falls back to is_new_topic=true and the second turn opens a new
	// block, pausing the first (Shift); that fallback is exercised
	// implicitly here rather than asserting block identity.
	second := e.RunTurn(context.Background(), sess, "second message")
	require.Equal(t, StatusSuccess, second.Status)
	require.Equal(t, 2, sess.NextSequence)
}

// routingFakeProvider answers differently per call so a single turn can
// exercise fact extraction, routing, and main generation against one
// provider, the way a real LLM endpoint would.
type routingFakeProvider struct{}

func (routingFakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	switch {
	case strings.Contains(systemPrompt, "Extract atomic facts"):
		return `[{"key":"home_city","value":"Lisbon","category":"definition"}]`, nil
	case strings.Contains(systemPrompt, "route a user's new message"):
		return "not json", nil // falls back to is_new_topic=true, per the Governor's fail-open routing
	default:
		return "main response", nil
	}
}

// nthTxFailsKV wraps a store.KV and fails the Nth WithTx call (1-indexed),
// passing every other call through unchanged. Used to simulate the
// turn-commit transaction failing after fact extraction has already
// committed its own transaction.
type nthTxFailsKV struct {
	store.KV
	calls  int32
	failOn int32
}

func (k *nthTxFailsKV) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	n := atomic.AddInt32(&k.calls, 1)
	if n == k.failOn {
		return fmt.Errorf("simulated turn-commit failure")
	}
	return k.KV.WithTx(ctx, fn)
}

// TestRunTurn_CommitFailureCompensatesAlreadyCommittedFacts pins down §7's
// rollback rule: step 2's fact extraction commits in its own transaction
// ahead of step 8's turn-commit transaction, so when the turn-commit
// transaction fails, the engine must delete the turn's already-committed
// facts (and any embedding row) rather than leaving them to cite a turn
// that never completed.
func TestRunTurn_CommitFailureCompensatesAlreadyCommittedFacts(t *testing.T) {
	base := store.NewMemory()
	// Call 1: extractor.ExtractAndSave's fact-insert transaction (succeeds).
	// Call 2: ledger.ApplyRouting's createActive transaction (succeeds).
	// Call 3: the engine's step 4/7/8 turn-commit transaction (fails).
	kv := &nthTxFailsKV{KV: base, failOn: 3}

	provider := routingFakeProvider{}
	ck := chunker.New()
	extractor := factextractor.New(kv, provider, "nano")
	gov := governor.New(kv, nil, nil, provider, "nano", hmlrconfig.Default().Governor)
	ledger := bridgeledger.New(kv, provider, "nano")
	hydrator := contexthydrator.New(kv)
	profile := profilestore.New(filepath.Join(t.TempDir(), "profile.json"))
	e := New(kv, ck, extractor, gov, ledger, hydrator, &fakeEmbedder{dim: 4}, provider, "main", profile, nil)

	sess := &hmlrmodels.Session{SessionID: "s1"}
	res := e.RunTurn(context.Background(), sess, "I live in Lisbon")
	require.Equal(t, StatusError, res.Status)

	facts, err := base.SearchFactsByKeywords(context.Background(), []string{"Lisbon"}, 10)
	require.NoError(t, err)
	require.Empty(t, facts, "facts committed by step 2 must be deleted once the turn-commit transaction fails")
}

func TestRunTurn_ScenarioPropagatesFromLedger(t *testing.T) {
	provider := &fakeProvider{response: "ack"}
	e, _ := newTestEngine(t, provider)
	sess := &hmlrmodels.Session{SessionID: "s1"}

	res := e.RunTurn(context.Background(), sess, "first message")
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, bridgeledger.ScenarioNewFirst, res.Scenario)
}
