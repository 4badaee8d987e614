package factextractor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/chunker"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
)

type fakeProvider struct {
	responses []string
	calls     int
}

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	if f.calls >= len(f.responses) {
		return "[]", nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func TestExtractAndSave_OnlyUserTextSingleWindow(t *testing.T) {
	kv := store.NewMemory()
	p := &fakeProvider{responses: []string{`[{"key":"diet","value":"I am strictly vegetarian","category":"constraint"}]`}}
	e := New(kv, p, "nano")
	ch := chunker.New()
	chunks := ch.ChunkTurn("I am strictly vegetarian. I don't eat meat or fish.", "t1", nil)

	facts, err := e.ExtractAndSave(context.Background(), "t1", "I am strictly vegetarian. I don't eat meat or fish.", chunks, nil)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, "constraint", facts[0].Category)
	require.NotEmpty(t, facts[0].SourceChunkID)

	saved, err := kv.GetFactsForBlock(context.Background(), "") // not yet assigned to a block
	require.NoError(t, err)
	require.Empty(t, saved) // source_block_id is nil until the engine backfills it
}

func TestExtractAndSave_UnparseableResponseRetriesThenReturnsEmpty(t *testing.T) {
	kv := store.NewMemory()
	p := &fakeProvider{responses: []string{"not json", "still not json"}}
	e := New(kv, p, "nano")

	facts, err := e.ExtractAndSave(context.Background(), "t1", "hello there", nil, nil)
	require.NoError(t, err)
	require.Empty(t, facts)
	require.Equal(t, 2, p.calls)
}

func TestExtractAndSave_RetrySucceeds(t *testing.T) {
	kv := store.NewMemory()
	p := &fakeProvider{responses: []string{"garbage", `[{"key":"k","value":"v","category":"other"}]`}}
	e := New(kv, p, "nano")

	facts, err := e.ExtractAndSave(context.Background(), "t1", "hello there", nil, nil)
	require.NoError(t, err)
	require.Len(t, facts, 1)
}

func TestWindowText_SplitsLargeInputWithOverlap(t *testing.T) {
	// ~15,000 tokens ~= 60,000 chars, built from repeated sentences so
	// sentence boundaries exist throughout.
	sentence := "The quick brown fox jumps over the lazy dog. "
	var b strings.Builder
	for b.Len() < 60_000 {
		b.WriteString(sentence)
	}
	windows := windowText(b.String())
	require.Len(t, windows, 2)
	require.LessOrEqual(t, estimateTokens(windows[0]), maxWindowTokens)
}

func TestWindowText_SmallInputSingleWindow(t *testing.T) {
	windows := windowText("short text")
	require.Len(t, windows, 1)
	require.Equal(t, "short text", windows[0])
}

func TestBestChunk_LinksToSentenceContainingValue(t *testing.T) {
	ch := chunker.New()
	text := "I love hiking on weekends. I am strictly vegetarian."
	chunks := ch.ChunkTurn(text, "t1", nil)

	id := bestChunk(chunks, "strictly vegetarian", "turnfallback")
	var linked hmlrmodels.Chunk
	for _, c := range chunks {
		if c.ChunkID == id {
			linked = c
		}
	}
	require.Contains(t, linked.TextVerbatim, "vegetarian")
}

func TestBestChunk_FallsBackToTurnChunkWhenNoMatch(t *testing.T) {
	id := bestChunk(nil, "anything", "turnfallback")
	require.Equal(t, "turnfallback", id)
}

func TestExtract_DedupsRepeatedFactWithinWindow(t *testing.T) {
	kv := store.NewMemory()
	p := &fakeProvider{responses: []string{
		`[{"key":"diet","value":"vegetarian","category":"constraint"},{"key":"diet","value":"vegetarian","category":"constraint"},{"key":"job","value":"engineer","category":"other"}]`,
	}}
	e := New(kv, p, "nano")
	facts := e.extract(context.Background(), "t1", "short input, one window")
	require.Len(t, facts, 2)
}
