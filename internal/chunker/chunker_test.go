package chunker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

func TestChunkTurn_SingleSentence(t *testing.T) {
	c := New()
	chunks := c.ChunkTurn("I am strictly vegetarian.", "turn_1", nil)
	require.NotEmpty(t, chunks)

	var turnChunks, paraChunks, sentChunks int
	for _, ch := range chunks {
		switch ch.ChunkType {
		case hmlrmodels.ChunkTurn:
			turnChunks++
			require.Nil(t, ch.ParentChunkID)
		case hmlrmodels.ChunkParagraph:
			paraChunks++
			require.NotNil(t, ch.ParentChunkID)
		case hmlrmodels.ChunkSentence:
			sentChunks++
			require.NotNil(t, ch.ParentChunkID)
		}
	}
	require.Equal(t, 1, turnChunks)
	require.Equal(t, 1, paraChunks)
	require.GreaterOrEqual(t, sentChunks, 1)
}

func TestChunkTurn_MultiParagraph(t *testing.T) {
	text := "First paragraph about cars.\n\nSecond paragraph about food. It has two sentences."
	c := New()
	chunks := c.ChunkTurn(text, "turn_2", nil)

	var paras []hmlrmodels.Chunk
	for _, ch := range chunks {
		if ch.ChunkType == hmlrmodels.ChunkParagraph {
			paras = append(paras, ch)
		}
	}
	require.Len(t, paras, 2)

	for _, ch := range chunks {
		if ch.ChunkType != hmlrmodels.ChunkTurn {
			require.NotNil(t, ch.ParentChunkID, "every non-turn chunk must have a parent")
		}
	}
}

func TestChunkTurn_ParentIDIncorporatesParent(t *testing.T) {
	c := New()
	chunks := c.ChunkTurn("Hello world. Second sentence here.", "turn_3", nil)
	for _, ch := range chunks {
		if ch.ChunkType == hmlrmodels.ChunkSentence {
			require.Contains(t, ch.ChunkID, *ch.ParentChunkID)
		}
	}
}

func TestChunkTurn_EmptyText(t *testing.T) {
	c := New()
	require.Empty(t, c.ChunkTurn("   ", "turn_4", nil))
}

func TestEstimateTokens_CeilLenOverFour(t *testing.T) {
	require.Equal(t, 0, estimateTokens(""))
	require.Equal(t, 1, estimateTokens("abc"))
	require.Equal(t, 1, estimateTokens("abcd"))
	require.Equal(t, 2, estimateTokens("abcde"))
}
