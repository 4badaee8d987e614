// Package chunker implements C3: deterministic, purely local splitting of a
// turn's text into turn/paragraph/sentence chunks with parent links. Pattern
// grounded in this codebase's internal/rag/chunker package, adapted from
// flat retrieval chunks to the spec's three-level hierarchy.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

var (
	blankLineSplit = regexp.MustCompile(`\n\s*\n`)
	sentenceSplit  = regexp.MustCompile(`[.!?]+\s+`)
)

// Chunker is the exported interface so the engine and Gardener can be given
// a fake in tests.
type Chunker interface {
	ChunkTurn(text, turnID string, spanID *string) []hmlrmodels.Chunk
}

// Simple is the default, stdlib-regex-based Chunker.
type Simple struct{}

func New() Chunker { return Simple{} }

// ChunkTurn produces one turn chunk containing the full text, paragraph
// chunks split on blank lines as its children, and sentence chunks split on
// terminal punctuation as children of paragraphs. Token counts use the
// approximate ceil(len/4) heuristic this codebase uses throughout its RAG
// pipeline.
func (Simple) ChunkTurn(text, turnID string, spanID *string) []hmlrmodels.Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	turnChunkID := fmt.Sprintf("chunk_%s_turn", turnID)
	out := []hmlrmodels.Chunk{{
		ChunkID:      turnChunkID,
		TurnID:       turnID,
		SpanID:       spanID,
		ChunkType:    hmlrmodels.ChunkTurn,
		TextVerbatim: text,
		TokenCount:   estimateTokens(text),
	}}

	paragraphs := splitParagraphs(text)
	for pi, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		paraChunkID := fmt.Sprintf("%s_p%d", turnChunkID, pi)
		parent := turnChunkID
		out = append(out, hmlrmodels.Chunk{
			ChunkID:       paraChunkID,
			TurnID:        turnID,
			SpanID:        spanID,
			ChunkType:     hmlrmodels.ChunkParagraph,
			ParentChunkID: &parent,
			TextVerbatim:  para,
			TokenCount:    estimateTokens(para),
		})

		for si, sent := range splitSentences(para) {
			sent = strings.TrimSpace(sent)
			if sent == "" {
				continue
			}
			sentParent := paraChunkID
			out = append(out, hmlrmodels.Chunk{
				ChunkID:       fmt.Sprintf("%s_s%d", paraChunkID, si),
				TurnID:        turnID,
				SpanID:        spanID,
				ChunkType:     hmlrmodels.ChunkSentence,
				ParentChunkID: &sentParent,
				TextVerbatim:  sent,
				TokenCount:    estimateTokens(sent),
			})
		}
	}
	return out
}

func splitParagraphs(text string) []string {
	paras := blankLineSplit.Split(text, -1)
	if len(paras) <= 1 {
		return []string{text}
	}
	return paras
}

func splitSentences(para string) []string {
	// Keep the delimiter attached to a rough reconstruction is unnecessary
	// here: chunks carry text_verbatim for retrieval display, not for
	// reassembly, so a plain split is sufficient.
	parts := sentenceSplit.Split(para, -1)
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{para}
	}
	return out
}

func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
