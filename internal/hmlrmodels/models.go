// Package hmlrmodels holds the persisted entity types shared across the
// memory engine's subsystems. Nothing here talks to storage directly; these
// are plain value types passed between components and (de)serialized by the
// store package.
package hmlrmodels

import "time"

// DetailLevel marks whether a Turn's content is the original text or a
// compressed summary produced by sliding-window compaction.
type DetailLevel string

const (
	DetailVerbatim   DetailLevel = "VERBATIM"
	DetailCompressed DetailLevel = "COMPRESSED"
)

// BlockStatus is the Bridge Block state machine's three states.
type BlockStatus string

const (
	BlockActive BlockStatus = "ACTIVE"
	BlockPaused BlockStatus = "PAUSED"
	BlockClosed BlockStatus = "CLOSED"
)

// ChunkType is the hierarchy level of a Chunk.
type ChunkType string

const (
	ChunkTurn      ChunkType = "turn"
	ChunkParagraph ChunkType = "paragraph"
	ChunkSentence  ChunkType = "sentence"
)

// DossierOperation is the append-only provenance log's operation kind.
type DossierOperation string

const (
	OpCreate        DossierOperation = "CREATE"
	OpAppend        DossierOperation = "APPEND"
	OpMerge         DossierOperation = "MERGE"
	OpUpdateSummary DossierOperation = "UPDATE_SUMMARY"
)

// Turn is one user/assistant exchange.
type Turn struct {
	TurnID             string
	SessionID          string
	DayID              string
	BlockID            string
	TurnSequence       int
	Timestamp          time.Time
	UserMessage        string
	AssistantResponse  string
	DetailLevel        DetailLevel
	CompressedContent  *string
	Keywords           []string
	Topics             []string
	Affect             string
}

// Chunk is a hierarchical fragment of a turn's text.
type Chunk struct {
	ChunkID       string
	TurnID        string
	SpanID        *string
	ChunkType     ChunkType
	ParentChunkID *string
	TextVerbatim  string
	TokenCount    int
}

// BridgeBlock is an ordered, same-topic group of turns within a day. Turns
// are not embedded here; callers load them separately via the store to keep
// this value cheap to pass around.
type BridgeBlock struct {
	BlockID     string
	DayID       string
	TopicLabel  string
	Keywords    []string
	Status      BlockStatus
	CreatedAt   time.Time
	LastUpdated time.Time
	Header      string // topic summary; empty until generate_block_summary runs
}

// Fact is an atomic claim extracted from user text. Immutable once written.
type Fact struct {
	FactID        string
	Key           string
	Value         string
	Category      string
	TurnID        string
	SourceChunkID string
	SourceBlockID *string
	CreatedAt     time.Time
}

// SectionRule scopes a sticky tag to a turn range within a block.
type SectionRule struct {
	StartTurn int
	EndTurn   int
	Rule      string
}

// BlockMetadata is the Gardener's side-table output for a block.
type BlockMetadata struct {
	BlockID      string
	GlobalTags   []string
	SectionRules []SectionRule
}

// Dossier is a long-lived, semantically clustered fact collection.
type Dossier struct {
	DossierID     string
	Title         string
	Summary       string
	SearchSummary string
	CreatedAt     time.Time
	LastUpdated   time.Time
}

// DossierFact links a Fact into a Dossier, keeping a stable text copy.
type DossierFact struct {
	FactID   string
	DossierID string
	FactText string
}

// DossierProvenanceEntry is one row of the append-only provenance log.
type DossierProvenanceEntry struct {
	ProvID        string
	DossierID     string
	Operation     DossierOperation
	SourceBlockID *string
	Timestamp     time.Time
	Payload       string
}

// FactPacket is a Gardener-emitted bundle of semantically grouped facts
// handed to the DossierRouter.
type FactPacket struct {
	ClusterLabel  string
	Facts         []Fact
	SourceBlockID string
	Timestamp     time.Time
}

// RoutingDecision is the Governor routing task's output.
type RoutingDecision struct {
	MatchedBlockID *string
	IsNewTopic     bool
	SuggestedLabel string
}

// ScoredMemory is a VectorIndex hit over the memory (turn/chunk) index.
type ScoredMemory struct {
	ID    string
	Score float32
}

// ScoredDossier is a ranked DossierRouter.Retrieve result.
type ScoredDossier struct {
	Dossier      Dossier
	Facts        []DossierFact
	HitCount     int
	MaxSimilarity float32
}

// Session is the explicit, passed-around replacement for the source's global
// mutable conversation-engine state (see SPEC_FULL.md design notes).
type Session struct {
	SessionID    string
	CurrentDay   string
	NextSequence int
}
