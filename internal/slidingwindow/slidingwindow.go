// Package slidingwindow persists the session-scoped recent-turn buffer
// named in §5/§6: a small JSON document giving the engine a fast, disk-
// backed view of the last few turns without a KV round trip. It is
// deliberately separate from the KV — losing this file only costs a little
// recency context, never correctness, since `turns` remains the source of
// truth.
package slidingwindow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

// schemaVersion is the document's "version" field. A mismatch is a fatal
// StateError (§7): this file is never auto-repaired.
const schemaVersion = "1"

// Document is the exact JSON shape named in §6.
type Document struct {
	Version     string            `json:"version"`
	LastUpdated time.Time         `json:"last_updated"`
	TurnCount   int               `json:"turn_count"`
	Turns       []hmlrmodels.Turn `json:"turns"`
}

// Load reads the sliding-window file at path. A missing file is not an
// error — it means an empty window, per §6. Any other read failure, or a
// version mismatch, is a fatal StateError.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{Version: schemaVersion}, nil
	}
	if err != nil {
		return Document{}, hmlrerrors.NewStateError("sliding window read", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, hmlrerrors.NewStateError("sliding window parse", err)
	}
	if doc.Version != schemaVersion {
		return Document{}, hmlrerrors.NewStateError("sliding window version", fmt.Errorf("file version %q, want %q", doc.Version, schemaVersion))
	}
	return doc, nil
}

// Save writes doc to path atomically: write to a temp file in the same
// directory, fsync, then rename over the destination (grounded in
// internal/file_editor/operations.go's edit-range idiom).
func Save(path string, doc Document) error {
	doc.Version = schemaVersion
	doc.LastUpdated = time.Now()
	doc.TurnCount = len(doc.Turns)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return hmlrerrors.NewStateError("sliding window encode", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return hmlrerrors.NewStateError("sliding window mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, ".sliding-window-*")
	if err != nil {
		return hmlrerrors.NewStateError("sliding window temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return hmlrerrors.NewStateError("sliding window write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return hmlrerrors.NewStateError("sliding window sync", err)
	}
	if err := tmp.Close(); err != nil {
		return hmlrerrors.NewStateError("sliding window close", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return hmlrerrors.NewStateError("sliding window rename", err)
	}
	return nil
}

// Push appends turn to doc's buffer, trimming to at most maxTurns, and
// returns the updated document. It does not write to disk; call Save.
func Push(doc Document, turn hmlrmodels.Turn, maxTurns int) Document {
	doc.Turns = append(doc.Turns, turn)
	if maxTurns > 0 && len(doc.Turns) > maxTurns {
		doc.Turns = doc.Turns[len(doc.Turns)-maxTurns:]
	}
	return doc
}

// DefaultPath returns the sliding-window file location, honoring the
// HMLR_WINDOW_STATE_PATH override named in §6.
func DefaultPath() string {
	if p := os.Getenv("HMLR_WINDOW_STATE_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".hmlr", "sliding_window_state.json")
}
