package slidingwindow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

func TestLoad_MissingFileReturnsEmptyWindow(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Empty(t, doc.Turns)
	require.Equal(t, schemaVersion, doc.Version)
}

func TestSaveLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := Document{Turns: []hmlrmodels.Turn{{TurnID: "t1", UserMessage: "hi", Timestamp: time.Now()}}}
	require.NoError(t, Save(path, doc))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 1)
	require.Equal(t, "t1", loaded.Turns[0].TurnID)
	require.Equal(t, 1, loaded.TurnCount)
}

func TestLoad_VersionMismatchIsStateError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"99","turns":[]}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	var stateErr *hmlrerrors.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestPush_TrimsToMaxTurns(t *testing.T) {
	doc := Document{}
	for i := 0; i < 5; i++ {
		doc = Push(doc, hmlrmodels.Turn{TurnID: string(rune('a' + i))}, 3)
	}
	require.Len(t, doc.Turns, 3)
	require.Equal(t, "c", doc.Turns[0].TurnID)
	require.Equal(t, "e", doc.Turns[2].TurnID)
}
