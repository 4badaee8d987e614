// Package profilestore provides a default file-backed implementation of
// the user-profile document the ContextHydrator reads as the "user
// profile" section of its prompt (§4.9). ProfileStore itself is an
// external collaborator per §1's scope, but a file-backed default keeps
// the vegetarian-conflict scenario (§8 scenario 1) runnable without one.
package profilestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sv-dev/hmlr/internal/hmlrerrors"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
	"github.com/sv-dev/hmlr/internal/store"
)

// Entry is one line of the user profile. Immutable marks a severity-strict
// constraint the hydrator must surface first and never paraphrase away
// (§4.9's "constraints first, severity-strict marked immutable").
type Entry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Category  string `json:"category"`
	Immutable bool   `json:"immutable"`
}

// Profile is the on-disk document shape.
type Profile struct {
	LastUpdated time.Time `json:"last_updated"`
	Entries     []Entry   `json:"entries"`
}

// Store guards concurrent reads/writes to the profile file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New constructs a Store bound to path.
func New(path string) *Store {
	return &Store{path: path}
}

// DefaultPath mirrors slidingwindow.DefaultPath's convention but has no
// dedicated env override in §6 — it lives alongside the sliding-window
// state file under the same HMLR home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".hmlr", "user_profile.json")
}

// Load reads the profile, returning an empty one if the file doesn't exist.
func (s *Store) Load() (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Profile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, hmlrerrors.NewStateError("profile read", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, hmlrerrors.NewStateError("profile parse", err)
	}
	return p, nil
}

// Save writes profile atomically (temp file + rename in the same
// directory), the same idiom slidingwindow.Save and
// internal/file_editor/operations.go use.
func (s *Store) Save(profile Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(profile)
}

func (s *Store) save(profile Profile) error {
	profile.LastUpdated = time.Now()
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return hmlrerrors.NewStateError("profile encode", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return hmlrerrors.NewStateError("profile mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, ".user-profile-*")
	if err != nil {
		return hmlrerrors.NewStateError("profile temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return hmlrerrors.NewStateError("profile write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return hmlrerrors.NewStateError("profile sync", err)
	}
	if err := tmp.Close(); err != nil {
		return hmlrerrors.NewStateError("profile close", err)
	}
	return os.Rename(tmpPath, s.path)
}

// RefreshFromFacts rebuilds the profile's preference/constraint entries
// from facts, keeping the newest value per key and marking constraint-
// category entries immutable. It merges rather than replaces: entries
// whose key isn't present in facts are left untouched.
func (s *Store) RefreshFromFacts(ctx context.Context, facts []hmlrmodels.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, err := s.load()
	if err != nil {
		return err
	}

	byKey := make(map[string]Entry, len(profile.Entries))
	for _, e := range profile.Entries {
		byKey[e.Key] = e
	}
	for _, f := range facts {
		if f.Category != "preference" && f.Category != "constraint" {
			continue
		}
		byKey[f.Key] = Entry{Key: f.Key, Value: f.Value, Category: f.Category, Immutable: f.Category == "constraint"}
	}

	entries := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	profile.Entries = entries

	return s.save(profile)
}

// Scribe is the fire-and-forget background profile-update task named in
// §12: the engine's turn pipeline step 9 calls Fire once per committed
// turn instead of awaiting a profile rewrite inline. Outstanding Fire
// calls are tracked so a graceful shutdown can Drain them within T_drain
// rather than leaking goroutines past process exit.
type Scribe struct {
	store *Store
	kv    store.KV
	wg    sync.WaitGroup
}

// NewScribe constructs a Scribe bound to store and kv.
func NewScribe(store *Store, kv store.KV) *Scribe {
	return &Scribe{store: store, kv: kv}
}

// Fire rewrites blockID's profile entries in the background and returns
// immediately; the engine never waits on it.
func (s *Scribe) Fire(ctx context.Context, blockID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		facts, err := s.kv.GetFactsForBlock(ctx, blockID)
		if err != nil {
			hmlrlog.FromContext(ctx).Warn().Err(err).Str("block_id", blockID).Msg("scribe: failed to load facts; skipping this update")
			return
		}
		if err := s.store.RefreshFromFacts(ctx, facts); err != nil {
			hmlrlog.FromContext(ctx).Warn().Err(err).Str("block_id", blockID).Msg("scribe: failed to refresh profile")
		}
	}()
}

// Drain blocks until every outstanding Fire call has finished or ctx is
// cancelled, whichever comes first — the T_drain bound lives in the
// context the caller passes in.
func (s *Scribe) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
