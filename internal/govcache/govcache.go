// Package govcache implements the optional Redis-backed cache in front of
// the Governor's routing task and DossierRouter.Retrieve (SPEC_FULL.md §11):
// a best-effort speedup for rapid-fire turns that land on the same
// (day_id, query) pair, never a correctness dependency. A cache miss or a
// Redis outage is indistinguishable from "not configured" to the caller —
// both simply fall through to the live lookup.
package govcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrlog"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

// Cache is the Governor's routing+dossier result cache. A nil *Cache is
// valid and behaves as "disabled" throughout.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a Cache from cfg. Returns (nil, nil) when cfg.Enabled is
// false; this is the normal, supported "no cache configured" path, not an
// error.
func New(cfg hmlrconfig.CacheConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("governor cache: ping redis at %q: %w", cfg.Addr, err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Close releases the underlying Redis connection. Safe to call on a nil
// Cache.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func routingKey(dayID, query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("hmlr:gov:routing:%s:%s", dayID, hex.EncodeToString(sum[:8]))
}

func dossierKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("hmlr:gov:dossier:%s", hex.EncodeToString(sum[:8]))
}

// GetRouting returns a cached RoutingDecision for (dayID, query), or
// (zero, false) on a miss, a cache error, or a nil Cache. Never surfaces a
// Redis error to the caller — the routing task falls back to the live LLM
// call (§4.5), which already has its own fail-open default.
func (c *Cache) GetRouting(ctx context.Context, dayID, query string) (hmlrmodels.RoutingDecision, bool) {
	if c == nil {
		return hmlrmodels.RoutingDecision{}, false
	}
	raw, err := c.client.Get(ctx, routingKey(dayID, query)).Bytes()
	if err != nil {
		return hmlrmodels.RoutingDecision{}, false
	}
	var decision hmlrmodels.RoutingDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor cache: corrupt routing entry; treating as miss")
		return hmlrmodels.RoutingDecision{}, false
	}
	return decision, true
}

// PutRouting stores decision for (dayID, query) with the configured TTL.
// Errors are logged, never returned — a failed cache write must not fail
// the routing task.
func (c *Cache) PutRouting(ctx context.Context, dayID, query string, decision hmlrmodels.RoutingDecision) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, routingKey(dayID, query), raw, c.ttl).Err(); err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor cache: failed to store routing entry")
	}
}

// GetDossiers returns cached ScoredDossier results for query, or
// (nil, false) on a miss.
func (c *Cache) GetDossiers(ctx context.Context, query string) ([]hmlrmodels.ScoredDossier, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, dossierKey(query)).Bytes()
	if err != nil {
		return nil, false
	}
	var dossiers []hmlrmodels.ScoredDossier
	if err := json.Unmarshal(raw, &dossiers); err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor cache: corrupt dossier entry; treating as miss")
		return nil, false
	}
	return dossiers, true
}

// PutDossiers stores dossiers for query with the configured TTL.
func (c *Cache) PutDossiers(ctx context.Context, query string, dossiers []hmlrmodels.ScoredDossier) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(dossiers)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, dossierKey(query), raw, c.ttl).Err(); err != nil {
		hmlrlog.FromContext(ctx).Warn().Err(err).Msg("governor cache: failed to store dossier entry")
	}
}
