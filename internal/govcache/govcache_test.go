package govcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/hmlrmodels"
)

func TestNew_DisabledReturnsNilCache(t *testing.T) {
	cache, err := New(hmlrconfig.CacheConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, cache)
}

func TestNilCache_GetsAlwaysMiss(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	_, ok := cache.GetRouting(ctx, "2026-07-29", "hello")
	require.False(t, ok)

	_, ok = cache.GetDossiers(ctx, "hello")
	require.False(t, ok)

	// Puts on a nil cache must not panic; they are no-ops.
	cache.PutRouting(ctx, "2026-07-29", "hello", hmlrmodels.RoutingDecision{IsNewTopic: true})
	cache.PutDossiers(ctx, "hello", []hmlrmodels.ScoredDossier{{Dossier: hmlrmodels.Dossier{DossierID: "d1"}}})
	require.NoError(t, cache.Close())
}

func TestNew_UnreachableRedisErrors(t *testing.T) {
	_, err := New(hmlrconfig.CacheConfig{Enabled: true, Addr: "127.0.0.1:1"})
	require.Error(t, err)
}
