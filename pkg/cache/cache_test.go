package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propwise/accessd/pkg/access"
	"github.com/propwise/accessd/pkg/membership"
	"github.com/propwise/accessd/pkg/roles"
)

var (
	_ access.ResolutionCache = (*Cache)(nil)
	_ membership.Invalidator = (*Cache)(nil)
)

// setupRedisTest creates a miniredis instance and returns a client plus
// cleanup function
func setupRedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestCache_LocalOnly(t *testing.T) {
	ctx := context.Background()
	c := New(Config{LocalSize: 8, TTL: time.Minute})

	_, ok := c.GetDecision(ctx, "user-1", "prop-1")
	assert.False(t, ok, "empty cache should miss")

	d := &access.Decision{Member: true, Role: roles.RoleOwner}
	c.SetDecision(ctx, "user-1", "prop-1", d)

	got, ok := c.GetDecision(ctx, "user-1", "prop-1")
	require.True(t, ok)
	assert.True(t, got.Member)
	assert.Equal(t, roles.RoleOwner, got.Role)

	// other pairs stay independent
	_, ok = c.GetDecision(ctx, "user-2", "prop-1")
	assert.False(t, ok)

	c.InvalidateResolution(ctx, "user-1", "prop-1")
	_, ok = c.GetDecision(ctx, "user-1", "prop-1")
	assert.False(t, ok, "invalidated entry should miss")
}

func TestCache_RedisTierSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client, cleanup := setupRedisTest(t)
	defer cleanup()

	writer := New(Config{LocalSize: 8, TTL: time.Minute, Redis: client})
	reader := New(Config{LocalSize: 8, TTL: time.Minute, Redis: client})

	d := &access.Decision{Member: true, Role: roles.RoleViewer}
	writer.SetDecision(ctx, "user-1", "prop-1", d)

	got, ok := reader.GetDecision(ctx, "user-1", "prop-1")
	require.True(t, ok, "reader instance should hit via redis")
	assert.Equal(t, roles.RoleViewer, got.Role)

	// invalidation from either instance clears the shared tier
	writer.InvalidateResolution(ctx, "user-1", "prop-1")
	fresh := New(Config{LocalSize: 8, TTL: time.Minute, Redis: client})
	_, ok = fresh.GetDecision(ctx, "user-1", "prop-1")
	assert.False(t, ok)
}

func TestCache_NotAMemberDecisionIsCacheable(t *testing.T) {
	ctx := context.Background()
	c := New(Config{LocalSize: 8, TTL: time.Minute})

	c.SetDecision(ctx, "user-1", "prop-1", &access.Decision{Member: false})

	got, ok := c.GetDecision(ctx, "user-1", "prop-1")
	require.True(t, ok, "negative decisions are cached too")
	assert.False(t, got.Member)
}

func TestCache_CorruptRedisEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	client, cleanup := setupRedisTest(t)
	defer cleanup()

	c := New(Config{LocalSize: 8, TTL: time.Minute, Redis: client})

	require.NoError(t, client.Set(ctx, decisionKey("user-1", "prop-1"), "{not json", time.Minute).Err())

	_, ok := c.GetDecision(ctx, "user-1", "prop-1")
	assert.False(t, ok)

	// the corrupt entry must not survive
	err := client.Get(ctx, decisionKey("user-1", "prop-1")).Err()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestCache_LegacyFlagRoundTrips(t *testing.T) {
	ctx := context.Background()
	client, cleanup := setupRedisTest(t)
	defer cleanup()

	writer := New(Config{LocalSize: 8, TTL: time.Minute, Redis: client})
	writer.SetDecision(ctx, "owner-9", "prop-2", &access.Decision{
		Member: true,
		Role:   roles.RoleOwner,
		Legacy: true,
	})

	reader := New(Config{LocalSize: 8, TTL: time.Minute, Redis: client})
	got, ok := reader.GetDecision(ctx, "owner-9", "prop-2")
	require.True(t, ok)
	assert.True(t, got.Legacy)
}
