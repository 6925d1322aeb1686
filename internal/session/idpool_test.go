package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int, ttl time.Duration) (*IdentityPool, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewIdentityPool(rdb, size, ttl, testLogger()), s, rdb
}

func fillPool(t *testing.T, p *IdentityPool, providerID string, ids ...string) {
	t.Helper()
	for i, id := range ids {
		got := p.Resolve(context.Background(), providerID, fmt.Sprintf("seed-sess-%d", i), id)
		require.Equal(t, id, got, "seed id should be admitted while capacity remains")
	}
}

func TestSuppliedIDAdmittedWithCapacity(t *testing.T) {
	p, _, _ := newTestPool(t, 3, time.Hour)
	ctx := context.Background()

	got := p.Resolve(ctx, "prov", "sess-1", "user-alice")
	assert.Equal(t, "user-alice", got)

	// The binding survives later calls without a supplied id.
	got = p.Resolve(ctx, "prov", "sess-1", "")
	assert.Equal(t, "user-alice", got)
}

func TestKnownSuppliedIDRefreshesAndBinds(t *testing.T) {
	p, _, _ := newTestPool(t, 3, time.Hour)
	ctx := context.Background()
	fillPool(t, p, "prov", "id-a", "id-b", "id-c")

	// id-b is already pooled, so a new session supplying it binds to it
	// even though the pool is full.
	got := p.Resolve(ctx, "prov", "sess-new", "id-b")
	assert.Equal(t, "id-b", got)
}

func TestFullPoolMapsDeterministically(t *testing.T) {
	p, _, rdb := newTestPool(t, 3, time.Hour)
	ctx := context.Background()
	fillPool(t, p, "prov", "id-a", "id-b", "id-c")

	first := p.Resolve(ctx, "prov", "sess-x", "")
	assert.Contains(t, []string{"id-a", "id-b", "id-c"}, first)

	// Repeated calls stay pinned through the stored binding.
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, p.Resolve(ctx, "prov", "sess-x", ""))
	}

	// Even with the binding dropped, the hash fallback re-derives the
	// same member.
	require.NoError(t, rdb.HDel(ctx, "{idpool:prov}:sessions", "sess-x").Err())
	assert.Equal(t, first, p.Resolve(ctx, "prov", "sess-x", ""))

	// A full pool never admits a new supplied id.
	got := p.Resolve(ctx, "prov", "sess-y", "id-d")
	assert.Contains(t, []string{"id-a", "id-b", "id-c"}, got)
	size, err := rdb.ZCard(ctx, "{idpool:prov}:members").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestEmptyPoolWithoutSuppliedIDGeneratesMember(t *testing.T) {
	p, _, _ := newTestPool(t, 3, time.Hour)
	p.newID = func() string { return "generated-1" }
	ctx := context.Background()

	got := p.Resolve(ctx, "prov", "sess-1", "")
	assert.Equal(t, "generated-1", got)

	// The generated id became a pool member: the next session maps onto
	// it instead of minting another.
	p.newID = func() string { return "generated-2" }
	got = p.Resolve(ctx, "prov", "sess-2", "")
	assert.Equal(t, "generated-1", got)
}

func TestExpiredMembersAreEvicted(t *testing.T) {
	p, _, rdb := newTestPool(t, 2, time.Minute)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	fillPool(t, p, "prov", "id-a", "id-b")

	// Past the TTL the old members are swept and capacity opens up.
	p.now = func() time.Time { return base.Add(5 * time.Minute) }
	got := p.Resolve(ctx, "prov", "sess-late", "id-fresh")
	assert.Equal(t, "id-fresh", got)

	size, err := rdb.ZCard(ctx, "{idpool:prov}:members").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestPoolsAreIsolatedPerProvider(t *testing.T) {
	p, _, _ := newTestPool(t, 1, time.Hour)
	ctx := context.Background()

	assert.Equal(t, "id-a", p.Resolve(ctx, "prov-1", "sess-1", "id-a"))
	assert.Equal(t, "id-b", p.Resolve(ctx, "prov-2", "sess-1", "id-b"))
}

func TestPoolOutageFailsOpen(t *testing.T) {
	p, s, _ := newTestPool(t, 3, time.Hour)
	ctx := context.Background()

	s.Close()

	assert.Equal(t, "user-alice", p.Resolve(ctx, "prov", "sess-1", "user-alice"))

	// Without a supplied id the fallback is deterministic per session.
	first := p.Resolve(ctx, "prov", "sess-2", "")
	assert.NotEmpty(t, first)
	assert.Equal(t, first, p.Resolve(ctx, "prov", "sess-2", ""))
}

func TestNilClientBypassesPool(t *testing.T) {
	p := NewIdentityPool(nil, 3, time.Hour, testLogger())
	assert.Equal(t, "user-x", p.Resolve(context.Background(), "prov", "sess-1", "user-x"))
}
