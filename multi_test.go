package memring

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeltaLaboratory/memring/internal/protocol"
)

func TestGetMulti(t *testing.T) {
	c := newTestClient(t, startServers(t, 3))
	ctx := context.Background()

	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("multi-%d", i)
		require.NoError(t, c.Set(ctx, keys[i], i, 0))
	}

	got, err := c.GetMulti(ctx, keys)
	require.NoError(t, err)
	require.Len(t, got, len(keys))
	for i, key := range keys {
		assert.Equal(t, int64(i), got[key], "key %q", key)
	}
}

func TestGetMultiSubset(t *testing.T) {
	c := newTestClient(t, startServers(t, 2))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "present-1", "a", 0))
	require.NoError(t, c.Set(ctx, "present-2", "b", 0))

	got, err := c.GetMulti(ctx, []string{"present-1", "missing-1", "present-2", "missing-2"})
	require.NoError(t, err, "misses are simply absent, not errors")
	assert.Equal(t, map[string]interface{}{"present-1": "a", "present-2": "b"}, got)
}

func TestGetMultiEmpty(t *testing.T) {
	c := newTestClient(t, startServers(t, 1))
	got, err := c.GetMulti(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetMultiKeyedByOriginalKeys(t *testing.T) {
	// Namespacing and over-length rehashing change the wire keys; the
	// result map must still use the caller's keys.
	servers := startServers(t, 1)
	c := newTestClient(t, servers, WithNamespace("ns"))
	ctx := context.Background()

	long := strings.Repeat("long-segment", 40)
	require.NoError(t, c.Set(ctx, "short", 1, 0))
	require.NoError(t, c.Set(ctx, long, 2, 0))

	got, err := c.GetMulti(ctx, []string{"short", long})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got["short"])
	assert.Equal(t, int64(2), got[long])
}

func TestGetMultiPartialFailure(t *testing.T) {
	servers := startServers(t, 2)
	c := newTestClient(t, servers, WithTimeouts(200*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond))
	ctx := context.Background()

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("partial-%d", i)
		require.NoError(t, c.Set(ctx, keys[i], i, 0))
	}

	servers[0].Close()

	got, err := c.GetMulti(ctx, keys)
	var merr *MultiError
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.PerServer, 1)

	assert.NotEmpty(t, got, "the surviving server's shard is still returned")
	assert.Less(t, len(got), len(keys))
	for key, value := range got {
		var i int
		_, serr := fmt.Sscanf(key, "partial-%d", &i)
		require.NoError(t, serr)
		assert.Equal(t, int64(i), value)
	}
}

func TestGetMultiReportsServerStatuses(t *testing.T) {
	// A quiet get only suppresses misses; a server may still answer a key
	// with an error status. That status must reach the caller instead of
	// silently shrinking the result.
	servers := startServers(t, 1)
	c := newTestClient(t, servers)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "healthy", "a", 0))
	require.NoError(t, c.Set(ctx, "evicting", "b", 0))
	servers[0].FailReads("evicting", protocol.StatusOutOfMemory)

	got, err := c.GetMulti(ctx, []string{"healthy", "evicting"})
	var merr *MultiError
	require.ErrorAs(t, err, &merr)
	require.Len(t, merr.PerServer, 1)
	for _, serr := range merr.PerServer {
		var srvErr *ServerError
		require.ErrorAs(t, serr, &srvErr)
		assert.Equal(t, uint16(protocol.StatusOutOfMemory), srvErr.Status)
	}

	assert.Equal(t, map[string]interface{}{"healthy": "a"}, got,
		"the healthy key is still returned")
}

func TestFlushAll(t *testing.T) {
	servers := startServers(t, 2)
	c := newTestClient(t, servers)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("flush-%d", i), i, 0))
	}

	outcomes := c.FlushAll(ctx, 0)
	require.Len(t, outcomes, 2)
	for addr, err := range outcomes {
		assert.NoError(t, err, "server %s", addr)
	}
	for _, s := range servers {
		assert.Zero(t, s.ItemCount())
	}
}

func TestVersion(t *testing.T) {
	servers := startServers(t, 2)
	c := newTestClient(t, servers)

	versions, err := c.Version(context.Background())
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for addr, v := range versions {
		assert.NotEmpty(t, v, "server %s", addr)
	}
}

func TestStats(t *testing.T) {
	servers := startServers(t, 2)
	c := newTestClient(t, servers)

	stats, err := c.Stats(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for addr, kv := range stats {
		assert.NotEmpty(t, kv, "server %s", addr)
		assert.Contains(t, kv, "version")
	}
}

func TestPing(t *testing.T) {
	servers := startServers(t, 2)
	c := newTestClient(t, servers, WithTimeouts(200*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond))

	require.NoError(t, c.Ping(context.Background()))

	servers[1].Close()
	err := c.Ping(context.Background())
	var merr *MultiError
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.PerServer, 1)
}
