// SPDX-License-Identifier: AGPL-3.0-only

package remotecache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_StoreAndFetch(t *testing.T) {
	c := NewInMemory(InMemoryConfig{MaxItems: 2}, time.Hour)
	ctx := context.Background()

	c.Store(ctx, []string{"a", "b"}, [][]byte{[]byte("1"), []byte("2")})
	found, bufs, missing := c.Fetch(ctx, []string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b"}, found)
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, bufs)
	assert.Equal(t, []string{"c"}, missing)

	// Adding a third item evicts the least recently used one.
	c.Store(ctx, []string{"c"}, [][]byte{[]byte("3")})
	assert.Equal(t, 2, c.Len())
	_, _, missing = c.Fetch(ctx, []string{"a"})
	assert.Equal(t, []string{"a"}, missing)
}

func TestInMemory_Expires(t *testing.T) {
	c := NewInMemory(InMemoryConfig{MaxItems: 10}, 10*time.Millisecond)
	ctx := context.Background()

	c.Store(ctx, []string{"a"}, [][]byte{[]byte("1")})
	require.Eventually(t, func() bool {
		_, _, missing := c.Fetch(ctx, []string{"a"})
		return len(missing) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSnappyCodec(t *testing.T) {
	type item struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	codec := SnappyCodec[[]item]{JSONCodec[[]item]{}}

	in := []item{{ID: 1, Name: strings.Repeat("a", 512)}, {ID: 2, Name: "b"}}
	b, err := codec.Encode(in)
	require.NoError(t, err)
	assert.Less(t, len(b), 512)

	out, err := codec.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = codec.Decode([]byte("not snappy"))
	require.ErrorContains(t, err, "snappyCodec")
}

func TestNew(t *testing.T) {
	tests := map[string]struct {
		cfg         Config
		expectNil   bool
		expectedErr string
	}{
		"no backend": {
			cfg:       Config{},
			expectNil: true,
		},
		"in-memory": {
			cfg: Config{Backend: BackendInMemory, InMemory: InMemoryConfig{MaxItems: 10}, KeyPrefix: "p:"},
		},
		"redis without endpoint": {
			cfg:         Config{Backend: BackendRedis},
			expectedErr: "the redis endpoint is required",
		},
		"unknown backend": {
			cfg:         Config{Backend: "memcached"},
			expectedErr: "unsupported remote cache backend",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := New("test", tc.cfg, log.NewNopLogger(), prometheus.NewPedanticRegistry())
			if tc.expectedErr != "" {
				require.ErrorContains(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			if tc.expectNil {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			c.Stop()
		})
	}
}

func TestPrefixedAndInstrumented(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	backend := NewInMemory(InMemoryConfig{MaxItems: 10}, 0)
	c := NewPrefixed("p:", Instrument("test", backend, reg))
	ctx := context.Background()

	c.Store(ctx, []string{"a"}, [][]byte{[]byte("1")})
	found, _, missing := c.Fetch(ctx, []string{"a", "b"})
	assert.Equal(t, []string{"a"}, found)
	assert.Equal(t, []string{"b"}, missing)

	_, _, backendMissing := backend.Fetch(ctx, []string{"p:a"})
	assert.Empty(t, backendMissing)

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
		# HELP mapcache_remote_cache_hits_total Total number of keys found in the remote cache tier.
		# TYPE mapcache_remote_cache_hits_total counter
		mapcache_remote_cache_hits_total{name="test"} 1
		# HELP mapcache_remote_cache_requests_total Total number of keys requested from the remote cache tier.
		# TYPE mapcache_remote_cache_requests_total counter
		mapcache_remote_cache_requests_total{name="test"} 2
		# HELP mapcache_remote_cache_stored_items_total Total number of items written to the remote cache tier.
		# TYPE mapcache_remote_cache_stored_items_total counter
		mapcache_remote_cache_stored_items_total{name="test"} 1
	`), "mapcache_remote_cache_hits_total", "mapcache_remote_cache_requests_total", "mapcache_remote_cache_stored_items_total"))
}

func TestRedis_UnreachableServerReportsMisses(t *testing.T) {
	c, err := NewRedis(RedisConfig{
		Endpoint:    "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		ReadTimeout: 100 * time.Millisecond,
	}, time.Minute, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	ctx := context.Background()
	c.Store(ctx, []string{"a"}, [][]byte{[]byte("1")})

	found, bufs, missing := c.Fetch(ctx, []string{"a", "b"})
	assert.Empty(t, found)
	assert.Empty(t, bufs)
	assert.Equal(t, []string{"a", "b"}, missing)
	assert.Error(t, c.Ping(ctx))
}
