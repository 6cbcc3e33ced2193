package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gateway/types"
)

type backend struct {
	name string
	new  func(t *testing.T) Ledger
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Ledger { return NewMemoryLedger() }},
		{"redis", func(t *testing.T) Ledger {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisLedger(client, "")
		}},
	}
}

func TestReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			l := b.new(t)

			require.NoError(t, l.Reserve(ctx, "k1", exp))
			state, ok, err := l.Lookup(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, StatePending, state)

			err = l.Reserve(ctx, "k1", exp)
			assert.True(t, types.IsCode(err, types.ErrReplayedAuthorization), "got %v", err)

			require.NoError(t, l.Commit(ctx, "k1", exp))
			state, _, err = l.Lookup(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, StateSettled, state)

			// A settled entry survives release.
			require.NoError(t, l.Release(ctx, "k1"))
			_, ok, err = l.Lookup(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, ok)

			err = l.Reserve(ctx, "k1", exp)
			assert.True(t, types.IsCode(err, types.ErrReplayedAuthorization), "got %v", err)
		})
	}
}

func TestReleaseFreesPendingEntry(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			l := b.new(t)

			require.NoError(t, l.Reserve(ctx, "k2", exp))
			require.NoError(t, l.Release(ctx, "k2"))

			_, ok, err := l.Lookup(ctx, "k2")
			require.NoError(t, err)
			assert.False(t, ok)

			assert.NoError(t, l.Reserve(ctx, "k2", exp))
		})
	}
}

func TestReserveIsAtomic(t *testing.T) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			l := b.new(t)

			var wins, replays atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := l.Reserve(ctx, "same", exp)
					switch {
					case err == nil:
						wins.Add(1)
					case types.IsCode(err, types.ErrReplayedAuthorization):
						replays.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(31), replays.Load())
		})
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1700000000, 0)

	l := NewMemoryLedger()
	l.now = func() time.Time { return clock }

	require.NoError(t, l.Reserve(ctx, "a", clock.Add(time.Minute)))
	require.NoError(t, l.Commit(ctx, "b", clock.Add(time.Hour)))
	assert.Equal(t, 2, l.Len())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, l.Purge())

	_, ok, _ := l.Lookup(ctx, "a")
	assert.False(t, ok)
	state, ok, _ := l.Lookup(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, StateSettled, state)

	// expired keys can be reused lazily, even without a purge
	clock = clock.Add(2 * time.Hour)
	assert.NoError(t, l.Reserve(ctx, "b", clock.Add(time.Minute)))
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLedger(client, "test:")
	require.NoError(t, l.Commit(ctx, "k", time.Now().Add(time.Minute)))
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:k"))
	assert.NoError(t, l.Reserve(ctx, "k", time.Now().Add(time.Minute)))
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisLedger(client, "").Reserve(ctx, "k", time.Now().Add(time.Minute))
	assert.True(t, types.IsCode(err, types.ErrInternal), "got %v", err)
}
