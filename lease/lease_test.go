package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetHandler(discard.Default)
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestLockers(t *testing.T) {
	r, _ := setupRedis(t)
	lockers := map[string]Locker{
		"local": NewLocal(),
		"redis": r,
	}

	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, err := l.Acquire(ctx, "nimbus-desktop", time.Minute)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, "nimbus-desktop", time.Minute)
			assert.True(t, errors.Is(err, ErrHeld))

			// Keys are independent.
			other, err := l.Acquire(ctx, "nimbus-mobile", time.Minute)
			require.NoError(t, err)
			other()

			release()
			release()

			again, err := l.Acquire(ctx, "nimbus-desktop", time.Minute)
			require.NoError(t, err)
			again()
		})
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	r, mr := setupRedis(t)
	ctx := context.Background()

	stale, err := r.Acquire(ctx, "task", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	fresh, err := r.Acquire(ctx, "task", time.Minute)
	require.NoError(t, err)

	// The expired holder must not release its successor.
	stale()
	assert.True(t, mr.Exists("gorollout:lease:task"))
	_, err = r.Acquire(ctx, "task", time.Minute)
	assert.True(t, errors.Is(err, ErrHeld))

	fresh()
	assert.False(t, mr.Exists("gorollout:lease:task"))
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), RedisConfig{Address: addr})
	assert.Error(t, err)
}

func TestLocalContention(t *testing.T) {
	l := NewLocal()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		held int
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.Acquire(context.Background(), "k", time.Minute); err == nil {
				mu.Lock()
				held++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, held)
}
