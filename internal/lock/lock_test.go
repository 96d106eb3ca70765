package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exercise runs n goroutines through the same key and fails if two were
// ever inside at once.
func exercise(t *testing.T, l Locker, n int) {
	t.Helper()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), Key("t1", "+12125550100"))
			if !assert.NoError(t, err) {
				return
			}
			cur := inside.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	exercise(t, NewKeyedMutex(), 20)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	u1, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u2, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	u2()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	u, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	u()
	u() // double release is harmless
	km.mu.Lock()
	require.Empty(t, km.slots)
	km.mu.Unlock()
}

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLocker_Exclusive(t *testing.T) {
	client := startRedis(t)
	exercise(t, NewRedisLocker(client, WithRetry(2*time.Millisecond)), 10)
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(client, WithTTL(50*time.Millisecond))

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // expired; someone else takes it
	require.NoError(t, client.Set(ctx, "outreach:lock:k", "other", time.Minute).Err())

	unlock()
	v, err := client.Get(ctx, "outreach:lock:k").Result()
	require.NoError(t, err)
	require.Equal(t, "other", v)
}
