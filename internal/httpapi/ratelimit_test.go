package httpapi

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_PerSenderBurst(t *testing.T) {
	rl := NewRateLimiter(0.001, 3)
	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("a"), "request %d", i)
	}
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))
}

func TestRateLimiter_ConcurrentClientCreation(t *testing.T) {
	rl := NewRateLimiter(1, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Allow("same")
		}()
	}
	wg.Wait()
	require.Equal(t, 1, rl.size())
}

func TestRateLimiter_Prune(t *testing.T) {
	now := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 5)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(time.Hour)
	rl.Allow("fresh")

	require.Equal(t, 1, rl.Prune(30*time.Minute))
	require.Equal(t, 1, rl.size())
	require.True(t, rl.Allow("fresh"))
}
