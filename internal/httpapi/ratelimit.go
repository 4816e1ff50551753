package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds inbound turns globally and per sender.
type RateLimiter struct {
	global  *rate.Limiter
	clients map[string]*clientLimiter
	mu      sync.RWMutex

	rps   float64
	burst int
	now   func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	// lastSeen is unix nanos, updated without the map lock.
	lastSeen int64
	mu       sync.Mutex
}

// NewRateLimiter allows rps turns per second per sender with the given
// burst. The global limit is a hundred times the per-sender one.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(rps*100), burst*100),
		clients: make(map[string]*clientLimiter),
		rps:     rps,
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(sender string) bool {
	if !rl.global.Allow() {
		return false
	}
	c := rl.client(sender)
	c.mu.Lock()
	c.lastSeen = rl.now().UnixNano()
	c.mu.Unlock()
	return c.limiter.Allow()
}

func (rl *RateLimiter) client(sender string) *clientLimiter {
	rl.mu.RLock()
	c, ok := rl.clients[sender]
	rl.mu.RUnlock()
	if ok {
		return c
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after acquiring write lock
	if c, ok := rl.clients[sender]; ok {
		return c
	}
	c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
	rl.clients[sender] = c
	return c
}

// Prune forgets senders not seen for idle and reports how many were removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.now().Add(-idle).UnixNano()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for id, c := range rl.clients {
		c.mu.Lock()
		stale := c.lastSeen < cutoff
		c.mu.Unlock()
		if stale {
			delete(rl.clients, id)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) size() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clients)
}
