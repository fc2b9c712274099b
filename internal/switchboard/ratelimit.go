package switchboard

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connLimitEntry tracks a per-IP connection-attempt limiter and when it
// was last used, so idle entries can be evicted.
type connLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// connRateLimiter throttles new-connection attempts per source IP: a
// single misbehaving client opening connections in a loop must not be
// able to starve the accept loop or flood the registry with short-lived
// TUs.
type connRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*connLimitEntry
	rate    rate.Limit
	burst   int
	maxAge  time.Duration
	stopCh  chan struct{}
}

func newConnRateLimiter(perSecond float64, burst int) *connRateLimiter {
	rl := &connRateLimiter{
		entries: make(map[string]*connLimitEntry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		maxAge:  10 * time.Minute,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *connRateLimiter) allow(addr net.Addr) bool {
	ip := hostOf(addr)

	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &connLimitEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *connRateLimiter) stop() {
	close(rl.stopCh)
}

func (rl *connRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *connRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.maxAge)
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
