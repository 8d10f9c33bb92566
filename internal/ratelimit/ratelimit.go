// Package ratelimit bounds how often the Connection hands a
// ReceiveRequestForSeed push from any one requester public key on to
// AccessControl.SendSeed, so a misbehaving or compromised peer cannot
// force unbounded prompts and crypto work. ReceiveSeed pushes and grant
// acceptance are not rate limited. Adapted from this corpus's HTTP-layer
// multiLimiter, keyed here by peer public key instead of client IP.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// PerKey is a set of independent token buckets, one per key, with idle
// buckets evicted after ttl.
type PerKey struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*bucket
}

// New returns a PerKey limiter allowing limit events/sec with burst, and
// forgetting a key once idle longer than ttl.
func New(limit float64, burst int, ttl time.Duration) *PerKey {
	return &PerKey{
		limit:   rate.Limit(limit),
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*bucket),
	}
}

// Allow reports whether an event for key may proceed now, and evicts any
// bucket that has been idle past ttl.
func (p *PerKey) Allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.entries[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = b
	}
	b.lastSeen = now

	for k, v := range p.entries {
		if now.Sub(v.lastSeen) > p.ttl {
			delete(p.entries, k)
		}
	}
	return b.lim.Allow()
}
