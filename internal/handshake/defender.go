// Package handshake implements the pre-upgrade DoS guard (C3): a global and
// a per-IP leaky bucket, both with floating-point fractional refill.
package handshake

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds the defender's tunables.
type Config struct {
	Enabled      bool
	GlobalBurst  uint32
	GlobalRPS    uint32
	PerIPBurst   uint32
	PerIPRPS     uint32
	MaxIPEntries int
}

// LeakyBucket is a floating-point fractional-refill leaky bucket.
type LeakyBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

// NewLeakyBucket builds a bucket starting full.
func NewLeakyBucket(capacity, refillPerSec uint32) *LeakyBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec < 1 {
		refillPerSec = 1
	}
	return &LeakyBucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: float64(refillPerSec),
		last:         time.Now(),
	}
}

func (b *LeakyBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens = math.Min(b.tokens+elapsed*b.refillPerSec, b.capacity)
}

// TryTake consumes cost tokens. On success ok is true. On failure ok is
// false and retryAfterSec is the ceil'd, minimum-1 wait before a retry
// would succeed.
func (b *LeakyBucket) TryTake(cost uint32) (ok bool, retryAfterSec int) {
	if cost < 1 {
		cost = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	c := float64(cost)
	if b.tokens >= c {
		b.tokens -= c
		return true, 0
	}
	missing := c - b.tokens
	wait := math.Ceil(missing / b.refillPerSec)
	if wait < 1 {
		wait = 1
	}
	return false, int(wait)
}

// Defender is the global+per-IP handshake rate limiter.
type Defender struct {
	cfg    Config
	global *LeakyBucket

	mu    sync.Mutex
	perIP map[string]*LeakyBucket
}

// NewDefender builds a Defender from cfg.
func NewDefender(cfg Config) *Defender {
	return &Defender{
		cfg:    cfg,
		global: NewLeakyBucket(cfg.GlobalBurst, cfg.GlobalRPS),
		perIP:  make(map[string]*LeakyBucket),
	}
}

// Check evaluates the global bucket then the per-IP bucket for ip. On
// reject, retryAfterSec is always >= 1.
func (d *Defender) Check(ip string) (ok bool, retryAfterSec int) {
	if !d.cfg.Enabled {
		return true, 0
	}

	if ok, ra := d.global.TryTake(1); !ok {
		return false, ra
	}

	bucket := d.bucketFor(ip)
	if ok, ra := bucket.TryTake(1); !ok {
		return false, ra
	}

	d.maybeEvict()
	return true, 0
}

func (d *Defender) bucketFor(ip string) *LeakyBucket {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.perIP[ip]
	if !ok {
		b = NewLeakyBucket(d.cfg.PerIPBurst, d.cfg.PerIPRPS)
		d.perIP[ip] = b
	}
	return b
}

// maybeEvict runs a bounded, probabilistic sweep when the per-IP map grows
// past its configured size: roughly a 10% chance per call to drop roughly
// 10% of entries. A background sweeper is preferable under very high IP
// churn; this inline variant is deliberately cheap per call.
func (d *Defender) maybeEvict() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.perIP) <= d.cfg.MaxIPEntries {
		return
	}
	if rand.Intn(100) >= 10 {
		return
	}
	for ip := range d.perIP {
		if rand.Intn(10) == 0 {
			delete(d.perIP, ip)
		}
	}
}
