// Package ratelimit limits requests per client with token buckets.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	last       time.Time
	used       time.Time
}

func (b *bucket) refill(now time.Time) {
	b.tokens = min(b.capacity, b.tokens+now.Sub(b.last).Seconds()*b.refillRate)
	b.last = now
}

func (b *bucket) after(tokens float64) time.Duration {
	return time.Duration(tokens / b.refillRate * float64(time.Second))
}

// take consumes a token if one is available and reports the bucket state.
func (b *bucket) take(now time.Time) Info {
	b.refill(now)
	b.used = now
	info := Info{Allowed: b.tokens >= 1}
	if info.Allowed {
		b.tokens--
	} else {
		info.RetryAfter = b.after(1 - b.tokens)
	}
	info.Remaining = int(b.tokens)
	info.ResetTime = now.Add(b.after(b.capacity - b.tokens))
	return info
}

// Info describes the limit that applied to a request.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter tracks one bucket per client, method and path.
type Limiter struct {
	cfg *Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// NewLimiter creates a limiter. A nil config disables limiting.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if cfg.Enabled && cfg.IdleAfter > 0 {
		go l.sweep(cfg.IdleAfter)
	}
	return l
}

// Allow reports whether the client may make the request now.
func (l *Limiter) Allow(client, path, method string) (bool, Info) {
	if !l.cfg.Enabled || l.cfg.Allow[client] {
		return true, Info{Allowed: true}
	}
	if l.cfg.Deny[client] {
		return false, Info{}
	}

	rule := Match(path, method, l.cfg.Rules)
	key := client + ":" + method + ":" + path
	if rule == nil {
		rule = &Rule{Limit: l.cfg.DefaultLimit, Window: l.cfg.DefaultWindow}
	} else if rule.Path != "" {
		key = client + ":" + method + ":" + rule.Path
	}
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, Info{Allowed: true}
	}

	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		capacity := rule.Burst
		if capacity <= 0 {
			capacity = rule.Limit
		}
		b = &bucket{
			capacity:   float64(capacity),
			refillRate: float64(rule.Limit) / rule.Window.Seconds(),
			tokens:     float64(capacity),
			last:       now,
		}
		l.buckets[key] = b
	}
	info := b.take(now)
	l.mu.Unlock()

	info.Limit = rule.Limit
	return info.Allowed, info
}

func (l *Limiter) sweep(idle time.Duration) {
	t := time.NewTicker(idle / 4)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.evict(l.now().Add(-idle))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.used.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop ends the background sweep.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
