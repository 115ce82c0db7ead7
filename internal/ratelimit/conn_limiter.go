package ratelimit

import (
	"container/list"
	"sync"

	"github.com/benbjohnson/clock"
)

// Reasons returned by ConnLimiter when a message is rejected.
const (
	ReasonMessages = "messages_per_second"
	ReasonBytes    = "bytes_per_second"
	ReasonTarget   = "signals_per_target"
)

// ConnConfig holds the per-connection signaling budgets. A non-positive value
// disables that budget.
type ConnConfig struct {
	MessagesPerSecond int
	BytesPerSecond    int

	// SignalsPerSecondPerTarget limits how fast one connection may signal the
	// same peer.
	SignalsPerSecondPerTarget int

	// MaxTargetBuckets bounds the per-target buckets kept for
	// SignalsPerSecondPerTarget. When <= 0, a default of 1024 is used.
	MaxTargetBuckets int

	// OnTargetBucketEvicted is invoked once per evicted per-target bucket,
	// outside of the limiter's mutex.
	OnTargetBucketEvicted func()
}

// ConnLimiter enforces the inbound budgets of one signaling connection.
type ConnLimiter struct {
	clock clock.Clock

	messages *TokenBucket
	bytes    *TokenBucket

	perTargetRate    int64
	maxTargetBuckets int
	onEvict          func()

	mu        sync.Mutex
	perTarget map[string]*targetBucketEntry
	lru       *list.List
}

type targetBucketEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

// NewConnLimiter returns a limiter. A nil clock uses wall time.
func NewConnLimiter(clk clock.Clock, cfg ConnConfig) *ConnLimiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &ConnLimiter{
		clock:            clk,
		perTargetRate:    int64(cfg.SignalsPerSecondPerTarget),
		maxTargetBuckets: cfg.MaxTargetBuckets,
		onEvict:          cfg.OnTargetBucketEvicted,
		perTarget:        make(map[string]*targetBucketEntry),
		lru:              list.New(),
	}
	if cfg.MessagesPerSecond > 0 {
		l.messages = NewTokenBucket(clk, int64(cfg.MessagesPerSecond), int64(cfg.MessagesPerSecond))
	}
	if cfg.BytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clk, int64(cfg.BytesPerSecond), int64(cfg.BytesPerSecond))
	}
	if l.maxTargetBuckets <= 0 {
		l.maxTargetBuckets = 1024
	}
	return l
}

// AllowMessage reports whether an inbound frame of size bytes fits the
// connection budget. reason is empty when allowed.
func (l *ConnLimiter) AllowMessage(size int) (allowed bool, reason string) {
	if l.messages != nil && !l.messages.Allow(1) {
		return false, ReasonMessages
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		return false, ReasonBytes
	}
	return true, ""
}

// AllowSignal reports whether another signaling message to target is allowed.
func (l *ConnLimiter) AllowSignal(target string) (allowed bool, reason string) {
	if l.perTargetRate <= 0 {
		return true, ""
	}
	if !l.targetBucket(target).Allow(1) {
		return false, ReasonTarget
	}
	return true, ""
}

func (l *ConnLimiter) targetBucket(target string) *TokenBucket {
	var onEvict func()

	l.mu.Lock()
	if entry, ok := l.perTarget[target]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.perTarget) >= l.maxTargetBuckets {
		// Oldest entry is at the back.
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.perTarget, elem.Value.(string))
			onEvict = l.onEvict
		}
	}

	bucket := NewTokenBucket(l.clock, l.perTargetRate, l.perTargetRate)
	l.perTarget[target] = &targetBucketEntry{bucket: bucket, elem: l.lru.PushFront(target)}
	l.mu.Unlock()

	if onEvict != nil {
		onEvict()
	}
	return bucket
}
