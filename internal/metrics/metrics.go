package metrics

import (
	"sync"
	"sync/atomic"
)

// 计数器名称
const (
	WebhooksReceived    = "webhooks_received"
	WebhooksRejected    = "webhooks_rejected" // 签名失败
	EventsDuplicate     = "events_duplicate"
	EventsUnmatched     = "events_unmatched"
	EventsAccountDenied = "events_account_rejected"
	MessagesPersisted   = "messages_persisted"
	StageFailures       = "stage_failures"
	OutboundSent        = "outbound_sent"
	OutboundFailed      = "outbound_failed"
	OutboundDeferred    = "outbound_deferred"
	EnrollmentsSwept    = "enrollments_swept"
)

type counterSet struct {
	mu     sync.RWMutex
	values map[string]*uint64
}

var counters = counterSet{values: make(map[string]*uint64)}

func (s *counterSet) get(name string) *uint64 {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()
	if ok {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.values[name]; !ok {
		v = new(uint64)
		s.values[name] = v
	}
	return v
}

// Inc 计数器加一
func Inc(name string) {
	atomic.AddUint64(counters.get(name), 1)
}

// Add 计数器加 n
func Add(name string, n uint64) {
	atomic.AddUint64(counters.get(name), n)
}

// Get 读取单个计数器
func Get(name string) uint64 {
	return atomic.LoadUint64(counters.get(name))
}

// Snapshot returns a copy of all counters.
func Snapshot() map[string]uint64 {
	counters.mu.RLock()
	defer counters.mu.RUnlock()
	out := make(map[string]uint64, len(counters.values))
	for k, v := range counters.values {
		out[k] = atomic.LoadUint64(v)
	}
	return out
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
