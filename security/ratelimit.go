package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig tunes a RateLimiter. Zero fields take defaults.
type RateLimiterConfig struct {
	// PerSecond is the sustained rate per key.
	PerSecond float64

	// Burst is the bucket size per key.
	Burst int

	// MaxEntries bounds the number of tracked keys (default: 10000).
	// When full, the least recently used key is evicted.
	MaxEntries int

	// IdleTimeout drops keys not seen for this long (default: 30m).
	IdleTimeout time.Duration

	// CleanupInterval is how often idle keys are swept (default: 5m).
	CleanupInterval time.Duration
}

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket with LRU eviction.
type RateLimiter struct {
	cfg    RateLimiterConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	evictions int64
	denied    int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing perSecond events per key with the
// given burst, using default capacity settings.
func NewRateLimiter(perSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(RateLimiterConfig{PerSecond: perSecond, Burst: burst}, logger)
}

// NewRateLimiterWithConfig creates a limiter and starts its cleanup goroutine.
// Call Stop when done.
func NewRateLimiterWithConfig(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow consumes one token for key and reports whether it was available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	var entry *limiterEntry
	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry = elem.Value.(*limiterEntry)
	} else {
		if len(rl.entries) >= rl.cfg.MaxEntries {
			rl.evictOldest()
		}
		entry = &limiterEntry{
			key:     key,
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.PerSecond), rl.cfg.Burst),
		}
		rl.entries[key] = rl.lru.PushFront(entry)
	}
	entry.lastAccess = now

	if !entry.limiter.AllowN(now, 1) {
		rl.denied++
		return false
	}
	return true
}

// Forget drops any state for key, restoring its full burst.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.Remove(elem)
		delete(rl.entries, key)
	}
}

// must hold rl.mu
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	rl.lru.Remove(elem)
	delete(rl.entries, entry.key)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted key",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// Cleanup removes keys idle for longer than IdleTimeout as of now and
// returns how many were removed.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// the list is ordered by recency, so walk from the back and stop at the
	// first key that is still fresh
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= rl.cfg.IdleTimeout {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, entry.key)
		removed++
		elem = prev
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
	return removed
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterStats is a point-in-time snapshot for monitoring.
type RateLimiterStats struct {
	CurrentEntries int
	MaxEntries     int
	Evictions      int64
	Denied         int64
}

// Stats returns current counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RateLimiterStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.cfg.MaxEntries,
		Evictions:      rl.evictions,
		Denied:         rl.denied,
	}
}
