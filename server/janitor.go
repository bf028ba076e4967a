package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/storage"
)

// Janitor periodically deletes codes and tokens that expired more than the
// retention period ago. Expired rows are already rejected on read; the
// retention window keeps consumed codes around long enough to detect late
// replays.
type Janitor struct {
	store     storage.Sweeper
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewJanitor creates a janitor. It does nothing until Start or RunOnce.
func NewJanitor(store storage.Sweeper, interval, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (storage.SweepResult, error) {
	cutoff := j.now().Add(-j.retention)
	start := time.Now()

	result, err := j.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		j.logger.Error("Expired row sweep failed", "error", err)
		if j.metrics != nil {
			j.metrics.RecordSweep(ctx, instrumentation.ResultFailure, 0, 0, 0)
		}
		return result, classify(OpSweep, err)
	}

	if j.metrics != nil {
		j.metrics.RecordSweep(ctx, instrumentation.ResultSuccess, result.Codes, result.AccessTokens, result.RefreshTokens)
	}
	if result.Total() > 0 {
		j.logger.Info("Swept expired rows",
			"codes", result.Codes,
			"access_tokens", result.AccessTokens,
			"refresh_tokens", result.RefreshTokens,
			"duration", time.Since(start))
	}
	return result, nil
}

// Start runs a sweep every interval until ctx is done or Stop is called.
// Calling Start on a running janitor does nothing.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running || j.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true

	go j.loop(ctx, j.done)
	j.logger.Debug("Started janitor",
		"interval", j.interval,
		"retention", j.retention)
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish. It is
// safe to call more than once.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	cancel, done := j.cancel, j.done
	j.running = false
	j.mu.Unlock()

	cancel()
	<-done
}
