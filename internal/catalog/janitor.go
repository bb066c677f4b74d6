package catalog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Janitor periodically closes sessions that have sat idle past their TTL.
type Janitor struct {
	service      *Service
	ttl          time.Duration
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
	closed       atomic.Int64
}

func NewJanitor(service *Service, ttl time.Duration, logger *slog.Logger) *Janitor {
	poll := ttl / 4
	if poll < time.Second {
		poll = time.Second
	}
	if poll > time.Minute {
		poll = time.Minute
	}
	return &Janitor{
		service:      service,
		ttl:          ttl,
		logger:       logger,
		pollInterval: poll,
	}
}

func (j *Janitor) Start(ctx context.Context) {
	if j.running.Swap(true) {
		return
	}

	j.logger.Info("session janitor started", "ttl", j.ttl.String())

	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("session janitor stopping")
			j.running.Store(false)
			return
		case <-ticker.C:
			if !j.paused.Load() {
				j.sweep(ctx)
			}
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	if n := j.service.CloseIdle(ctx, j.ttl); n > 0 {
		j.closed.Add(int64(n))
		j.logger.Info("closed idle sessions", "count", n)
	}
}

func (j *Janitor) Pause() {
	j.paused.Store(true)
	j.logger.Info("session janitor paused")
}

func (j *Janitor) Resume() {
	j.paused.Store(false)
	j.logger.Info("session janitor resumed")
}

func (j *Janitor) IsPaused() bool {
	return j.paused.Load()
}

func (j *Janitor) IsRunning() bool {
	return j.running.Load()
}

// ClosedCount is the number of sessions this janitor has closed.
func (j *Janitor) ClosedCount() int64 {
	return j.closed.Load()
}
