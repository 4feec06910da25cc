// Package housekeeping runs retention cleanup as a timer-driven background
// task, independent of the request path. It is best-effort: push/pull
// correctness never depends on it having run.
package housekeeping

import (
	"context"
	"log/slog"
	"time"
)

// Store abstracts the purge operations.
type Store interface {
	// PurgeOpsBefore deletes idempotency records older than the cutoff.
	PurgeOpsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// PurgeChangesBefore deletes change-log entries older than the cutoff.
	PurgeChangesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Purger periodically trims idempotency records and change-log entries that
// have aged out of their retention windows.
type Purger struct {
	store           Store
	log             *slog.Logger
	interval        time.Duration
	minInterval     time.Duration
	opRetention     time.Duration
	changeRetention time.Duration
	lastRun         time.Time
}

// New constructs a Purger. Zero durations fall back to defaults:
// hourly runs, 30-day op retention, 90-day change retention.
func New(store Store, log *slog.Logger, interval, opRetention, changeRetention time.Duration) *Purger {
	if interval <= 0 {
		interval = time.Hour
	}
	if opRetention <= 0 {
		opRetention = 30 * 24 * time.Hour
	}
	if changeRetention <= 0 {
		changeRetention = 90 * 24 * time.Hour
	}
	return &Purger{
		store:           store,
		log:             log,
		interval:        interval,
		minInterval:     interval / 2,
		opRetention:     opRetention,
		changeRetention: changeRetention,
	}
}

// Run loops until ctx is cancelled. The lastRun marker only throttles
// redundant passes; losing it would merely make cleanup run again sooner.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Purger) runOnce(ctx context.Context) {
	now := time.Now()
	if !p.lastRun.IsZero() && now.Sub(p.lastRun) < p.minInterval {
		return
	}
	p.lastRun = now

	ops, err := p.store.PurgeOpsBefore(ctx, now.Add(-p.opRetention))
	if err != nil {
		p.log.Warn("op retention purge failed", "err", err)
	}
	changes, err := p.store.PurgeChangesBefore(ctx, now.Add(-p.changeRetention))
	if err != nil {
		p.log.Warn("change retention purge failed", "err", err)
	}
	if ops > 0 || changes > 0 {
		p.log.Info("retention purge", "ops", ops, "changes", changes)
	}
}
