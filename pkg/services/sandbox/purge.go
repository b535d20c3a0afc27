package sandbox

import (
	"context"
	"fmt"
	"time"
)

// PurgeConfig controls the removal of expired sandboxes.
type PurgeConfig struct {
	// Retention is how long a sandbox is kept after upload; 0 keeps
	// sandboxes forever.
	Retention time.Duration

	// Interval is how often the purger runs (default: 1h).
	Interval time.Duration

	// DryRun logs what would be removed without removing it.
	DryRun bool
}

// Purger periodically removes sandboxes older than the retention.
//
// Thread Safety: Safe for concurrent use.
type Purger struct {
	store  *Store
	config PurgeConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

func newPurger(s *Store, config PurgeConfig) *Purger {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	return &Purger{
		store:  s,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (p *Purger) enabled() bool {
	return p.config.Retention > 0
}

// Start runs the purger in the background until Stop.
func (p *Purger) Start() {
	if !p.enabled() {
		p.store.log.Info("Sandbox purging disabled")
		close(p.doneCh)
		return
	}

	p.store.log.Info("Starting sandbox purger: retention=%s interval=%s dry_run=%v",
		p.config.Retention, p.config.Interval, p.config.DryRun)
	go p.worker()
}

// Stop signals the worker and waits for the run in progress.
func (p *Purger) Stop(ctx context.Context) error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}

	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		p.store.log.Warn("Sandbox purger shutdown timeout")
		return ctx.Err()
	}
}

// RunNow purges immediately and blocks until the run completes.
func (p *Purger) RunNow(ctx context.Context) (*PurgeStats, error) {
	return p.purge(ctx)
}

func (p *Purger) worker() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.Interval)
			stats, err := p.purge(ctx)
			cancel()
			if err != nil {
				p.store.log.Error("Sandbox purge failed: %v", err)
			} else if stats.Expired > 0 {
				p.store.log.Info("Sandbox purge completed: %s", stats.Summary())
			}
		case <-p.stopCh:
			return
		}
	}
}

// purge removes every record created before now-Retention, then its
// content. A failed content removal leaves an orphaned object but the
// sandbox is gone from the index.
func (p *Purger) purge(ctx context.Context) (*PurgeStats, error) {
	stats := &PurgeStats{StartTime: p.store.now()}
	if !p.enabled() {
		stats.EndTime = p.store.now()
		return stats, nil
	}
	cutoff := stats.StartTime.Add(-p.config.Retention)

	recs, err := p.store.index.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("list sandboxes: %w", err)
	}
	stats.Scanned = len(recs)

	for _, rec := range recs {
		if !rec.Created.Before(cutoff) {
			continue
		}
		stats.Expired++
		if p.config.DryRun {
			p.store.log.Info("Purge (dry run): would remove %s of %s", rec.FileID, rec.Owner)
			continue
		}
		if err := ctx.Err(); err != nil {
			stats.EndTime = p.store.now()
			return stats, err
		}
		if p.remove(ctx, rec) {
			stats.Removed++
			stats.Bytes += rec.Size
		} else {
			stats.Failed++
		}
	}

	stats.EndTime = p.store.now()
	return stats, nil
}

func (p *Purger) remove(ctx context.Context, rec Record) bool {
	unlock := p.store.lock(rec.FileID)
	defer unlock()

	// Re-read under the lock: the owner may have replaced it meanwhile.
	current, err := p.store.index.Get(ctx, rec.FileID)
	if err != nil || current.Key != rec.Key {
		return false
	}
	if err := p.store.index.Delete(ctx, rec.FileID); err != nil {
		p.store.log.Warn("Purge: removing %s from the index: %v", rec.FileID, err)
		return false
	}
	if err := p.store.backend.Delete(ctx, rec.Key); err != nil {
		p.store.log.Warn("Purge: removing content of %s: %v", rec.FileID, err)
	}
	p.store.log.Debug("Purged sandbox %s of %s", rec.FileID, rec.Owner)
	return true
}

// PurgeStats describes one purge run.
type PurgeStats struct {
	StartTime time.Time
	EndTime   time.Time
	Scanned   int
	Expired   int
	Removed   int
	Failed    int
	Bytes     int64
}

func (s *PurgeStats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *PurgeStats) Summary() string {
	return fmt.Sprintf("scanned=%d expired=%d removed=%d failed=%d bytes=%d duration=%s",
		s.Scanned, s.Expired, s.Removed, s.Failed, s.Bytes, s.Duration())
}

// Info is the wire form of the stats.
func (s *PurgeStats) Info() map[string]any {
	return map[string]any{
		"Scanned": s.Scanned,
		"Expired": s.Expired,
		"Removed": s.Removed,
		"Failed":  s.Failed,
		"Bytes":   s.Bytes,
	}
}
