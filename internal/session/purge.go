package session

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/store"
)

// Purger hard-deletes soft-deleted sessions whose 30-day grace period has
// lapsed. It runs as a background goroutine, sweeping in bounded batches so
// one backlogged workspace cannot hold a connection for minutes.
type Purger struct {
	sessions *store.Sessions
	metrics  *metrics.Metrics
	config   PurgeConfig
	stopCh   chan struct{}
	logger   *log.Logger
}

// PurgeConfig holds the sweep policy.
type PurgeConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// BatchSize caps deletions per sweep iteration.
	BatchSize int
}

// DefaultPurgeConfig sweeps hourly in batches of 100.
func DefaultPurgeConfig() PurgeConfig {
	return PurgeConfig{
		Interval:  1 * time.Hour,
		BatchSize: 100,
	}
}

// NewPurger creates and starts the purge scheduler.
func NewPurger(sessions *store.Sessions, m *metrics.Metrics, cfg PurgeConfig) *Purger {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPurgeConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPurgeConfig().BatchSize
	}

	p := &Purger{
		sessions: sessions,
		metrics:  m,
		config:   cfg,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[PURGE] ", log.LstdFlags),
	}

	go p.run()
	return p
}

// Stop gracefully stops the purge scheduler.
func (p *Purger) Stop() {
	close(p.stopCh)
}

// run is the main loop. The first sweep is jittered so a fleet restarting
// together does not stampede the database at the same instant.
func (p *Purger) run() {
	jitter := time.Duration(rand.Int63n(int64(p.config.Interval) / 10))
	p.logger.Printf("Started session purge scheduler (interval=%s, batch=%d, first sweep in %s)",
		p.config.Interval, p.config.BatchSize, (jitter).Round(time.Second))

	select {
	case <-time.After(jitter):
	case <-p.stopCh:
		return
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Sweep()
	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.stopCh:
			p.logger.Println("Purge scheduler stopped")
			return
		}
	}
}

// Sweep deletes expired sessions batch by batch until the backlog is clear.
// Exported so operators can trigger a pass outside the schedule.
func (p *Purger) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var total int64
	for {
		n, err := p.sessions.PurgeExpired(ctx, time.Now().UTC(), p.config.BatchSize)
		if err != nil {
			p.logger.Printf("❌ Purge sweep failed after %d deletions: %v", total, err)
			return
		}
		total += n
		if n < int64(p.config.BatchSize) {
			break
		}
	}

	if total > 0 {
		p.metrics.SessionsPurged.Add(float64(total))
		p.logger.Printf("Sweep complete: %d expired session(s) purged", total)
	}
}
