package history

import (
	"context"
	"time"

	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/metrics"
)

// sweepInterval is how often the retention sweep runs.
const sweepInterval = 24 * time.Hour

// Maintainer runs the periodic tick: every tick drains the commit queue,
// and once a day the tick also runs the retention sweep. It is the only
// bulk writer of history.
type Maintainer struct {
	store     *Store
	sweeper   *Sweeper
	interval  time.Duration
	collector metrics.Collector
	now       func() time.Time

	lastSweep time.Time
}

// NewMaintainer creates a Maintainer ticking every interval.
func NewMaintainer(store *Store, sweeper *Sweeper, interval time.Duration, collector metrics.Collector) *Maintainer {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Maintainer{
		store:     store,
		sweeper:   sweeper,
		interval:  interval,
		collector: collector,
		now:       store.now,
	}
}

// Run ticks until ctx is canceled, then drains the queue one last time.
func (m *Maintainer) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := logging.WithLogger(context.Background(), logger)
			if _, err := m.store.DrainCommitQueue(final); err != nil {
				logger.Error("final commit queue drain failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				logger.Error("maintenance tick failed", "error", err)
			}
		}
	}
}

// Tick drains the commit queue and runs the retention sweep if a day has
// passed since the last one. The first tick always sweeps.
func (m *Maintainer) Tick(ctx context.Context) error {
	n, err := m.store.DrainCommitQueue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.collector.SlotsCommitted(n)
		logging.FromContext(ctx).Debug("commit queue drained", "committed", n)
	}

	now := m.now()
	if m.sweeper == nil || (!m.lastSweep.IsZero() && now.Sub(m.lastSweep) < sweepInterval) {
		return nil
	}

	expired, err := m.sweeper.Sweep(ctx, now)
	if err != nil {
		return err
	}
	m.lastSweep = now
	if expired > 0 {
		m.collector.SlotsExpired(expired)
	}
	return nil
}
