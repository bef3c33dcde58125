package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs retention once an hour.
const DefaultPruneSchedule = "@every 1h"

// Pruner deletes records older than the retention window on a cron schedule.
type Pruner struct {
	store     Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner validates schedule and returns a stopped pruner. Retention <= 0
// means records are kept forever; Start is then a no-op.
func NewPruner(store Store, retention time.Duration, schedule string, logger *slog.Logger) (*Pruner, error) {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		cron:      cron.New(cron.WithParser(parser)),
		logger:    logger,
		now:       time.Now,
	}
	if retention > 0 {
		if _, err := p.cron.AddFunc(schedule, func() { _, _ = p.PruneOnce(context.Background()) }); err != nil {
			return nil, fmt.Errorf("scheduling prune: %w", err)
		}
	}
	return p, nil
}

// Start runs the schedule in the background.
func (p *Pruner) Start() {
	if p.retention <= 0 {
		p.logger.Info("audit retention disabled, records kept forever")
		return
	}
	p.cron.Start()
	p.logger.Info("audit pruner started", slog.Duration("retention", p.retention))
}

// Stop halts the schedule and waits for a running prune to finish or ctx to end.
func (p *Pruner) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// PruneOnce deletes records older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Error("audit prune failed", slog.String("error", err.Error()))
		return 0, err
	}
	if n > 0 {
		p.logger.Info("audit records pruned", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
