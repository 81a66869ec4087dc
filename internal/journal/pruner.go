package journal

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes journal rows older than Retention every Interval.
type Pruner struct {
	Journal   *Journal
	Retention time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
}

// DefaultPruneInterval is used when Interval is zero.
const DefaultPruneInterval = time.Hour

// Run prunes once immediately and then on every tick until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	if p.Retention <= 0 {
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	p.prune(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.Journal.Prune(ctx, p.Retention)
	switch {
	case err != nil && ctx.Err() == nil:
		p.Logger.Warn("journal prune failed", "error", err)
	case n > 0:
		p.Logger.Info("journal pruned", "rows", n, "retention", p.Retention.String())
	}
}
