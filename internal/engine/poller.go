package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Poller periodically reconciles every active request.
type Poller struct {
	engine      *Engine
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewPoller creates a poller that syncs at most concurrency requests at once.
func NewPoller(e *Engine, interval time.Duration, concurrency int, logger *slog.Logger) *Poller {
	return &Poller{
		engine:      e,
		interval:    interval,
		concurrency: max(1, concurrency),
		logger:      logger.With("component", "poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "interval", p.interval, "concurrency", p.concurrency)
	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick syncs every active request once. A failing request is logged and
// does not stop the others.
func (p *Poller) Tick(ctx context.Context) error {
	active, err := p.engine.store.ListActiveRequests(ctx)
	if err != nil {
		return fmt.Errorf("list active requests: %w", err)
	}
	activeRequests.Set(float64(len(active)))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, r := range active {
		g.Go(func() error {
			if _, err := p.engine.Sync(ctx, r.ID); err != nil && ctx.Err() == nil {
				p.logger.Error("sync failed", "request_id", r.ID, "provider", r.ProviderName, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
