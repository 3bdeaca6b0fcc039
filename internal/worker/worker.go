// Package worker runs the control plane's background loops.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Periodic is a task run on a fixed interval.
type Periodic struct {
	Name     string
	Interval time.Duration
	// Immediate runs the task once before the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Group starts background loops and waits for them on shutdown.
type Group struct {
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewGroup(logger *zap.Logger) *Group {
	return &Group{logger: logger}
}

// Every starts p in its own goroutine until ctx is done. A non-positive interval disables it.
func (g *Group) Every(ctx context.Context, p Periodic) {
	if p.Interval <= 0 {
		g.logger.Info("Periodic worker disabled", zap.String("worker", p.Name))
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.loop(ctx, p)
	}()
}

func (g *Group) loop(ctx context.Context, p Periodic) {
	logger := g.logger.With(zap.String("worker", p.Name))
	logger.Info("Periodic worker started", zap.Duration("interval", p.Interval))

	if p.Immediate {
		g.runOnce(ctx, logger, p)
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Periodic worker stopped")
			return
		case <-ticker.C:
			g.runOnce(ctx, logger, p)
		}
	}
}

// runOnce executes one iteration. A panic is logged and does not stop the loop.
func (g *Group) runOnce(ctx context.Context, logger *zap.Logger, p Periodic) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Periodic worker panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	start := time.Now()
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Periodic worker iteration failed", zap.Error(err))
		return
	}
	logger.Debug("Periodic worker iteration done", zap.Duration("took", time.Since(start)))
}

// Go runs fn in the group, e.g. a queue consumer. Errors are logged.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("Background task exited", zap.String("worker", name), zap.Error(err))
		}
	}()
}

// Wait blocks until every started loop has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
