package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type iCollectable interface {
	GC(ctx context.Context) (int, error)
}

// Collector periodically removes blocks that are no longer reachable from any
// stream root or temp pin.
type Collector struct {
	blocks   iCollectable
	writeMu  *sync.RWMutex
	interval time.Duration

	wg     sync.WaitGroup
	cancel func()
}

func NewCollector(blocks iCollectable, writeMu *sync.RWMutex, interval time.Duration) *Collector {
	return &Collector{
		blocks:   blocks,
		writeMu:  writeMu,
		interval: interval,
		cancel:   func() {},
	}
}

func (c *Collector) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.Collect(ctx); err != nil && ctx.Err() == nil {
					slog.Error("block gc failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Collect runs one gc pass and returns the number of deleted blocks.
func (c *Collector) Collect(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	start := time.Now()
	n, err := c.blocks.GC(ctx)
	if err != nil {
		return 0, err
	}
	slog.Debug("block gc done", "deleted", n, "took", time.Since(start))
	return n, nil
}

func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}
