// Package dispatcher manages worker fan-out over a queue.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Source yields queued items.
type Source[T any] interface {
	Dequeue(ctx context.Context) (T, error)
}

// Handler processes one item. Panics are recovered per item.
type Handler[T any] func(ctx context.Context, item T)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of concurrent handlers (default 1).
	Workers int
	// Exhausted reports dequeue errors that mean the source will never yield
	// again; workers exit on them.
	Exhausted func(error) bool
	Logger    *zap.Logger
}

// Dispatcher fans out queue work to a fixed pool of workers.
type Dispatcher[T any] struct {
	source  Source[T]
	handler Handler[T]
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New[T any](source Source[T], handler Handler[T], cfg Config) *Dispatcher[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Exhausted == nil {
		cfg.Exhausted = func(error) bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes or the source
// is exhausted.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			d.loop(ctx, d.logger.With(zap.Int("worker", index)))
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher[T]) loop(ctx context.Context, logger *zap.Logger) {
	for {
		item, err := d.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if d.cfg.Exhausted(err) {
				return
			}
			logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		d.handle(ctx, logger, item)
	}
}

func (d *Dispatcher[T]) handle(ctx context.Context, logger *zap.Logger, item T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic recovered",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	d.handler(ctx, item)
}
