// Package dispatcher manages worker fan-out over the work-item queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   analyst.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue analyst.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue validates and forwards a work item to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req analyst.GridRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid work item: %w", err)
	}
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
