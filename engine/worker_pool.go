package engine

import (
	"context"
	"sync"
)

// Handler processes one item taken from the pool's channel.
type Handler[T any] func(context.Context, T) error

// WorkerPool manages a dynamic set of workers draining a channel of items.
type WorkerPool[T any] struct {
	items   <-chan T
	handler Handler[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	wg          sync.WaitGroup
}

// NewWorkerPool creates a new dynamic worker pool.
func NewWorkerPool[T any](ctx context.Context, items <-chan T, handler Handler[T]) *WorkerPool[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool[T]{
		items:   items,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down gracefully.
func (p *WorkerPool[T]) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.workerCount < count {
		p.addWorker()
	}

	for p.workerCount > count {
		p.removeWorker()
	}
}

// WorkerCount returns the current target number of workers.
func (p *WorkerPool[T]) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool[T]) addWorker() {
	quitChan := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quitChan
	p.workerCount++
	p.wg.Add(1)

	go func(quit chan struct{}) {
		defer p.wg.Done()
		for {
			// Prioritize quit and context cancellation checking
			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			default:
			}

			select {
			case <-quit:
				return
			case <-p.ctx.Done():
				return
			case item, ok := <-p.items:
				if !ok {
					return
				}
				_ = p.handler(p.ctx, item)
			}
		}
	}(quitChan)
}

func (p *WorkerPool[T]) removeWorker() {
	for id, quit := range p.workers {
		close(quit) // the worker exits after its current item
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Wait blocks until every worker has exited, which happens once the item
// channel is closed and drained.
func (p *WorkerPool[T]) Wait() {
	p.wg.Wait()
	p.cancel()
}

// Stop initiates termination of all workers and waits for them to exit.
// Items currently being handled see a cancelled context.
func (p *WorkerPool[T]) Stop() {
	p.cancel()
	p.wg.Wait()
}

type indexed[T any] struct {
	i    int
	item T
}

// RunBatch handles every item on a pool of at most workers goroutines and
// blocks until all of them have finished. It returns the error of the first
// failed item in submission order, or ctx.Err() if the batch was cut short
// before every item ran.
func RunBatch[T any](ctx context.Context, workers int, items []T, handler Handler[T]) error {
	if len(items) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	errs := make([]error, len(items))
	done := make([]bool, len(items))

	ch := make(chan indexed[T], len(items))
	for i, item := range items {
		ch <- indexed[T]{i: i, item: item}
	}
	close(ch)

	pool := NewWorkerPool(ctx, ch, func(ctx context.Context, it indexed[T]) error {
		// each index is written by exactly one worker
		errs[it.i] = handler(ctx, it.item)
		done[it.i] = true
		return errs[it.i]
	})
	pool.SetWorkerCount(workers)
	pool.Wait()

	for i := range items {
		if errs[i] != nil {
			return errs[i]
		}
	}
	for i := range items {
		if !done[i] {
			if err := ctx.Err(); err != nil {
				return err
			}
			return context.Canceled
		}
	}
	return nil
}
