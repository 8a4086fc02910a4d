package engine

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// TaskHandler processes one CopyTask.
type TaskHandler func(context.Context, CopyTask) error

// WorkerPool runs a resizable set of workers draining a TaskChannel. Handler
// errors are collected, not fatal to the pool.
type WorkerPool struct {
	tasks   TaskChannel
	handler TaskHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workers     map[int]chan struct{}
	workerCount int
	nextID      int
	errs        *multierror.Error
	wg          sync.WaitGroup
}

// NewWorkerPool creates a pool with no workers; call SetWorkerCount.
func NewWorkerPool(ctx context.Context, tasks TaskChannel, handler TaskHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		tasks:   tasks,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]chan struct{}),
	}
}

// SetWorkerCount scales the number of workers up or down. Removed workers
// finish their current task first.
func (p *WorkerPool) SetWorkerCount(count int) {
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
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerCount
}

func (p *WorkerPool) addWorker() {
	quit := make(chan struct{})
	id := p.nextID
	p.nextID++
	p.workers[id] = quit
	p.workerCount++
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		for {
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
			case task, ok := <-p.tasks:
				if !ok {
					return
				}
				if err := p.handler(p.ctx, task); err != nil {
					p.mu.Lock()
					p.errs = multierror.Append(p.errs, xerrors.Errorf("%s: %w", task.ID, err))
					p.mu.Unlock()
				}
			}
		}
	}()
}

func (p *WorkerPool) removeWorker() {
	for id, quit := range p.workers {
		close(quit)
		delete(p.workers, id)
		p.workerCount--
		return
	}
}

// Wait blocks until every worker has exited, which happens once the task
// channel is closed and drained, and returns the collected handler errors.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs.ErrorOrNil()
}

// Stop cancels the pool and waits for workers to exit. Running tasks see a
// cancelled context.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
