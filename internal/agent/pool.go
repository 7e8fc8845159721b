package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs each scheduled task step on its own goroutine, so a step that
// sleeps or waits on a command holds nothing other tasks need. Steps of one
// task never overlap: scheduling a task whose step is running queues exactly
// one more run after it.
type Pool struct {
	work func(ctx context.Context, id int64)

	mu      sync.Mutex
	queue   []int64
	running map[int64]bool
	again   map[int64]bool
	wake    chan struct{}
}

func NewPool(work func(ctx context.Context, id int64)) *Pool {
	return &Pool{
		work:    work,
		running: map[int64]bool{},
		again:   map[int64]bool{},
		wake:    make(chan struct{}, 1),
	}
}

// Schedule queues one step of task id.
func (p *Pool) Schedule(id int64) {
	p.mu.Lock()
	p.queue = append(p.queue, id)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending reports the number of steps scheduled but not yet started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + len(p.again)
}

// Running reports the number of tasks with a step in flight.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// drain takes the queue and returns the ids that may start now.
func (p *Pool) drain() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var start []int64
	for _, id := range p.queue {
		if p.running[id] {
			p.again[id] = true
			continue
		}
		p.running[id] = true
		start = append(start, id)
	}
	p.queue = nil
	return start
}

func (p *Pool) run(ctx context.Context, id int64) {
	for {
		p.work(ctx, id)
		p.mu.Lock()
		if p.again[id] && ctx.Err() == nil {
			delete(p.again, id)
			p.mu.Unlock()
			continue
		}
		delete(p.again, id)
		delete(p.running, id)
		p.mu.Unlock()
		return
	}
}

// Run starts scheduled steps until ctx is done, then waits for every
// running step to return.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	for {
		for _, id := range p.drain() {
			g.Go(func() error {
				p.run(ctx, id)
				return nil
			})
		}
		select {
		case <-ctx.Done():
			return g.Wait()
		case <-p.wake:
		}
	}
}
