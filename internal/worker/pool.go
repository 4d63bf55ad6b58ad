package worker

import (
	"context"
	"sync"

	"genpipeline/internal/metrics"
)

// Pool bounds the number of tasks processed at once.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{sem: make(chan struct{}, maxWorkers)}
}

// Submit blocks until a slot is free, then runs handler in its own
// goroutine. It returns false without running handler when ctx ends first.
func (p *Pool) Submit(ctx context.Context, taskID string, handler func(context.Context, string)) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	p.wg.Add(1)
	metrics.WorkersBusy.Inc()
	go func() {
		defer func() {
			metrics.WorkersBusy.Dec()
			<-p.sem
			p.wg.Done()
		}()
		handler(ctx, taskID)
	}()
	return true
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
