package session

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool bounds how many sessions process a message at the same time.
type Pool struct {
	g       errgroup.Group
	waiting sync.WaitGroup
}

func NewPool(size int) *Pool {
	p := &Pool{}
	if size > 0 {
		p.g.SetLimit(size)
	}
	return p
}

// Go schedules fn on a worker and returns at once. When every worker is busy
// fn waits for a free one on its own goroutine.
func (p *Pool) Go(fn func()) {
	task := func() error {
		fn()
		return nil
	}
	if p.g.TryGo(task) {
		return
	}
	p.waiting.Add(1)
	go func() {
		defer p.waiting.Done()
		p.g.Go(task)
	}()
}

// Wait blocks until every scheduled fn has returned.
func (p *Pool) Wait() {
	p.waiting.Wait()
	_ = p.g.Wait()
}
