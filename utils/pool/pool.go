package pool

import (
	"sync"

	"github.com/alpacahq/queuestore/utils/log"
)

// Pool is a basic work pool: at most routines jobs run at the same time,
// each job receiving one item read from the input channel. With a single
// routine the items are processed strictly in arrival order.
type Pool struct {
	workerQ chan struct{}
	f       func(input interface{})
	wg      sync.WaitGroup
}

// NewPool creates a new worker pool with a goroutine limit
// and a job function to execute on the incoming data.
func NewPool(routines int, job func(input interface{})) *Pool {
	if routines < 1 {
		routines = 1
	}
	q := make(chan struct{}, routines)
	for i := 0; i < routines; i++ {
		q <- struct{}{}
	}
	return &Pool{
		workerQ: q,
		f:       job,
	}
}

// Work is a blocking call that starts the
// pool working on a data input channel.
// It returns once c is closed and every started job has finished.
func (p *Pool) Work(c <-chan interface{}) {
	for v := range c {
		<-p.workerQ
		p.wg.Add(1)
		go func(input interface{}) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("pool job panicked: %v", r)
				}
				p.workerQ <- struct{}{}
				p.wg.Done()
			}()
			p.f(input)
		}(v)
	}
	p.wg.Wait()
}

// Wait waits until the pool is finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
