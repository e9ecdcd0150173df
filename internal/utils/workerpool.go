// Package utils holds small concurrency helpers shared by the transport
// layer. WorkerPool is the connection-handling pool internal/net runs atop.
package utils

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const defaultTaskChanSize = 256

// WorkerFunction is the unit of work a pool runs per task. A returned error
// is logged and the worker moves on to the next task; it does not kill the
// owning tomb.
type WorkerFunction = func(t *tomb.Tomb, task any) error

// WorkerPool maintains a fixed number of goroutines pulling tasks off a
// shared channel. Tasks are handed in via AddTask and may be resubmitted by
// the worker itself to keep handling the same connection across messages.
type WorkerPool struct {
	n     int
	tasks chan any
	work  WorkerFunction
}

// NewWorkerPool constructs a pool sized for n concurrent workers.
func NewWorkerPool(n int) WorkerPool {
	return WorkerPool{
		n:     n,
		tasks: make(chan any, defaultTaskChanSize),
	}
}

// AddTask enqueues task for a worker to pick up. Blocks if the queue is
// saturated, applying backpressure to whatever is submitting tasks.
func (pool *WorkerPool) AddTask(task any) {
	pool.tasks <- task
}

// Setup spawns and maintains pool.n workers under t, restarting none once
// t is dying. Blocks until t is dying.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	pool.work = work
	log.Info().Int("workers", pool.n).Msg("starting worker pool")
	for i := 0; i < pool.n; i++ {
		t.Go(func() error {
			return pool.runWorker(t)
		})
	}
	<-t.Dying()
}

// runWorker pulls tasks off the shared channel until t is dying.
func (pool *WorkerPool) runWorker(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := pool.work(t, task); err != nil {
				log.Error().Err(err).Msg("worker task failed")
			}
		}
	}
}
