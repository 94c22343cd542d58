// SPDX-License-Identifier: MIT

package encoder

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/log"
	metrics "github.com/screenflux/screenflux/internal/metrics/encoder"
)

// Cleaner runs session teardown on a bounded worker pool so closing a
// session never stalls the frame producer. Close drains the queue and joins
// the workers; tests use it as the await hook.
type Cleaner struct {
	tasks  chan func()
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewCleaner starts a teardown pool with the given worker count.
func NewCleaner(workers int) *Cleaner {
	if workers < 1 {
		workers = 1
	}
	c := &Cleaner{
		tasks:  make(chan func(), 64),
		logger: log.WithComponent("session-cleaner"),
	}
	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.worker()
	}
	return c
}

func (c *Cleaner) worker() {
	defer c.wg.Done()
	for task := range c.tasks {
		task()
		metrics.CleanupQueueDepth.Dec()
	}
}

// Submit queues a teardown task. When the pool is already closed or the
// queue is full the task runs inline instead of being dropped.
func (c *Cleaner) Submit(task func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		task()
		return
	}
	select {
	case c.tasks <- task:
		metrics.CleanupQueueDepth.Inc()
	default:
		c.logger.Warn().Msg("cleanup queue full, tearing down inline")
		task()
	}
}

// Close stops accepting tasks, drains the queue and joins the workers.
// Idempotent.
func (c *Cleaner) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.tasks)
	c.wg.Wait()
}
