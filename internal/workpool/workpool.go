// Package workpool provides the fixed-size goroutine pool that services
// channels handed off via the add_task hook, replacing waitress's Python
// ThreadPoolExecutor-backed equivalent with a bounded worker-goroutine set
// sized once at startup (spec.md §5 calls for a fixed pool, not one
// goroutine per channel).
package workpool

import (
	"log/slog"
	"sync"

	"github.com/waitress-go/httpcore/internal/channel"
)

// Pool runs channel.Service calls on a bounded number of worker goroutines.
type Pool struct {
	tasks  chan *channel.Channel
	logger *slog.Logger

	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New starts size worker goroutines, each pulling channels off an internal
// queue of depth queueDepth and calling Service on them.
func New(size, queueDepth int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		tasks:  make(chan *channel.Channel, queueDepth),
		logger: logger,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for ch := range p.tasks {
		ch.Service()
	}
}

// Submit is the concrete add_task hook: it queues ch for the next free
// worker. Blocks if the queue is full, applying backpressure to the
// reactor's own call path rather than growing unboundedly.
func (p *Pool) Submit(ch *channel.Channel) {
	p.closeMu.Lock()
	closed := p.closed
	p.closeMu.Unlock()
	if closed {
		p.logger.Warn("dropping task submitted after pool shutdown", "remote_addr", ch.Addr())
		return
	}
	p.tasks <- ch
}

// QueueDepth reports how many channels are currently queued waiting for a
// free worker, for periodic occupancy reporting.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// QueueCapacity reports the queue's configured depth.
func (p *Pool) QueueCapacity() int {
	return cap(p.tasks)
}

// Shutdown stops accepting new work and waits for in-flight tasks to drain.
func (p *Pool) Shutdown() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}
