package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Pool runs fire-and-forget tasks on a fixed set of workers fed by a
// bounded queue. Submit never blocks: when the queue is full the task is
// dropped and logged.
type Pool struct {
	tasks   chan task
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     *log.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64

	// inflight counts accepted tasks not yet finished; Submit may run
	// concurrently with Flush.
	idleMu   sync.Mutex
	idle     *sync.Cond
	inflight int
}

type task struct {
	name string
	fn   func(context.Context)
}

// NewPool starts workers goroutines reading from a queue of the given size.
func NewPool(workers, queue int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan task, queue),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
	p.idle = sync.NewCond(&p.idleMu)
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	return p
}

// Submit enqueues fn. It reports false if the task was dropped.
func (p *Pool) Submit(name string, fn func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn("pool closed, dropping task", "task", name)
		return false
	}

	p.begin()
	select {
	case p.tasks <- task{name: name, fn: fn}:
		return true
	default:
		p.finish()
		p.dropped.Add(1)
		p.log.Warn("queue full, dropping task", "task", name, "dropped", p.dropped.Load())
		return false
	}
}

// Dropped returns how many tasks were rejected because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Flush waits until every accepted task has finished, including tasks
// submitted while it waits.
func (p *Pool) Flush() {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	for p.inflight > 0 {
		p.idle.Wait()
	}
}

func (p *Pool) begin() {
	p.idleMu.Lock()
	p.inflight++
	p.idleMu.Unlock()
}

func (p *Pool) finish() {
	p.idleMu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
	p.idleMu.Unlock()
}

// Close stops accepting tasks, runs what is queued, then returns.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.workers.Wait()
	p.cancel()
}

func (p *Pool) work() {
	defer p.workers.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer p.finish()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "task", t.name, "panic", r)
		}
	}()
	t.fn(p.ctx)
}
