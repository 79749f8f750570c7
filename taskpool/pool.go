// Package taskpool runs fire-and-forget work off the owning loop.
package taskpool

import (
	"errors"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var (
	ErrClosed = errors.New("task pool closed")
	ErrBusy   = errors.New("task pool backlog full")
)

// Executor runs tasks. Tasks have no ordering guarantee relative to each other.
type Executor interface {
	Submit(task func()) error
}

// Pool is a fixed set of workers draining a bounded backlog. A panicking task is logged and the
// worker carries on.
type Pool struct {
	name    string
	tasks   chan func()
	wg      sync.WaitGroup
	closed  *atomic.Bool
	mutex   sync.RWMutex
	log     *log.Entry
	failed  *atomic.Int64
	handled *atomic.Int64
}

func New(name string, workers, backlog int, logger *log.Entry) *Pool {
	if workers < 1 {
		workers = 1
	}
	if backlog < workers {
		backlog = workers
	}

	pool := &Pool{
		name:    name,
		tasks:   make(chan func(), backlog),
		closed:  atomic.NewBool(false),
		log:     logger.WithField("pool", name),
		failed:  atomic.NewInt64(0),
		handled: atomic.NewInt64(0),
	}

	pool.log.WithField("workers", workers).Info("Generating task pool")
	pool.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.work()
	}
	return pool
}

// Submit queues task without blocking, failing with ErrBusy while the backlog is full
func (p *Pool) Submit(task func()) error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrBusy
	}
}

// Close stops accepting tasks and waits for queued ones to finish
func (p *Pool) Close() {
	p.mutex.Lock()
	if p.closed.Load() {
		p.mutex.Unlock()
		return
	}
	p.closed.Store(true)
	close(p.tasks)
	p.mutex.Unlock()

	p.wg.Wait()
}

// Stats returns the number of tasks that finished and the number that panicked
func (p *Pool) Stats() (handled, failed int64) {
	return p.handled.Load(), p.failed.Load()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		p.handled.Inc()
		if r := recover(); r != nil {
			p.failed.Inc()
			p.log.WithFields(log.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Task panicked")
		}
	}()
	task()
}

// Inline runs tasks on the caller's goroutine
type Inline struct{}

func (Inline) Submit(task func()) error {
	task()
	return nil
}
