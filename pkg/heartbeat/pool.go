// Package heartbeat runs registered callbacks periodically on a bounded
// worker pool. A callback is re-queued no sooner than one period after its
// previous completion, and two callbacks of the same owner never overlap.
package heartbeat

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type entry struct {
	owner   any
	cb      func()
	lock    *sync.Mutex // task lock: enforces per-owner non-reentrancy
	removed bool
	queued  bool
	last    time.Time // completion time of the previous run
}

// Pool dispatches heartbeats. Construct with NewPool, register callbacks,
// then Start. A panic inside a callback is captured as the pool error; the
// supervising goroutine observes it through Err and treats it as fatal.
type Pool struct {
	period  time.Duration
	workers int
	stop    <-chan struct{}

	// Panics, when set before Start, counts recovered callback panics.
	Panics prometheus.Counter

	mu      sync.Mutex
	entries map[any]*entry
	locks   map[any]*sync.Mutex
	err     error

	tasks chan *entry
	wg    sync.WaitGroup
	done  chan struct{}
}

// NewPool creates a pool of n workers firing each callback once per period.
// The pool observes the shared stop channel and drains on close.
func NewPool(n int, period time.Duration, stop <-chan struct{}) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		period:  period,
		workers: n,
		stop:    stop,
		entries: make(map[any]*entry),
		locks:   make(map[any]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Register adds a periodic callback for owner. Registering the same owner
// twice is a programming error. The task lock is keyed by owner and survives
// Unregister, so a re-registered owner still cannot overlap a callback from
// its previous registration.
func (p *Pool) Register(owner any, cb func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[owner]; ok {
		return fmt.Errorf("heartbeat: owner already registered")
	}
	lock, ok := p.locks[owner]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[owner] = lock
	}
	p.entries[owner] = &entry{owner: owner, cb: cb, lock: lock}
	return nil
}

// Unregister removes owner. A callback already dispatched may still be
// running; it will not be dispatched again.
func (p *Pool) Unregister(owner any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[owner]; ok {
		e.removed = true
		delete(p.entries, owner)
	}
}

// Start launches the controller and worker goroutines.
func (p *Pool) Start() {
	p.tasks = make(chan *entry, 64)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.controller()
}

// controller sweeps registrations and queues due callbacks until stopped.
func (p *Pool) controller() {
	defer close(p.done)
	sweep := p.period / 4
	if sweep < 100*time.Millisecond {
		sweep = 100 * time.Millisecond
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			close(p.tasks)
			return
		case <-ticker.C:
			p.enqueueDue()
		}
	}
}

func (p *Pool) enqueueDue() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.queued || now.Sub(e.last) < p.period {
			continue
		}
		select {
		case p.tasks <- e:
			e.queued = true
		default:
			// Queue full; the next sweep retries.
		}
	}
}

// worker pops tasks, verifies registration, and invokes callbacks.
func (p *Pool) worker() {
	defer p.wg.Done()
	for e := range p.tasks {
		e.lock.Lock()
		p.mu.Lock()
		removed := e.removed
		p.mu.Unlock()
		if !removed {
			p.invoke(e)
		}
		p.mu.Lock()
		e.queued = false
		e.last = time.Now()
		p.mu.Unlock()
		e.lock.Unlock()

		if p.Failed() {
			return
		}
	}
}

// invoke runs one callback, converting a panic into the pool error.
func (p *Pool) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			if p.err == nil {
				p.err = fmt.Errorf("heartbeat: callback panic: %v", r)
			}
			p.mu.Unlock()
			if p.Panics != nil {
				p.Panics.Inc()
			}
			log.Printf("heartbeat: callback panicked: %v", r)
		}
	}()
	e.cb()
}

// Failed reports whether any callback has panicked.
func (p *Pool) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err != nil
}

// Err returns the first stored callback failure, or nil.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Join blocks until the controller and all workers have exited. Callers close
// the stop channel first; workers finish their current callback and drain.
func (p *Pool) Join() {
	<-p.done
	p.wg.Wait()
}
