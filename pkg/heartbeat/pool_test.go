package heartbeat

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolFiresPeriodically(t *testing.T) {
	stop := make(chan struct{})
	p := NewPool(2, 50*time.Millisecond, stop)

	var count atomic.Int64
	owner := new(int)
	if err := p.Register(owner, func() { count.Add(1) }); err != nil {
		t.Fatalf("register: %v", err)
	}
	p.Start()

	time.Sleep(400 * time.Millisecond)
	close(stop)
	p.Join()

	got := count.Load()
	if got < 2 {
		t.Errorf("expected at least 2 firings, got %d", got)
	}
}

func TestPoolNonReentrant(t *testing.T) {
	stop := make(chan struct{})
	p := NewPool(4, 10*time.Millisecond, stop)

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	owner := new(int)
	p.Register(owner, func() {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	})
	p.Start()

	time.Sleep(300 * time.Millisecond)
	close(stop)
	p.Join()

	if maxRunning > 1 {
		t.Errorf("callback overlapped with itself: max concurrency %d", maxRunning)
	}
}

func TestPoolParallelAcrossOwners(t *testing.T) {
	stop := make(chan struct{})
	p := NewPool(2, 10*time.Millisecond, stop)

	var mu sync.Mutex
	running := 0
	sawParallel := make(chan struct{}, 1)
	cb := func() {
		mu.Lock()
		running++
		if running == 2 {
			select {
			case sawParallel <- struct{}{}:
			default:
			}
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	}
	p.Register(new(int), cb)
	p.Register(new(int), cb)
	p.Start()

	select {
	case <-sawParallel:
	case <-time.After(2 * time.Second):
		t.Error("callbacks of different owners never ran in parallel")
	}
	close(stop)
	p.Join()
}

func TestPoolNonReentrantAcrossReRegister(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	p := NewPool(4, 10*time.Millisecond, stop)

	owner := new(int)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Register(owner, func() {
		started <- struct{}{}
		<-release
	})
	p.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first callback never started")
	}

	// swap the owner's callback while the old one is still running
	p.Unregister(owner)
	var overlapped atomic.Bool
	if err := p.Register(owner, func() { overlapped.Store(true) }); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if overlapped.Load() {
		t.Error("new callback ran while the old one was still running")
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for !overlapped.Load() {
		select {
		case <-deadline:
			t.Fatal("new callback never ran after the old one finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolCapturesPanic(t *testing.T) {
	stop := make(chan struct{})
	p := NewPool(1, 10*time.Millisecond, stop)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_heartbeat_panics"})
	p.Panics = counter
	p.Register(new(int), func() { panic("kaboom") })
	p.Start()

	deadline := time.After(2 * time.Second)
	for !p.Failed() {
		select {
		case <-deadline:
			t.Fatal("pool never recorded the panic")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := p.Err(); err == nil {
		t.Error("Err returned nil after failure")
	}
	if got := testutil.ToFloat64(counter); got < 1 {
		t.Errorf("panic counter = %v, want at least 1", got)
	}
	close(stop)
	p.Join()
}

func TestPoolUnregisterStopsDispatch(t *testing.T) {
	stop := make(chan struct{})
	p := NewPool(1, 20*time.Millisecond, stop)

	var count atomic.Int64
	owner := new(int)
	p.Register(owner, func() { count.Add(1) })
	p.Start()

	time.Sleep(100 * time.Millisecond)
	p.Unregister(owner)
	settled := count.Load()
	time.Sleep(150 * time.Millisecond)

	// One dispatch may have been in flight at unregister time.
	if count.Load() > settled+1 {
		t.Errorf("callback kept firing after unregister: %d -> %d", settled, count.Load())
	}
	close(stop)
	p.Join()
}
