package chat

import (
	"log"
	"sync"
	"time"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/metrics"
)

// consecutive send failures before a target is declared unreachable
const maxFailures = 3

// Config wires a Dispatcher.
type Config struct {
	Client  gameapi.Client
	Metrics *metrics.Metrics

	// MinDelay is the minimum gap between two sends to the same target.
	MinDelay time.Duration
	// IdleTimeout reaps a target worker with an empty queue.
	IdleTimeout time.Duration
	// MaxTargets bounds live target workers; sends to new targets block
	// until capacity frees.
	MaxTargets int
	// QueueSize bounds each target's FIFO.
	QueueSize int
	// MainChannel receives unreachable-target announcements.
	MainChannel string
}

type request struct {
	target string
	lines  []string
	reply  chan []gameapi.ChatMessage // nil when the caller is not waiting
}

type worker struct {
	key   string
	queue chan *request
	dead  chan struct{} // closed when the worker has exited
}

// Dispatcher routes outbound chat to per-target workers. Per target the order
// is strictly FIFO; across targets there is no ordering. Chats are
// best-effort: nothing survives a stop or an unreachable target.
type Dispatcher struct {
	cfg Config
	cl  gameapi.Client
	mx  *metrics.Metrics

	in       chan *request
	exited   chan *worker
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher; call Start to run it.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxTargets <= 0 {
		cfg.MaxTargets = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.MainChannel == "" {
		cfg.MainChannel = "clan"
	}
	return &Dispatcher{
		cfg:    cfg,
		cl:     cfg.Client,
		mx:     cfg.Metrics,
		in:     make(chan *request),
		exited: make(chan *worker),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatcher loop.
func (d *Dispatcher) Start() { go d.run() }

// Stop asks every worker to finish its current send and exit.
func (d *Dispatcher) Stop() { d.stopOnce.Do(func() { close(d.stop) }) }

// Join waits for the dispatcher to wind down. Stragglers are abandoned after
// a generous timeout.
func (d *Dispatcher) Join() { <-d.done }

// Send queues text for a target key (see Channel and Private). With
// waitReply it blocks until transmission completes and returns the server's
// response chats; otherwise it returns immediately.
func (d *Dispatcher) Send(target, text string, waitReply bool) []gameapi.ChatMessage {
	return d.send(target, text, false, waitReply)
}

// SendEmote is Send in emote form.
func (d *Dispatcher) SendEmote(target, text string, waitReply bool) []gameapi.ChatMessage {
	return d.send(target, text, true, waitReply)
}

func (d *Dispatcher) send(target, text string, emote, wait bool) []gameapi.ChatMessage {
	req := &request{target: target, lines: formatLines(target, text, emote)}
	if wait {
		req.reply = make(chan []gameapi.ChatMessage, 1)
	}
	select {
	case d.in <- req:
	case <-d.stop:
		return nil
	}
	if !wait {
		return nil
	}
	select {
	case r := <-req.reply:
		return r
	case <-d.done:
		return nil
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	workers := make(map[string]*worker)
	for {
		select {
		case <-d.stop:
			joined := make(chan struct{})
			go func() {
				d.wg.Wait()
				close(joined)
			}()
			select {
			case <-joined:
			case <-time.After(10 * time.Second):
				log.Printf("CHAT: abandoning slow target workers")
			}
			return
		case w := <-d.exited:
			d.reap(workers, w)
		case req := <-d.in:
			d.deliver(workers, req)
		}
	}
}

// reap removes an exited worker, ignoring stale exit notices for keys that
// have already been respawned.
func (d *Dispatcher) reap(workers map[string]*worker, w *worker) {
	if workers[w.key] == w {
		delete(workers, w.key)
		if d.mx != nil {
			d.mx.ChatTargets.Set(float64(len(workers)))
		}
	}
}

func (d *Dispatcher) deliver(workers map[string]*worker, req *request) {
	for {
		w := workers[req.target]
		if w == nil {
			for len(workers) >= d.cfg.MaxTargets {
				select {
				case exited := <-d.exited:
					d.reap(workers, exited)
				case <-d.stop:
					d.drop(req)
					return
				}
			}
			w = &worker{
				key:   req.target,
				queue: make(chan *request, d.cfg.QueueSize),
				dead:  make(chan struct{}),
			}
			workers[req.target] = w
			d.wg.Add(1)
			go d.runWorker(w)
			if d.mx != nil {
				d.mx.ChatTargets.Set(float64(len(workers)))
			}
		}
		select {
		case w.queue <- req:
			return
		case <-w.dead:
			d.reap(workers, w)
			// respawn and retry
		case <-d.stop:
			d.drop(req)
			return
		}
	}
}

func (d *Dispatcher) drop(req *request) {
	if req.reply != nil {
		req.reply <- nil
	}
	if d.mx != nil {
		d.mx.ChatDropped.Inc()
	}
}

func (d *Dispatcher) runWorker(w *worker) {
	defer func() {
		close(w.dead)
		d.drain(w)
		select {
		case d.exited <- w:
		case <-d.stop:
		}
		d.wg.Done()
	}()

	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()
	var lastSend time.Time
	failures := 0

	for {
		select {
		case <-d.stop:
			return
		case <-idle.C:
			return
		case req := <-w.queue:
			replies := d.transmit(req, &lastSend, &failures)
			if req.reply != nil {
				req.reply <- replies
			}
			if failures >= maxFailures {
				log.Printf("CHAT: target %s unreachable after %d failures", w.key, failures)
				if _, err := d.cl.SendChat(formatLines(d.cfg.MainChannel, unreachableNotice(w.key), false)[0]); err != nil {
					log.Printf("CHAT: unreachable announcement: %v", err)
				}
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.IdleTimeout)
		}
	}
}

// transmit sends each line of a request, honoring the per-target delay.
// Failures are counted consecutively; any success resets the count.
func (d *Dispatcher) transmit(req *request, lastSend *time.Time, failures *int) []gameapi.ChatMessage {
	var replies []gameapi.ChatMessage
	for _, line := range req.lines {
		if wait := d.cfg.MinDelay - time.Since(*lastSend); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-d.stop:
				t.Stop()
				return replies
			}
		}
		resp, err := d.cl.SendChat(line)
		*lastSend = time.Now()
		if err != nil {
			*failures++
			log.Printf("CHAT: send %q: %v", line, err)
			continue
		}
		*failures = 0
		if d.mx != nil {
			d.mx.ChatSent.Inc()
		}
		replies = append(replies, resp.Messages...)
	}
	return replies
}

// drain empties a dead worker's queue, unblocking any waiters with no
// replies. Queued chats are dropped, not retried.
func (d *Dispatcher) drain(w *worker) {
	for {
		select {
		case req := <-w.queue:
			d.drop(req)
		default:
			return
		}
	}
}
