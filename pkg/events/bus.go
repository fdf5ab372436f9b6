// Package events implements the in-process pub/sub bus tying the director,
// mail handler, and modules together. Delivery is synchronous on the raiser's
// goroutine; subscribers collect replies that Raise returns to the caller.
package events

import (
	"fmt"
	"strings"
	"sync"
)

// Callback handles one delivered event. The Dispatch handle is valid only for
// the duration of the call; Reply collects a payload for the raiser and Raise
// starts a nested raise with its own reply list. A non-nil error aborts the
// whole raise and propagates to the raiser. Callbacks may call Register and
// Unregister; subscription changes take effect on the next raise.
type Callback func(d *Dispatch, ev Event) error

type subscription struct {
	owner    any
	typeName string // lowercase
	identity string // lowercase
	closed   func() bool
	cb       Callback
}

// Bus is a typed pub/sub bus with reply collection. Top-level raises are
// serialized on raiseMu; nested raises run on the same goroutine through the
// Dispatch handle and stay inside the outer raise. The subscription list has
// its own lock, never held while a callback runs, so callbacks are free to
// register and unregister.
type Bus struct {
	raiseMu sync.Mutex

	subMu sync.Mutex
	subs  []*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register subscribes owner under a type name and identity. Identities must
// be unique across the bus; a duplicate is a programming error and is
// returned as a non-nil error the caller should treat as fatal. closed is an
// optional liveness probe: subscriptions reporting closed are swept before
// each raise.
func (b *Bus) Register(owner any, typeName, identity string, closed func() bool, cb Callback) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := strings.ToLower(identity)
	for _, s := range b.subs {
		if s.identity == id {
			return fmt.Errorf("events: duplicate identity %q", identity)
		}
	}
	b.subs = append(b.subs, &subscription{
		owner:    owner,
		typeName: strings.ToLower(typeName),
		identity: id,
		closed:   closed,
		cb:       cb,
	})
	return nil
}

// Unregister removes every subscription held by owner.
func (b *Bus) Unregister(owner any) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	var kept []*subscription
	for _, s := range b.subs {
		if s.owner != owner {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Raise delivers ev to all matching subscribers in registration order and
// returns the payloads they replied with. It blocks until every subscriber
// has run; a subscriber error aborts delivery and is returned with the
// replies collected so far discarded.
func (b *Bus) Raise(ev Event) ([]Payload, error) {
	b.raiseMu.Lock()
	defer b.raiseMu.Unlock()
	b.sweep()
	d := &Dispatch{bus: b}
	if err := b.deliver(d, ev); err != nil {
		return nil, err
	}
	return d.replies, nil
}

// deliver runs matching callbacks against a snapshot of the subscription
// list. Changes a callback makes are seen by the next raise, not this one.
// Caller holds raiseMu.
func (b *Bus) deliver(d *Dispatch, ev Event) error {
	b.subMu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.subMu.Unlock()

	for _, s := range subs {
		if s.closed != nil && s.closed() {
			continue
		}
		if !matches(s, ev.Target) {
			continue
		}
		if err := s.cb(d, ev); err != nil {
			return fmt.Errorf("events: subscriber %q on %q: %w", s.identity, ev.Subject, err)
		}
	}
	return nil
}

// matches resolves the target against a subscription. Missing subscribers are
// tolerated; matching nothing is not an error.
func matches(s *subscription, target string) bool {
	if target == "" {
		return true
	}
	t := strings.ToLower(target)
	if strings.HasPrefix(t, "__") && strings.HasSuffix(t, "__") && len(t) > 4 {
		return s.identity == strings.Trim(t, "_")
	}
	return s.typeName == t
}

// sweep drops subscriptions whose owner reports closed.
func (b *Bus) sweep() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.closed != nil && s.closed() {
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
}

// Dispatch is the per-raise handle passed to callbacks.
type Dispatch struct {
	bus     *Bus
	replies []Payload
}

// Reply collects a payload to be returned to the raiser of the current event.
func (d *Dispatch) Reply(p Payload) {
	d.replies = append(d.replies, p)
}

// Raise performs a nested raise from inside a callback. The nested raise has
// its own reply list; the outer raiser's replies are unaffected.
func (d *Dispatch) Raise(ev Event) ([]Payload, error) {
	nested := &Dispatch{bus: d.bus}
	if err := d.bus.deliver(nested, ev); err != nil {
		return nil, err
	}
	return nested.replies, nil
}
