package mail

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/ledger"
	"github.com/crystal-mush/clanbot/pkg/metrics"
	"github.com/crystal-mush/clanbot/pkg/store"
)

// ErrNoDeferredMail is returned by SendDeferredItems when the user has
// nothing waiting.
var ErrNoDeferredMail = errors.New("no deferred mail")

// reservation holder name for mail rows; the tag is the row id
const reserver = "mail"

// ItemChecker answers whether an item kind may be attached to outgoing mail.
// Non-transferable items are silently dropped before sending.
type ItemChecker interface {
	CanTransfer(iid gameapi.ItemID) (bool, error)
}

// Config wires a Handler to its collaborators.
type Config struct {
	Store   *store.Store
	Ledger  *ledger.Ledger
	Client  gameapi.Client
	Metrics *metrics.Metrics
	Items   ItemChecker

	// CanReceiveItems gates surfacing of item-bearing inbound mail. Nil
	// means always eligible.
	CanReceiveItems func() bool
	// FailAdmins lists recipients of could-not-send notifications. Nil or
	// empty disables them.
	FailAdmins func() []gameapi.UserID

	// Interval between unprompted inbox/outbox passes.
	Interval time.Duration
}

// Handler runs the mail state machine on its own goroutine. All public
// methods are safe to call from other goroutines; the state lives in the
// store, so the handler itself is almost stateless.
type Handler struct {
	cfg Config
	st  *store.Store
	led *ledger.Ledger
	cl  gameapi.Client
	mx  *metrics.Metrics

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// New creates a Handler. Call Reconcile before Start.
func New(cfg Config) *Handler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Handler{
		cfg:    cfg,
		st:     cfg.Store,
		led:    cfg.Ledger,
		cl:     cfg.Client,
		mx:     cfg.Metrics,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the handler loop.
func (h *Handler) Start() { go h.run() }

// Stop asks the loop to exit after the pass in flight completes.
func (h *Handler) Stop() { h.stopOnce.Do(func() { close(h.stop) }) }

// Join blocks until the loop has exited.
func (h *Handler) Join() { <-h.done }

// Err returns the fatal error that stopped the loop, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Notify wakes the loop for an immediate inbox check, e.g. on a server
// green-event. Never blocks.
func (h *Handler) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Handler) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handler) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			// sends are synchronous inside Pass, so nothing is in flight here
			return
		case <-h.notify:
		case <-ticker.C:
		}
		if err := h.Pass(); err != nil {
			log.Printf("MAIL: fatal: %v", err)
			h.setErr(err)
			return
		}
	}
}

// Pass runs one full receive-then-send cycle. Transport faults are logged
// and retried next pass; a returned error is fatal to the handler.
func (h *Handler) Pass() error {
	if err := h.receivePass(); err != nil {
		return err
	}
	return h.sendAll()
}

// TakeNext returns the oldest ingested mail awaiting module processing and
// flips it to the responding state. Item-bearing mails are skipped while the
// bot cannot receive items. Returns nil when nothing is eligible.
func (h *Handler) TakeNext() (*Inbound, error) {
	canItems := h.cfg.CanReceiveItems == nil || h.cfg.CanReceiveItems()
	var out *Inbound
	err := h.st.WithTx(func(tx *sql.Tx) error {
		rows, err := store.MailInState(tx, store.InboxReady)
		if err != nil {
			return err
		}
		for _, m := range rows {
			p, err := decodePayload(m.Blob)
			if err != nil {
				return err
			}
			if !canItems && len(p.Items) > 0 {
				continue
			}
			if err := store.UpdateMailState(tx, m.ID, store.InboxResponding); err != nil {
				return err
			}
			out = &Inbound{
				RowID:   m.ID,
				KmailID: m.KmailID,
				Sender:  gameapi.UserID(m.UserID),
				Text:    p.Text,
				Meat:    p.Meat,
				Items:   p.Items,
			}
			return nil
		}
		return nil
	})
	return out, err
}

// Respond commits a module's replies for one taken mail: the responding row
// is deleted and each reply becomes one or more outbound rows with its items
// reserved. Fails if no row with that kmail id is awaiting a response.
func (h *Handler) Respond(kmailID int64, replies []Reply) error {
	err := h.st.WithTx(func(tx *sql.Tx) error {
		m, err := store.MailByKmailID(tx, kmailID, store.InboxResponding)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("mail: respond %d: no row awaiting response", kmailID)
		}
		if err := store.DeleteMail(tx, m.ID); err != nil {
			return err
		}
		for _, r := range replies {
			if err := h.insertReply(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		h.Notify()
	}
	return err
}

// SendUnsolicited queues replies for delivery with no inbound mail attached.
func (h *Handler) SendUnsolicited(replies ...Reply) error {
	err := h.st.WithTx(func(tx *sql.Tx) error {
		for _, r := range replies {
			if err := h.insertReply(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		h.Notify()
	}
	return err
}

// SendDeferredItems converts the user's deferred row back into a live send:
// reservations move to a fresh outbound row and the deferred row is deleted.
// Returns ErrNoDeferredMail if nothing is waiting; more than one deferred row
// per user is a fatal inconsistency.
func (h *Handler) SendDeferredItems(uid gameapi.UserID) error {
	err := h.st.WithTx(func(tx *sql.Tx) error {
		rows, err := store.MailForUserInState(tx, int64(uid), store.OutboxDeferred)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrNoDeferredMail
		}
		if len(rows) > 1 {
			return fmt.Errorf("mail: user %d has %d deferred rows", uid, len(rows))
		}
		old := rows[0]
		p, err := decodePayload(old.Blob)
		if err != nil {
			return err
		}
		if err := ledger.Clear(tx, reserver, old.ID); err != nil {
			return err
		}
		if err := store.DeleteMail(tx, old.ID); err != nil {
			return err
		}
		// a reservation move: the cleared rows backed these items already
		return insertRows(tx, Reply{
			Recipient: uid,
			Text:      "Here are the items I was holding for you.",
			Meat:      p.Meat,
			Items:     p.Items,
		}, false)
	})
	if err == nil {
		h.Notify()
	}
	return err
}

// DeferredBalance reports the currency and items held for a user, or zeroes
// if nothing is deferred.
func (h *Handler) DeferredBalance(uid gameapi.UserID) (meat int, items map[gameapi.ItemID]int, err error) {
	err = h.st.ReadTx(func(tx *sql.Tx) error {
		rows, err := store.MailForUserInState(tx, int64(uid), store.OutboxDeferred)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if len(rows) > 1 {
			return fmt.Errorf("mail: user %d has %d deferred rows", uid, len(rows))
		}
		p, err := decodePayload(rows[0].Blob)
		if err != nil {
			return err
		}
		meat = p.Meat
		items = p.Items
		return nil
	})
	return meat, items, err
}

// insertReply clamps a reply's items to unpromised stock, splits it, and
// inserts its rows in reverse visual order so the server outbox reads
// top-down as composed. Each row's items are reserved under its own id, so
// the sum of all reservations never exceeds holdings.
func (h *Handler) insertReply(tx *sql.Tx, r Reply) error {
	cut, err := h.clampToHoldings(tx, &r)
	if err != nil {
		return err
	}
	return insertRows(tx, r, cut)
}

// clampToHoldings cuts each item quantity in a reply down to holdings minus
// every reservation already visible in the transaction. Returns true when
// anything was cut.
func (h *Handler) clampToHoldings(tx *sql.Tx, r *Reply) (bool, error) {
	if len(r.Items) == 0 || h.led == nil {
		return false, nil
	}
	totals, err := ledger.ReservedTotals(tx)
	if err != nil {
		return false, err
	}
	cut := false
	items := make(map[gameapi.ItemID]int, len(r.Items))
	for iid, q := range r.Items {
		avail := h.led.Holdings(iid) - totals[iid]
		if avail < 0 {
			avail = 0
		}
		if q > avail {
			log.Printf("MAIL: reply to %d: item %d cut %d -> %d", r.Recipient, iid, q, avail)
			cut = true
			q = avail
		}
		if q > 0 {
			items[iid] = q
		}
	}
	r.Items = items
	return cut, nil
}

// insertRows splits a reply and inserts its rows without re-checking stock;
// callers either clamped the items or are moving an existing reservation.
func insertRows(tx *sql.Tx, r Reply, outOfStock bool) error {
	rows := split(r)
	state := store.OutboxSending
	if r.Defer {
		state = store.OutboxWithheld
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if outOfStock && len(rows[i].Payload.Items) > 0 {
			rows[i].Payload.OutOfStock = true
		}
		blob, err := encodePayload(rows[i].Payload)
		if err != nil {
			return err
		}
		m := &store.MailRow{
			State:     state,
			UserID:    int64(r.Recipient),
			Blob:      blob,
			ItemsOnly: rows[i].ItemsOnly,
		}
		if err := store.InsertMail(tx, m); err != nil {
			return err
		}
		if len(rows[i].Payload.Items) > 0 {
			if err := ledger.Reserve(tx, rows[i].Payload.Items, reserver, m.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// receivePass ingests the server inbox: new kmails become downloaded rows,
// their server copies are deleted, and the rows advance to ready. A crash
// between any two steps is repaired by re-running the pass.
func (h *Handler) receivePass() error {
	msgs, err := h.cl.Inbox()
	if err != nil {
		log.Printf("MAIL: inbox fetch: %v", err)
		return nil
	}

	err = h.st.WithTx(func(tx *sql.Tx) error {
		tracked, err := store.TrackedKmailIDs(tx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if tracked[m.ID] {
				continue
			}
			blob, err := encodePayload(&Payload{
				Sender: m.Sender,
				Text:   m.Text,
				Meat:   m.Meat,
				Items:  m.Items,
			})
			if err != nil {
				return err
			}
			row := &store.MailRow{
				KmailID: m.ID,
				State:   store.InboxDownloaded,
				UserID:  int64(m.Sender),
				Blob:    blob,
			}
			if err := store.InsertMail(tx, row); err != nil {
				return err
			}
			if h.mx != nil {
				h.mx.MailReceived.Inc()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// delete server copies of everything downloaded, then mark ready
	var kmailIDs []int64
	err = h.st.ReadTx(func(tx *sql.Tx) error {
		rows, err := store.MailInState(tx, store.InboxDownloaded)
		if err != nil {
			return err
		}
		for _, m := range rows {
			kmailIDs = append(kmailIDs, m.KmailID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(kmailIDs) == 0 {
		return nil
	}
	if err := h.cl.DeleteInboxMessages(kmailIDs); err != nil {
		// rows stay downloaded; next pass retries the delete
		log.Printf("MAIL: inbox delete: %v", err)
		return nil
	}
	return h.st.WithTx(func(tx *sql.Tx) error {
		_, err := store.MoveMailState(tx, store.InboxDownloaded, store.InboxReady)
		return err
	})
}
