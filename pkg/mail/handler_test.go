package mail

import (
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/gameapi/fake"
	"github.com/crystal-mush/clanbot/pkg/ledger"
	"github.com/crystal-mush/clanbot/pkg/metrics"
	"github.com/crystal-mush/clanbot/pkg/store"
)

const (
	userU = gameapi.UserID(1001)
	itemI = gameapi.ItemID(4510)
	itemJ = gameapi.ItemID(4511)
)

// clientItems resolves transferability straight off the client.
type clientItems struct{ cl gameapi.Client }

func (c clientItems) CanTransfer(iid gameapi.ItemID) (bool, error) {
	info, err := c.cl.ItemInformation(iid)
	return info.CanTransfer, err
}

type testRig struct {
	h        *Handler
	cl       *fake.Client
	st       *store.Store
	led      *ledger.Ledger
	canItems bool
	admins   []gameapi.UserID
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cl := fake.New()
	rig := &testRig{cl: cl, st: st, led: ledger.New(st), canItems: true}
	rig.h = New(Config{
		Store:           st,
		Ledger:          rig.led,
		Client:          cl,
		Metrics:         metrics.New(prometheus.NewRegistry()),
		Items:           clientItems{cl},
		CanReceiveItems: func() bool { return rig.canItems },
		FailAdmins:      func() []gameapi.UserID { return rig.admins },
		Interval:        time.Hour,
	})
	return rig
}

// stock puts qty of an item everywhere the handler looks: the live inventory
// and the ledger's snapshot of it.
func (r *testRig) stock(iid gameapi.ItemID, qty int) {
	r.cl.Inv[iid] = qty
	r.led.SetPhysical(r.cl.Inv)
}

// displayStock is stock for the display case.
func (r *testRig) displayStock(iid gameapi.ItemID, qty int) {
	r.cl.Display[iid] = qty
	r.led.SetDisplay(r.cl.Display)
}

func (r *testRig) countState(t *testing.T, state store.MailState) int {
	t.Helper()
	var n int
	err := r.st.ReadTx(func(tx *sql.Tx) error {
		var err error
		n, err = store.CountMailInState(tx, state)
		return err
	})
	if err != nil {
		t.Fatalf("count %s: %v", state, err)
	}
	return n
}

func (r *testRig) allReserved(t *testing.T) map[gameapi.ItemID]int {
	t.Helper()
	var out map[gameapi.ItemID]int
	err := r.st.ReadTx(func(tx *sql.Tx) error {
		var err error
		out, err = ledger.Reserved(tx, "", 0)
		return err
	})
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	return out
}

func TestNormalRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 5)
	rig.stock(itemJ, 5)
	rig.cl.AddInbox(userU, "hookah", 0, nil)

	if err := rig.h.receivePass(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	in, err := rig.h.TakeNext()
	if err != nil || in == nil {
		t.Fatalf("take next: %v %v", in, err)
	}
	if in.Sender != userU || in.Text != "hookah" {
		t.Errorf("inbound = %+v", in)
	}

	err = rig.h.Respond(in.KmailID, []Reply{{
		Recipient: userU,
		Text:      "ok",
		Items:     map[gameapi.ItemID]int{itemI: 1, itemJ: 1},
	}})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got := rig.allReserved(t); got[itemI] != 1 || got[itemJ] != 1 {
		t.Errorf("reservations before send = %v", got)
	}

	if err := rig.h.Pass(); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if len(rig.cl.Sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(rig.cl.Sent))
	}
	sent := rig.cl.Sent[0]
	if sent.UserID != userU {
		t.Errorf("recipient = %d", sent.UserID)
	}
	if ok, _ := regexp.MatchString(`^ok\n\n\(mail-id: \d+\)$`, sent.Text); !ok {
		t.Errorf("text = %q", sent.Text)
	}
	if sent.Items[itemI] != 1 || sent.Items[itemJ] != 1 {
		t.Errorf("items = %v", sent.Items)
	}
	if got := rig.allReserved(t); len(got) != 0 {
		t.Errorf("reservations after delivery = %v", got)
	}
	if n := rig.countState(t, store.Handled); n != 1 {
		t.Errorf("handled rows = %d", n)
	}
	if len(rig.cl.OutboxMsgs) != 0 {
		t.Errorf("server echo not cleaned: %d", len(rig.cl.OutboxMsgs))
	}
}

func TestWithholdingOnRonin(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 5)
	rig.stock(itemJ, 5)
	rig.cl.SendFail[userU] = &gameapi.SendError{Code: gameapi.ErrUserInHardcoreRonin}

	err := rig.h.SendUnsolicited(Reply{
		Recipient: userU,
		Text:      "prize time",
		Items:     map[gameapi.ItemID]int{itemI: 1, itemJ: 1},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	if err := rig.h.sendPass(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := rig.countState(t, store.OutboxFailed); n != 1 {
		t.Fatalf("failed rows = %d", n)
	}

	// the plain-text retry goes through once the item rejection is cleared
	delete(rig.cl.SendFail, userU)
	if err := rig.h.retryPass(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := rig.h.withheldPass(); err != nil {
		t.Fatalf("withheld: %v", err)
	}

	if len(rig.cl.Sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(rig.cl.Sent))
	}
	notice := rig.cl.Sent[0]
	if !strings.HasPrefix(notice.Text, withholdingNotice) {
		t.Errorf("notice text = %q", notice.Text)
	}
	if len(notice.Items) != 0 || notice.Meat != 0 {
		t.Errorf("notice carries attachments: %+v", notice)
	}

	meat, items, err := rig.h.DeferredBalance(userU)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if meat != 0 || items[itemI] != 1 || items[itemJ] != 1 {
		t.Errorf("balance = %d %v", meat, items)
	}
	if got := rig.allReserved(t); got[itemI] != 1 || got[itemJ] != 1 {
		t.Errorf("reservations = %v", got)
	}
}

func TestCashout(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 5)
	rig.stock(itemJ, 5)

	// seed a deferred row the way the withholding path produces one
	err := rig.h.SendUnsolicited(Reply{
		Recipient: userU,
		Defer:     true,
		Items:     map[gameapi.ItemID]int{itemI: 1, itemJ: 1},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := rig.h.withheldPass(); err != nil {
		t.Fatalf("withheld: %v", err)
	}
	if n := rig.countState(t, store.OutboxDeferred); n != 1 {
		t.Fatalf("deferred rows = %d", n)
	}

	if err := rig.h.SendDeferredItems(userU); err != nil {
		t.Fatalf("cashout: %v", err)
	}
	if err := rig.h.sendAll(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(rig.cl.Sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(rig.cl.Sent))
	}
	sent := rig.cl.Sent[0]
	if sent.Items[itemI] != 1 || sent.Items[itemJ] != 1 {
		t.Errorf("items = %v", sent.Items)
	}
	if n := rig.countState(t, store.OutboxDeferred); n != 0 {
		t.Errorf("deferred rows left = %d", n)
	}
	if got := rig.allReserved(t); len(got) != 0 {
		t.Errorf("reservations left = %v", got)
	}

	if err := rig.h.SendDeferredItems(userU); !errors.Is(err, ErrNoDeferredMail) {
		t.Errorf("second cashout: %v", err)
	}
}

func TestCrashMidSendNoDuplicate(t *testing.T) {
	rig := newTestRig(t)

	// a row whose send landed but whose state flip never committed
	var rowID int64
	err := rig.st.WithTx(func(tx *sql.Tx) error {
		blob, err := encodePayload(&Payload{Recipient: userU, Text: "hello"})
		if err != nil {
			return err
		}
		m := &store.MailRow{State: store.OutboxSending, UserID: int64(userU), Blob: blob}
		if err := store.InsertMail(tx, m); err != nil {
			return err
		}
		rowID = m.ID
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = rig.cl.SendMail(gameapi.OutgoingMail{
		UserID: userU,
		Text:   "hello\n\n(mail-id: " + strconv.FormatInt(rowID, 10) + ")",
	})
	if err != nil {
		t.Fatalf("simulated send: %v", err)
	}

	if err := rig.h.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(rig.cl.Sent) != 1 {
		t.Fatalf("duplicate send: %d mails", len(rig.cl.Sent))
	}
	if n := rig.countState(t, store.OutboxSending); n != 0 {
		t.Errorf("sending rows left = %d", n)
	}
	if n := rig.countState(t, store.Handled); n != 1 {
		t.Errorf("handled rows = %d", n)
	}
	if len(rig.cl.OutboxMsgs) != 0 {
		t.Errorf("server outbox not cleared: %d", len(rig.cl.OutboxMsgs))
	}
}

func TestTakeNextSkipsItemMailWhileIneligible(t *testing.T) {
	rig := newTestRig(t)
	rig.canItems = false
	rig.cl.AddInbox(userU, "gift", 0, map[gameapi.ItemID]int{itemI: 1})
	rig.cl.AddInbox(userU, "plain", 0, nil)

	if err := rig.h.receivePass(); err != nil {
		t.Fatalf("receive: %v", err)
	}

	in, err := rig.h.TakeNext()
	if err != nil || in == nil {
		t.Fatalf("take next: %v %v", in, err)
	}
	if in.Text != "plain" {
		t.Errorf("surfaced %q while item-ineligible", in.Text)
	}

	// once the predicate flips, the older item mail becomes eligible
	rig.canItems = true
	in, err = rig.h.TakeNext()
	if err != nil || in == nil {
		t.Fatalf("take next after flip: %v %v", in, err)
	}
	if in.Text != "gift" {
		t.Errorf("surfaced %q, want the item mail", in.Text)
	}
}

func TestRespondUnknownKmailFails(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.h.Respond(12345, nil); err == nil {
		t.Error("respond on unknown kmail succeeded")
	}
}

func TestDeferredMergeSingleRowPerUser(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 5)
	rig.stock(itemJ, 5)

	err := rig.h.SendUnsolicited(
		Reply{Recipient: userU, Defer: true, Items: map[gameapi.ItemID]int{itemI: 1}},
		Reply{Recipient: userU, Defer: true, Meat: 100, Items: map[gameapi.ItemID]int{itemJ: 2}},
	)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := rig.h.withheldPass(); err != nil {
		t.Fatalf("withheld: %v", err)
	}

	if n := rig.countState(t, store.OutboxDeferred); n != 1 {
		t.Fatalf("deferred rows = %d, want 1", n)
	}
	meat, items, err := rig.h.DeferredBalance(userU)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if meat != 100 || items[itemI] != 1 || items[itemJ] != 2 {
		t.Errorf("balance = %d %v", meat, items)
	}
	if got := rig.allReserved(t); got[itemI] != 1 || got[itemJ] != 2 {
		t.Errorf("reservations = %v", got)
	}
}

func TestNonTransferableDropped(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 5)
	rig.stock(itemJ, 5)
	rig.cl.Items[itemI] = gameapi.ItemInfo{ID: itemI, CanTransfer: false}

	err := rig.h.SendUnsolicited(Reply{
		Recipient: userU,
		Text:      "loot",
		Items:     map[gameapi.ItemID]int{itemI: 1, itemJ: 1},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := rig.h.sendAll(); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(rig.cl.Sent) != 1 {
		t.Fatalf("sent %d mails", len(rig.cl.Sent))
	}
	sent := rig.cl.Sent[0]
	if _, ok := sent.Items[itemI]; ok {
		t.Error("non-transferable item was attached")
	}
	if sent.Items[itemJ] != 1 {
		t.Errorf("items = %v", sent.Items)
	}
}

func TestDisplayCaseCoversShortfall(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 1)
	rig.displayStock(itemI, 5)

	err := rig.h.SendUnsolicited(Reply{
		Recipient: userU,
		Text:      "bulk",
		Items:     map[gameapi.ItemID]int{itemI: 3},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := rig.h.sendAll(); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(rig.cl.Sent) != 1 || rig.cl.Sent[0].Items[itemI] != 3 {
		t.Fatalf("sent = %+v", rig.cl.Sent)
	}
	if rig.cl.Display[itemI] != 3 {
		t.Errorf("display case = %d, want 3", rig.cl.Display[itemI])
	}
}

func TestReplyClampedToHoldings(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 2)

	// two replies each promising more than the bot holds
	for i := 0; i < 2; i++ {
		err := rig.h.SendUnsolicited(Reply{
			Recipient: userU,
			Text:      "prize",
			Items:     map[gameapi.ItemID]int{itemI: 5},
		})
		if err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
	}

	// reserved never exceeds what inventory and display hold
	if got := rig.allReserved(t); got[itemI] != 2 {
		t.Errorf("reservations = %v, want the 2 held", got)
	}
}

func TestDisplayStockCountsTowardHoldings(t *testing.T) {
	rig := newTestRig(t)
	rig.stock(itemI, 1)
	rig.displayStock(itemI, 2)

	err := rig.h.SendUnsolicited(Reply{
		Recipient: userU,
		Text:      "bulk",
		Items:     map[gameapi.ItemID]int{itemI: 3},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if got := rig.allReserved(t); got[itemI] != 3 {
		t.Errorf("reservations = %v, want 3 backed by inventory plus display", got)
	}
}

func TestAdminNoticeChunksReverseInserted(t *testing.T) {
	rig := newTestRig(t)
	rig.admins = []gameapi.UserID{42}

	long := strings.Repeat("word ", 800)
	rig.h.notifyFailAdmins(long)

	chunks := splitText(long)
	if len(chunks) < 2 {
		t.Fatalf("text did not split: %d chunk(s)", len(chunks))
	}
	var rows []*store.MailRow
	err := rig.st.ReadTx(func(tx *sql.Tx) error {
		var err error
		rows, err = store.MailInState(tx, store.OutboxSending)
		return err
	})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != len(chunks) {
		t.Fatalf("rows = %d, chunks = %d", len(rows), len(chunks))
	}
	// lowest id holds the last chunk, so the server outbox reads top-down
	for i, row := range rows {
		p, err := decodePayload(row.Blob)
		if err != nil {
			t.Fatalf("decode row %d: %v", i, err)
		}
		if want := chunks[len(chunks)-1-i]; p.Text != want {
			t.Errorf("row %d out of order", i)
		}
	}
}

func TestCouldNotSendNotifiesAdmins(t *testing.T) {
	rig := newTestRig(t)
	admin := gameapi.UserID(42)
	rig.admins = []gameapi.UserID{admin}
	rig.cl.SendFail[userU] = &gameapi.SendError{Code: gameapi.ErrInvalidUser}

	if err := rig.h.SendUnsolicited(Reply{Recipient: userU, Text: "hi"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	// attachment-free failure goes straight to could-not-send
	if err := rig.h.sendAll(); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if n := rig.countState(t, store.MailError); n != 1 {
		t.Fatalf("error rows = %d", n)
	}
	// next pass delivers the queued admin notice
	if err := rig.h.sendAll(); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	var adminMail *gameapi.OutgoingMail
	for i := range rig.cl.Sent {
		if rig.cl.Sent[i].UserID == admin {
			adminMail = &rig.cl.Sent[i]
		}
	}
	if adminMail == nil {
		t.Fatal("no admin notification sent")
	}
	if !strings.Contains(adminMail.Text, "Could not send mail to user 1001") {
		t.Errorf("notice text = %q", adminMail.Text)
	}
}
