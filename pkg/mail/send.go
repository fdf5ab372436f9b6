package mail

import (
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/ledger"
	"github.com/crystal-mush/clanbot/pkg/store"
)

// Every outbound text ends with this signature line. It is how crash
// recovery matches server outbox copies back to rows; do not change it.
const sigFormat = "\n\n(mail-id: %d)"

var sigPattern = regexp.MustCompile(`\(mail-id: (\d+)\)`)

// signatureID extracts the row id from a server outbox copy.
func signatureID(text string) (int64, bool) {
	ms := sigPattern.FindAllStringSubmatch(text, -1)
	if len(ms) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(ms[len(ms)-1][1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

const withholdingNotice = "I wanted to send you some items, but there was an error. " +
	"I will hold on to them for you: reply \"cashout\" to collect them or \"balance\" to see what I owe you."

func deferredNotice(p *Payload) string {
	kinds := 0
	total := 0
	for _, q := range p.Items {
		kinds++
		total += q
	}
	var b strings.Builder
	b.WriteString("I am holding ")
	if total > 0 {
		fmt.Fprintf(&b, "%d item(s) of %d kind(s)", total, kinds)
	}
	if p.Meat > 0 {
		if total > 0 {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%d meat", p.Meat)
	}
	b.WriteString(" for you. Reply \"cashout\" to collect or \"balance\" to check.")
	return b.String()
}

// asciiClean drops everything outside printable ASCII plus newline and tab.
func asciiClean(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, s)
}

// sendAll runs the outbound passes in lifecycle order.
func (h *Handler) sendAll() error {
	if err := h.sendPass(); err != nil {
		return err
	}
	if err := h.todeletePass(); err != nil {
		return err
	}
	if err := h.retryPass(); err != nil {
		return err
	}
	if err := h.withheldPass(); err != nil {
		return err
	}
	return h.couldnotsendPass()
}

func (h *Handler) rowsIn(state store.MailState) ([]*store.MailRow, error) {
	var rows []*store.MailRow
	err := h.st.ReadTx(func(tx *sql.Tx) error {
		var err error
		rows, err = store.MailInState(tx, state)
		return err
	})
	return rows, err
}

// sendPass attempts each pending outbound row exactly once. No transaction is
// held across the network call; the crash window between a successful send
// and the state flip is what the startup reconciler repairs.
func (h *Handler) sendPass() error {
	rows, err := h.rowsIn(store.OutboxSending)
	if err != nil || len(rows) == 0 {
		return err
	}

	var live, display map[gameapi.ItemID]int
	for _, row := range rows {
		p, err := decodePayload(row.Blob)
		if err != nil {
			return err
		}

		items := make(map[gameapi.ItemID]int, len(p.Items))
		for iid, q := range p.Items {
			items[iid] = q
		}
		if len(items) > 0 {
			if live == nil {
				if live, err = h.cl.Inventory(); err != nil {
					log.Printf("MAIL: inventory fetch: %v", err)
					return nil
				}
			}
			short := h.coverFromDisplay(items, live, &display)
			if short {
				p.OutOfStock = true
				blob, err := encodePayload(p)
				if err != nil {
					return err
				}
				if err := h.withTxBlob(row.ID, blob); err != nil {
					return err
				}
			}
			h.dropNonTransferable(items)
			for iid, q := range items {
				live[iid] -= q
			}
		}

		out := gameapi.OutgoingMail{
			UserID: gameapi.UserID(row.UserID),
			Text:   asciiClean(p.Text) + fmt.Sprintf(sigFormat, row.ID),
			Meat:   p.Meat,
			Items:  items,
		}
		sendErr := h.cl.SendMail(out)
		if sendErr == nil {
			if h.mx != nil {
				h.mx.MailSent.Inc()
			}
			if err := h.withTxState(row.ID, store.OutboxToDelete); err != nil {
				return err
			}
			continue
		}

		log.Printf("MAIL: send to %d (row %d): %v", row.UserID, row.ID, sendErr)
		h.countFailure(sendErr)
		code := gameapi.SendCode(sendErr)
		next := store.OutboxFailed
		if !p.HasAttachments() {
			next = store.OutboxCouldNotSend
		}
		err = h.st.WithTx(func(tx *sql.Tx) error {
			return store.SetMailFailure(tx, row.ID, next, int(code))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// coverFromDisplay tops up short items from the display case, consuming from
// the working views. Reports whether any item is still short after that; such
// quantities are cut down to what is available.
func (h *Handler) coverFromDisplay(items, live map[gameapi.ItemID]int, display *map[gameapi.ItemID]int) bool {
	short := false
	for iid, q := range items {
		have := live[iid]
		if have >= q {
			continue
		}
		if *display == nil {
			d, err := h.cl.DisplayCaseContents()
			if err != nil {
				log.Printf("MAIL: display case fetch: %v", err)
				d = map[gameapi.ItemID]int{}
			}
			*display = d
		}
		take := q - have
		if avail := (*display)[iid]; take > avail {
			take = avail
		}
		if take > 0 {
			if err := h.cl.DisplayCaseTake(map[gameapi.ItemID]int{iid: take}); err != nil {
				log.Printf("MAIL: display case take %d: %v", iid, err)
				take = 0
			} else {
				(*display)[iid] -= take
				live[iid] += take
				have += take
			}
		}
		if have < q {
			short = true
			if have == 0 {
				delete(items, iid)
			} else {
				items[iid] = have
			}
		}
	}
	return short
}

// dropNonTransferable removes items the game refuses to attach to mail.
func (h *Handler) dropNonTransferable(items map[gameapi.ItemID]int) {
	if h.cfg.Items == nil {
		return
	}
	for iid := range items {
		ok, err := h.cfg.Items.CanTransfer(iid)
		if err != nil {
			log.Printf("MAIL: item info %d: %v", iid, err)
			continue
		}
		if !ok {
			log.Printf("MAIL: dropping non-transferable item %d", iid)
			delete(items, iid)
		}
	}
}

func (h *Handler) countFailure(err error) {
	if h.mx == nil {
		return
	}
	kind := "rejected"
	if se, ok := err.(*gameapi.SendError); !ok || se.Transport {
		kind = "transport"
	}
	h.mx.MailSendFailures.WithLabelValues(kind).Inc()
}

func (h *Handler) withTxState(id int64, state store.MailState) error {
	return h.st.WithTx(func(tx *sql.Tx) error {
		return store.UpdateMailState(tx, id, state)
	})
}

func (h *Handler) withTxBlob(id int64, blob string) error {
	return h.st.WithTx(func(tx *sql.Tx) error {
		return store.UpdateMailBlob(tx, id, blob)
	})
}

// todeletePass removes the server's echo copies of successfully sent mail,
// releases its reservations, and retires the rows.
func (h *Handler) todeletePass() error {
	rows, err := h.rowsIn(store.OutboxToDelete)
	if err != nil || len(rows) == 0 {
		return err
	}

	outbox, err := h.cl.Outbox()
	if err != nil {
		log.Printf("MAIL: outbox fetch: %v", err)
		return nil
	}
	bySig := make(map[int64][]int64)
	for _, m := range outbox {
		if id, ok := signatureID(m.Text); ok {
			bySig[id] = append(bySig[id], m.ID)
		}
	}

	for _, row := range rows {
		if ids := bySig[row.ID]; len(ids) > 0 {
			if err := h.cl.DeleteOutboxMessages(ids); err != nil {
				log.Printf("MAIL: outbox delete row %d: %v", row.ID, err)
				continue
			}
		}
		// echo already pruned server-side is fine, still retire the row
		err := h.st.WithTx(func(tx *sql.Tx) error {
			if err := ledger.Clear(tx, reserver, row.ID); err != nil {
				return err
			}
			return store.UpdateMailState(tx, row.ID, store.Handled)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// retryPass resends each failed row once with attachments stripped and the
// withholding explanation prepended. The retry carries the original row's
// signature so crash recovery can tell it succeeded.
func (h *Handler) retryPass() error {
	rows, err := h.rowsIn(store.OutboxFailed)
	if err != nil || len(rows) == 0 {
		return err
	}
	for _, row := range rows {
		p, err := decodePayload(row.Blob)
		if err != nil {
			return err
		}
		out := gameapi.OutgoingMail{
			UserID: gameapi.UserID(row.UserID),
			Text:   asciiClean(withholdingNotice+"\n\n"+p.Text) + fmt.Sprintf(sigFormat, row.ID),
		}
		if sendErr := h.cl.SendMail(out); sendErr != nil {
			log.Printf("MAIL: retry to %d (row %d): %v", row.UserID, row.ID, sendErr)
			h.countFailure(sendErr)
			code := gameapi.SendCode(sendErr)
			err = h.st.WithTx(func(tx *sql.Tx) error {
				return store.SetMailFailure(tx, row.ID, store.OutboxCouldNotSend, int(code))
			})
		} else {
			err = h.withTxState(row.ID, store.OutboxWithheld)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// withheldPass converts withheld rows into deferred storage: at most one
// deferred row per recipient, merging when one already exists.
func (h *Handler) withheldPass() error {
	rows, err := h.rowsIn(store.OutboxWithheld)
	if err != nil || len(rows) == 0 {
		return err
	}
	for _, row := range rows {
		row := row
		err := h.st.WithTx(func(tx *sql.Tx) error {
			p, err := decodePayload(row.Blob)
			if err != nil {
				return err
			}
			if !p.HasAttachments() {
				// nothing to defer, keep an audit copy
				return store.UpdateMailState(tx, row.ID, store.MailError)
			}

			deferred, err := store.MailForUserInState(tx, row.UserID, store.OutboxDeferred)
			if err != nil {
				return err
			}
			switch len(deferred) {
			case 0:
				p.Text = deferredNotice(p)
				blob, err := encodePayload(p)
				if err != nil {
					return err
				}
				if err := store.UpdateMailBlob(tx, row.ID, blob); err != nil {
					return err
				}
				if h.mx != nil {
					h.mx.MailDeferred.Inc()
				}
				return store.UpdateMailState(tx, row.ID, store.OutboxDeferred)
			case 1:
				d := deferred[0]
				dp, err := decodePayload(d.Blob)
				if err != nil {
					return err
				}
				if dp.Items == nil {
					dp.Items = map[gameapi.ItemID]int{}
				}
				for iid, q := range p.Items {
					dp.Items[iid] += q
				}
				dp.Meat += p.Meat
				if err := ledger.Clear(tx, reserver, d.ID); err != nil {
					return err
				}
				if err := ledger.Clear(tx, reserver, row.ID); err != nil {
					return err
				}
				if len(dp.Items) > 0 {
					if err := ledger.Reserve(tx, dp.Items, reserver, d.ID); err != nil {
						return err
					}
				}
				blob, err := encodePayload(dp)
				if err != nil {
					return err
				}
				if err := store.UpdateMailBlob(tx, d.ID, blob); err != nil {
					return err
				}
				return store.DeleteMail(tx, row.ID)
			default:
				return fmt.Errorf("mail: user %d has %d deferred rows", row.UserID, len(deferred))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// couldnotsendPass notifies administrators about unrecoverable sends, then
// either withholds the attachments or releases them and keeps an audit copy.
func (h *Handler) couldnotsendPass() error {
	rows, err := h.rowsIn(store.OutboxCouldNotSend)
	if err != nil || len(rows) == 0 {
		return err
	}
	for _, row := range rows {
		row := row
		p, err := decodePayload(row.Blob)
		if err != nil {
			return err
		}
		code := gameapi.ErrorCode(row.ErrorCode)

		if !row.ItemsOnly {
			h.notifyFailAdmins(fmt.Sprintf(
				"Could not send mail to user %d (%s):\n\n%s", row.UserID, code, p.Text))
		}

		err = h.st.WithTx(func(tx *sql.Tx) error {
			if p.HasAttachments() && code.WithholdsItems() {
				return store.UpdateMailState(tx, row.ID, store.OutboxWithheld)
			}
			if err := ledger.Clear(tx, reserver, row.ID); err != nil {
				return err
			}
			return store.UpdateMailState(tx, row.ID, store.MailError)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// notifyFailAdmins queues a plain-text mail to every failure admin. The rows
// carry the items-only flag so their own failure cannot cascade into more
// notifications.
func (h *Handler) notifyFailAdmins(text string) {
	if h.cfg.FailAdmins == nil {
		return
	}
	admins := h.cfg.FailAdmins()
	if len(admins) == 0 {
		return
	}
	chunks := splitText(text)
	err := h.st.WithTx(func(tx *sql.Tx) error {
		for _, uid := range admins {
			// reverse insert, same as replies, so the outbox reads top-down
			for i := len(chunks) - 1; i >= 0; i-- {
				blob, err := encodePayload(&Payload{Recipient: uid, Text: chunks[i]})
				if err != nil {
					return err
				}
				row := &store.MailRow{
					State:     store.OutboxSending,
					UserID:    int64(uid),
					Blob:      blob,
					ItemsOnly: true,
				}
				if err := store.InsertMail(tx, row); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("MAIL: queue admin notice: %v", err)
	}
}
