package mail

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/ledger"
	"github.com/crystal-mush/clanbot/pkg/store"
)

// Reconcile repairs the state machine after a crash and must run before
// Start. The server outbox is the source of truth for sends whose state flip
// never committed: an echo carrying a row's signature proves the send landed.
func (h *Handler) Reconcile() error {
	outbox, err := h.cl.Outbox()
	if err != nil {
		return fmt.Errorf("mail: reconcile outbox fetch: %w", err)
	}
	present := make(map[int64]bool)
	var serverIDs []int64
	for _, m := range outbox {
		serverIDs = append(serverIDs, m.ID)
		if id, ok := signatureID(m.Text); ok {
			present[id] = true
		}
	}

	err = h.st.WithTx(func(tx *sql.Tx) error {
		// retire completed rows from the previous run
		handled, err := store.MailInState(tx, store.Handled)
		if err != nil {
			return err
		}
		for _, row := range handled {
			if err := ledger.Clear(tx, reserver, row.ID); err != nil {
				return err
			}
			if err := store.DeleteMail(tx, row.ID); err != nil {
				return err
			}
		}

		// audit copies accumulate until an operator clears them
		if audit, err := store.MailInState(tx, store.MailError); err != nil {
			return err
		} else if len(audit) > 0 {
			log.Printf("MAIL: reconcile: %d audit rows awaiting operator review", len(audit))
		}

		// a module died before committing its response
		if n, err := store.MoveMailState(tx, store.InboxResponding, store.InboxReady); err != nil {
			return err
		} else if n > 0 {
			log.Printf("MAIL: reconcile: %d responding rows returned to ready", n)
		}

		// sends that landed but never flipped state
		sending, err := store.MailInState(tx, store.OutboxSending)
		if err != nil {
			return err
		}
		for _, row := range sending {
			if present[row.ID] {
				log.Printf("MAIL: reconcile: row %d was sent before the crash", row.ID)
				if err := store.UpdateMailState(tx, row.ID, store.OutboxToDelete); err != nil {
					return err
				}
			}
		}

		// retries that landed but never flipped state
		failed, err := store.MailInState(tx, store.OutboxFailed)
		if err != nil {
			return err
		}
		for _, row := range failed {
			if present[row.ID] {
				log.Printf("MAIL: reconcile: row %d retry was sent before the crash", row.ID)
				if err := store.UpdateMailState(tx, row.ID, store.OutboxWithheld); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// every echo is now tracked in the store or known handled
	if len(serverIDs) > 0 {
		if err := h.cl.DeleteOutboxMessages(serverIDs); err != nil {
			log.Printf("MAIL: reconcile: outbox clear: %v", err)
		}
	}

	// drain: anything sendable goes out, the inbox is ingested, replies drain
	if err := h.sendAll(); err != nil {
		return err
	}
	if err := h.receivePass(); err != nil {
		return err
	}
	return h.sendAll()
}

// AuditStock compares everything the store has promised against what the bot
// actually holds and mails any deficit to the failure admins. Informational
// only; sending is never blocked on it.
func (h *Handler) AuditStock() error {
	reservedItems := make(map[gameapi.ItemID]int)
	reservedMeat := 0
	err := h.st.ReadTx(func(tx *sql.Tx) error {
		for _, state := range []store.MailState{store.OutboxSending, store.OutboxDeferred} {
			rows, err := store.MailInState(tx, state)
			if err != nil {
				return err
			}
			for _, row := range rows {
				p, err := decodePayload(row.Blob)
				if err != nil {
					return err
				}
				for iid, q := range p.Items {
					reservedItems[iid] += q
				}
				reservedMeat += p.Meat
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(reservedItems) == 0 && reservedMeat == 0 {
		return nil
	}

	live, err := h.cl.Inventory()
	if err != nil {
		return fmt.Errorf("mail: audit inventory: %w", err)
	}
	display, err := h.cl.DisplayCaseContents()
	if err != nil {
		log.Printf("MAIL: audit display case: %v", err)
		display = map[gameapi.ItemID]int{}
	}
	status, err := h.cl.Status()
	if err != nil {
		return fmt.Errorf("mail: audit status: %w", err)
	}

	var lines []string
	for iid, q := range reservedItems {
		have := live[iid] + display[iid]
		if have < q {
			lines = append(lines, fmt.Sprintf("item %d: reserved %d, holding %d", iid, q, have))
		}
	}
	if reservedMeat > status.Meat {
		lines = append(lines, fmt.Sprintf("meat: reserved %d, holding %d", reservedMeat, status.Meat))
	}
	if len(lines) == 0 {
		return nil
	}

	log.Printf("MAIL: stock audit found %d deficit(s)", len(lines))
	h.notifyFailAdmins("Stock audit deficit:\n\n" + strings.Join(lines, "\n"))
	h.Notify()
	return nil
}
