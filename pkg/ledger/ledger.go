// Package ledger reconciles the live game inventory with in-flight
// obligations. Mail rows that will consume items when sent reserve them here
// first, so concurrent subsystems never promise the same item twice.
//
// All mutation happens inside store transactions; the store's writer lock is
// the process-wide lock that makes the logical view linearizable.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/store"
)

// ErrInsufficientReservation is returned when a release would drive a
// reservation row negative. Use errors.Is; the wrapped message names the item.
var ErrInsufficientReservation = errors.New("insufficient reservation")

// ErrInvariant marks a ledger invariant violation. It is fatal: a fresh
// insert can never legitimately produce a negative row.
var ErrInvariant = errors.New("ledger invariant violation")

// ErrOverCommit is returned when an allocation would push the reserved total
// for an item past what the bot holds in inventory and display storage.
var ErrOverCommit = errors.New("reservation exceeds holdings")

// Ledger layers reservation accounting on a live inventory snapshot.
type Ledger struct {
	st *store.Store

	mu       sync.RWMutex
	physical map[gameapi.ItemID]int
	display  map[gameapi.ItemID]int
}

// New creates a ledger over the store with an empty physical snapshot.
func New(st *store.Store) *Ledger {
	return &Ledger{
		st:       st,
		physical: make(map[gameapi.ItemID]int),
		display:  make(map[gameapi.ItemID]int),
	}
}

// SetPhysical replaces the live inventory snapshot. The director refreshes it
// on its inventory cadence.
func (l *Ledger) SetPhysical(inv map[gameapi.ItemID]int) {
	cp := make(map[gameapi.ItemID]int, len(inv))
	for k, v := range inv {
		cp[k] = v
	}
	l.mu.Lock()
	l.physical = cp
	l.mu.Unlock()
}

// SetDisplay replaces the display storage snapshot. Display stock backs
// reservations alongside the physical inventory; the send path pulls from it
// when the inventory alone cannot cover a row.
func (l *Ledger) SetDisplay(disp map[gameapi.ItemID]int) {
	cp := make(map[gameapi.ItemID]int, len(disp))
	for k, v := range disp {
		cp[k] = v
	}
	l.mu.Lock()
	l.display = cp
	l.mu.Unlock()
}

// Holdings returns everything the bot holds of one item: physical inventory
// plus display storage. This is the ceiling reservations are checked against.
func (l *Ledger) Holdings(iid gameapi.ItemID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.physical[iid] + l.display[iid]
}

// CompleteInventory returns the physical snapshot, ignoring reservations.
func (l *Ledger) CompleteInventory() map[gameapi.ItemID]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make(map[gameapi.ItemID]int, len(l.physical))
	for k, v := range l.physical {
		cp[k] = v
	}
	return cp
}

// Inventory returns the physical snapshot minus all positive reservations:
// what is actually free to promise.
func (l *Ledger) Inventory() (map[gameapi.ItemID]int, error) {
	free := l.CompleteInventory()
	err := l.st.ReadTx(func(tx *sql.Tx) error {
		totals, err := ReservedTotals(tx)
		if err != nil {
			return err
		}
		for iid, qty := range totals {
			free[iid] -= qty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return free, nil
}

// Reserve applies reservation deltas with the over-commit guard: a positive
// delta that would push an item's reserved total past Holdings fails with
// ErrOverCommit and nothing is written. Releases always go through.
func (l *Ledger) Reserve(tx *sql.Tx, deltas map[gameapi.ItemID]int, by string, tag int64) error {
	totals, err := ReservedTotals(tx)
	if err != nil {
		return err
	}
	for iid, delta := range deltas {
		if delta <= 0 {
			continue
		}
		if totals[iid]+delta > l.Holdings(iid) {
			return fmt.Errorf("ledger: item %d reserved %d + %d over holdings %d: %w",
				iid, totals[iid], delta, l.Holdings(iid), ErrOverCommit)
		}
	}
	return Reserve(tx, deltas, by, tag)
}

// Reserve applies reservation deltas for one holder inside the caller's open
// transaction. Positive deltas allocate, negative deltas release. Rows whose
// total reaches zero are deleted. The package-level form performs no holdings
// check; it serves releases and internal moves of already-checked stock.
func Reserve(tx *sql.Tx, deltas map[gameapi.ItemID]int, by string, tag int64) error {
	for iid, delta := range deltas {
		if delta == 0 {
			continue
		}
		var old int
		err := tx.QueryRow(
			"SELECT reserved FROM inventory WHERE iid = ? AND reserved_by = ? AND reserve_info = ?",
			iid, by, tag).Scan(&old)
		exists := true
		if err == sql.ErrNoRows {
			exists = false
			old = 0
		} else if err != nil {
			return fmt.Errorf("ledger: read reservation %d/%s/%d: %w", iid, by, tag, err)
		}

		total := old + delta
		if total < 0 {
			if exists {
				return fmt.Errorf("ledger: item %d held by %s/%d: %w", iid, by, tag, ErrInsufficientReservation)
			}
			return fmt.Errorf("ledger: item %d fresh insert of %d: %w", iid, delta, ErrInvariant)
		}

		switch {
		case total == 0:
			_, err = tx.Exec("DELETE FROM inventory WHERE iid = ? AND reserved_by = ? AND reserve_info = ?", iid, by, tag)
		case exists:
			_, err = tx.Exec("UPDATE inventory SET reserved = ? WHERE iid = ? AND reserved_by = ? AND reserve_info = ?", total, iid, by, tag)
		default:
			_, err = tx.Exec("INSERT INTO inventory (iid, reserved, reserved_by, reserve_info) VALUES (?, ?, ?, ?)", iid, total, by, tag)
		}
		if err != nil {
			return fmt.Errorf("ledger: write reservation %d/%s/%d: %w", iid, by, tag, err)
		}
	}
	return nil
}

// ReserveItems applies deltas in a fresh transaction, over-commit guard
// included.
func (l *Ledger) ReserveItems(deltas map[gameapi.ItemID]int, by string, tag int64) error {
	return l.st.WithTx(func(tx *sql.Tx) error {
		return l.Reserve(tx, deltas, by, tag)
	})
}

// Reserved aggregates reserved quantities. Empty by matches every holder;
// tag zero matches every tag.
func Reserved(tx *sql.Tx, by string, tag int64) (map[gameapi.ItemID]int, error) {
	q := "SELECT iid, SUM(reserved) FROM inventory WHERE 1=1"
	var args []any
	if by != "" {
		q += " AND reserved_by = ?"
		args = append(args, by)
	}
	if tag != 0 {
		q += " AND reserve_info = ?"
		args = append(args, tag)
	}
	q += " GROUP BY iid"

	rows, err := tx.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: reserved %s/%d: %w", by, tag, err)
	}
	defer rows.Close()
	out := make(map[gameapi.ItemID]int)
	for rows.Next() {
		var iid gameapi.ItemID
		var qty int
		if err := rows.Scan(&iid, &qty); err != nil {
			return nil, err
		}
		out[iid] = qty
	}
	return out, rows.Err()
}

// ReservedTotals aggregates all positive reservations per item.
func ReservedTotals(tx *sql.Tx) (map[gameapi.ItemID]int, error) {
	rows, err := tx.Query("SELECT iid, SUM(reserved) FROM inventory WHERE reserved > 0 GROUP BY iid")
	if err != nil {
		return nil, fmt.Errorf("ledger: reserved totals: %w", err)
	}
	defer rows.Close()
	out := make(map[gameapi.ItemID]int)
	for rows.Next() {
		var iid gameapi.ItemID
		var qty int
		if err := rows.Scan(&iid, &qty); err != nil {
			return nil, err
		}
		out[iid] = qty
	}
	return out, rows.Err()
}

// Clear deletes every reservation row for a holder within the caller's open
// transaction.
func Clear(tx *sql.Tx, by string, tag int64) error {
	_, err := tx.Exec("DELETE FROM inventory WHERE reserved_by = ? AND reserve_info = ?", by, tag)
	if err != nil {
		return fmt.Errorf("ledger: clear %s/%d: %w", by, tag, err)
	}
	return nil
}
