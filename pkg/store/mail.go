package store

import (
	"database/sql"
	"fmt"
)

// MailState is the lifecycle state of a mail row. Exactly one state per row
// at any time; transitions are driven by the mail handler.
type MailState string

const (
	InboxDownloaded    MailState = "INBOX_DOWNLOADED"
	InboxReady         MailState = "INBOX_READY"
	InboxResponding    MailState = "INBOX_RESPONDING"
	OutboxSending      MailState = "OUTBOX_SENDING"
	OutboxToDelete     MailState = "OUTBOX_TODELETE"
	OutboxFailed       MailState = "OUTBOX_FAILED"
	OutboxWithheld     MailState = "OUTBOX_WITHHELD"
	OutboxDeferred     MailState = "OUTBOX_DEFERRED"
	OutboxCouldNotSend MailState = "OUTBOX_COULDNOTSEND"
	Handled            MailState = "HANDLED"
	MailError          MailState = "ERROR"
)

// MailStates lists every lifecycle state, for callers that report per-state
// figures.
var MailStates = []MailState{
	InboxDownloaded, InboxReady, InboxResponding,
	OutboxSending, OutboxToDelete, OutboxFailed, OutboxWithheld,
	OutboxDeferred, OutboxCouldNotSend, Handled, MailError,
}

// MailRow is one row of the mail table. Blob is a self-describing JSON
// payload owned by the mail handler; the store treats it as opaque text.
type MailRow struct {
	ID        int64
	KmailID   int64
	State     MailState
	UserID    int64
	Blob      string
	ItemsOnly bool
	ErrorCode int
}

const mailCols = "id, kmail_id, state, user_id, data_blob, items_only, error_code"

func scanMail(row interface{ Scan(...any) error }) (*MailRow, error) {
	var m MailRow
	var itemsOnly int
	if err := row.Scan(&m.ID, &m.KmailID, &m.State, &m.UserID, &m.Blob, &itemsOnly, &m.ErrorCode); err != nil {
		return nil, err
	}
	m.ItemsOnly = itemsOnly != 0
	return &m, nil
}

// InsertMail inserts a row and fills in its assigned id.
func InsertMail(tx *sql.Tx, m *MailRow) error {
	itemsOnly := 0
	if m.ItemsOnly {
		itemsOnly = 1
	}
	res, err := tx.Exec(
		"INSERT INTO mail (kmail_id, state, user_id, data_blob, items_only, error_code) VALUES (?, ?, ?, ?, ?, ?)",
		m.KmailID, m.State, m.UserID, m.Blob, itemsOnly, m.ErrorCode)
	if err != nil {
		return fmt.Errorf("store: insert mail: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: insert mail id: %w", err)
	}
	return nil
}

// UpdateMailState flips a row to a new lifecycle state.
func UpdateMailState(tx *sql.Tx, id int64, state MailState) error {
	res, err := tx.Exec("UPDATE mail SET state = ? WHERE id = ?", state, id)
	if err != nil {
		return fmt.Errorf("store: update mail %d state: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: update mail %d state: no such row", id)
	}
	return nil
}

// SetMailFailure flips a row to state and records the failure code.
func SetMailFailure(tx *sql.Tx, id int64, state MailState, code int) error {
	_, err := tx.Exec("UPDATE mail SET state = ?, error_code = ? WHERE id = ?", state, code, id)
	if err != nil {
		return fmt.Errorf("store: record mail %d failure: %w", id, err)
	}
	return nil
}

// UpdateMailBlob rewrites a row's payload.
func UpdateMailBlob(tx *sql.Tx, id int64, blob string) error {
	_, err := tx.Exec("UPDATE mail SET data_blob = ? WHERE id = ?", blob, id)
	if err != nil {
		return fmt.Errorf("store: update mail %d blob: %w", id, err)
	}
	return nil
}

// DeleteMail removes a row.
func DeleteMail(tx *sql.Tx, id int64) error {
	_, err := tx.Exec("DELETE FROM mail WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete mail %d: %w", id, err)
	}
	return nil
}

// DeleteMailInState removes every row in the given state, returning the count.
func DeleteMailInState(tx *sql.Tx, state MailState) (int64, error) {
	res, err := tx.Exec("DELETE FROM mail WHERE state = ?", state)
	if err != nil {
		return 0, fmt.Errorf("store: delete mail in %s: %w", state, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MoveMailState flips every row in from to to, returning the count.
func MoveMailState(tx *sql.Tx, from, to MailState) (int64, error) {
	res, err := tx.Exec("UPDATE mail SET state = ? WHERE state = ?", to, from)
	if err != nil {
		return 0, fmt.Errorf("store: move mail %s -> %s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MailInState returns all rows in the given state ordered by id ascending.
func MailInState(tx *sql.Tx, state MailState) ([]*MailRow, error) {
	rows, err := tx.Query("SELECT "+mailCols+" FROM mail WHERE state = ? ORDER BY id ASC", state)
	if err != nil {
		return nil, fmt.Errorf("store: mail in %s: %w", state, err)
	}
	defer rows.Close()
	var out []*MailRow
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan mail: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MailForUserInState returns rows for one recipient in a state, id ascending.
func MailForUserInState(tx *sql.Tx, uid int64, state MailState) ([]*MailRow, error) {
	rows, err := tx.Query("SELECT "+mailCols+" FROM mail WHERE user_id = ? AND state = ? ORDER BY id ASC", uid, state)
	if err != nil {
		return nil, fmt.Errorf("store: mail for %d in %s: %w", uid, state, err)
	}
	defer rows.Close()
	var out []*MailRow
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan mail: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MailByID fetches one row, or nil if absent.
func MailByID(tx *sql.Tx, id int64) (*MailRow, error) {
	m, err := scanMail(tx.QueryRow("SELECT "+mailCols+" FROM mail WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: mail %d: %w", id, err)
	}
	return m, nil
}

// MailByKmailID fetches the row tracking a server-side kmail in the given
// state, or nil if absent.
func MailByKmailID(tx *sql.Tx, kmailID int64, state MailState) (*MailRow, error) {
	m, err := scanMail(tx.QueryRow("SELECT "+mailCols+" FROM mail WHERE kmail_id = ? AND state = ?", kmailID, state))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: mail kmail %d: %w", kmailID, err)
	}
	return m, nil
}

// TrackedKmailIDs returns the set of server kmail ids already ingested.
func TrackedKmailIDs(tx *sql.Tx) (map[int64]bool, error) {
	rows, err := tx.Query("SELECT kmail_id FROM mail WHERE kmail_id != 0")
	if err != nil {
		return nil, fmt.Errorf("store: tracked kmail ids: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// MailStateCounts returns the row count per state. Empty states are absent
// from the map.
func MailStateCounts(tx *sql.Tx) (map[MailState]int, error) {
	rows, err := tx.Query("SELECT state, COUNT(*) FROM mail GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("store: mail state counts: %w", err)
	}
	defer rows.Close()
	out := make(map[MailState]int)
	for rows.Next() {
		var state MailState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// CountMailInState returns how many rows are in the given state.
func CountMailInState(tx *sql.Tx, state MailState) (int, error) {
	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM mail WHERE state = ?", state).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count mail in %s: %w", state, err)
	}
	return n, nil
}
