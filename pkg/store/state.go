package store

import (
	"database/sql"
	"fmt"
)

// ModuleState reads the persisted blob for one (manager, module) pair.
// ok is false when no state has been persisted yet.
func ModuleState(tx *sql.Tx, manager, module string) (blob string, ok bool, err error) {
	err = tx.QueryRow("SELECT blob FROM state WHERE manager = ? AND module = ?", manager, module).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: state %s/%s: %w", manager, module, err)
	}
	return blob, true, nil
}

// PutModuleState upserts the blob for one (manager, module) pair.
func PutModuleState(tx *sql.Tx, manager, module, blob string) error {
	_, err := tx.Exec(
		"INSERT INTO state (manager, module, blob) VALUES (?, ?, ?) "+
			"ON CONFLICT(manager, module) DO UPDATE SET blob = excluded.blob",
		manager, module, blob)
	if err != nil {
		return fmt.Errorf("store: put state %s/%s: %w", manager, module, err)
	}
	return nil
}
