package store

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}

func TestMailLifecycle(t *testing.T) {
	s := openTestStore(t)

	row := &MailRow{KmailID: 42, State: InboxDownloaded, UserID: 1001, Blob: `{"text":"hi"}`}
	err := s.WithTx(func(tx *sql.Tx) error {
		return InsertMail(tx, row)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row.ID == 0 {
		t.Fatal("insert did not assign an id")
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		return UpdateMailState(tx, row.ID, InboxReady)
	})
	if err != nil {
		t.Fatalf("update state: %v", err)
	}

	err = s.ReadTx(func(tx *sql.Tx) error {
		got, err := MailByKmailID(tx, 42, InboxReady)
		if err != nil {
			return err
		}
		if got == nil {
			t.Fatal("row not found by kmail id")
		}
		if got.Blob != `{"text":"hi"}` {
			t.Errorf("blob = %q", got.Blob)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestMailOrderingByID(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(func(tx *sql.Tx) error {
		for i := 0; i < 3; i++ {
			if err := InsertMail(tx, &MailRow{State: OutboxSending, UserID: 7, Blob: "{}"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	s.ReadTx(func(tx *sql.Tx) error {
		rows, err := MailInState(tx, OutboxSending)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected 3 rows, got %d", len(rows))
		}
		for i := 1; i < len(rows); i++ {
			if rows[i].ID <= rows[i-1].ID {
				t.Errorf("rows out of order: %d then %d", rows[i-1].ID, rows[i].ID)
			}
		}
		return nil
	})
}

func TestUpdateMissingRowFails(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(func(tx *sql.Tx) error {
		return UpdateMailState(tx, 9999, Handled)
	})
	if err == nil {
		t.Error("expected error updating a missing row")
	}
}

func TestRollbackOnError(t *testing.T) {
	s := openTestStore(t)
	wantErr := s.WithTx(func(tx *sql.Tx) error {
		if err := InsertMail(tx, &MailRow{State: OutboxSending, UserID: 1, Blob: "{}"}); err != nil {
			return err
		}
		return sql.ErrTxDone // any error rolls back
	})
	if wantErr == nil {
		t.Fatal("expected error")
	}
	s.ReadTx(func(tx *sql.Tx) error {
		n, err := CountMailInState(tx, OutboxSending)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Errorf("rollback left %d rows behind", n)
		}
		return nil
	})
}

func TestModuleState(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(func(tx *sql.Tx) error {
		if err := PutModuleState(tx, "main", "echo", `{"count":1}`); err != nil {
			return err
		}
		return PutModuleState(tx, "main", "echo", `{"count":2}`)
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	s.ReadTx(func(tx *sql.Tx) error {
		blob, ok, err := ModuleState(tx, "main", "echo")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok || blob != `{"count":2}` {
			t.Errorf("blob = %q ok = %v", blob, ok)
		}
		_, ok, _ = ModuleState(tx, "main", "missing")
		if ok {
			t.Error("missing module state reported present")
		}
		return nil
	})
}
