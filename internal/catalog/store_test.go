package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id, name string) *Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		ID:        id,
		Name:      name,
		State:     "stopped",
		Resources: `{"vcpus":2,"memory_mb":2048,"disk_gb":20}`,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  `{}`,
	}
}

func insert(t *testing.T, s *Store, rec *Record) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Insert(rec); err != nil {
		_ = tx.Rollback()
		t.Fatalf("Insert() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func Test_Open_Cases(t *testing.T) {
	t.Run("empty path is rejected", func(t *testing.T) {
		if _, err := Open(""); err == nil {
			t.Fatal("Open(\"\") returned nil error")
		}
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "catalog.db")
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		_ = s.Close()
	})

	t.Run("rows survive reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.db")
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		insert(t, s, testRecord("id-1", "durable"))
		_ = s.Close()

		s2, err := Open(path)
		if err != nil {
			t.Fatalf("reopen error = %v", err)
		}
		defer s2.Close()
		rec, err := s2.Get(context.Background(), "id-1")
		if err != nil {
			t.Fatalf("Get() after reopen error = %v", err)
		}
		if rec.Name != "durable" {
			t.Errorf("Name = %q, want durable", rec.Name)
		}
	})
}

// ---------------------------------------------------------------------------
// Insert / Get
// ---------------------------------------------------------------------------

func Test_Insert_Get_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	owner := "alice"
	want := testRecord("id-1", "test-1")
	want.Owner = &owner
	insert(t, s, want)

	got, err := s.Get(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != want.Name || got.State != want.State || got.Resources != want.Resources || got.Metadata != want.Metadata {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if got.Owner == nil || *got.Owner != "alice" {
		t.Errorf("Owner = %v, want alice", got.Owner)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("timestamps = %v/%v, want %v", got.CreatedAt, got.UpdatedAt, want.CreatedAt)
	}
}

func Test_Insert_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, testRecord("id-1", "first"))

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer tx.Rollback()

	err = tx.Insert(testRecord("id-1", "second"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Insert() error = %v, want ErrAlreadyExists", err)
	}
	if !errdefs.IsAlreadyExists(err) {
		t.Error("ErrAlreadyExists should match errdefs.ErrAlreadyExists")
	}
}

func Test_Get_Missing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func Test_Tx_Cases(t *testing.T) {
	t.Run("rollback leaves no row", func(t *testing.T) {
		s := openTestStore(t)
		tx, err := s.Begin(context.Background())
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if err := tx.Insert(testRecord("id-1", "ghost")); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if _, err := s.Get(context.Background(), "id-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after rollback error = %v, want ErrNotFound", err)
		}
	})

	t.Run("reads do not wait for an open transaction", func(t *testing.T) {
		s := openTestStore(t)
		insert(t, s, testRecord("id-1", "existing"))

		tx, err := s.Begin(context.Background())
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		defer tx.Rollback()
		if err := tx.Insert(testRecord("id-2", "pending")); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		recs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List() with open transaction error = %v", err)
		}
		if len(recs) != 1 || recs[0].ID != "id-1" {
			t.Errorf("List() = %+v, want only the committed row", recs)
		}
		if _, err := s.Get(ctx, "id-1"); err != nil {
			t.Errorf("Get() with open transaction error = %v", err)
		}
		if _, err := s.Get(ctx, "id-2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() of uncommitted row error = %v, want ErrNotFound", err)
		}
	})

	t.Run("use after commit fails", func(t *testing.T) {
		s := openTestStore(t)
		tx, err := s.Begin(context.Background())
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if err := tx.Insert(testRecord("id-1", "late")); !errors.Is(err, ErrTxDone) {
			t.Errorf("Insert() after commit error = %v, want ErrTxDone", err)
		}
		if err := tx.Commit(); !errors.Is(err, ErrTxDone) {
			t.Errorf("second Commit() error = %v, want ErrTxDone", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Errorf("Rollback() after commit error = %v, want nil", err)
		}
	})
}

// ---------------------------------------------------------------------------
// UpdateState
// ---------------------------------------------------------------------------

func Test_UpdateState_Cases(t *testing.T) {
	later := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		id        string
		from      string
		to        string
		wantErr   error
		wantState string
	}{
		{name: "expected state matches", id: "id-1", from: "stopped", to: "running", wantState: "running"},
		{name: "expected state differs", id: "id-1", from: "running", to: "stopped", wantErr: ErrConflict, wantState: "stopped"},
		{name: "missing row", id: "nope", from: "stopped", to: "running", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			insert(t, s, testRecord("id-1", "vm"))

			err := s.UpdateState(context.Background(), tt.id, tt.from, tt.to, later)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("UpdateState() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("UpdateState() error = %v", err)
			}

			if tt.wantState == "" {
				return
			}
			rec, err := s.Get(context.Background(), "id-1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if rec.State != tt.wantState {
				t.Errorf("State = %q, want %q", rec.State, tt.wantState)
			}
			wantUpdated := later
			if tt.wantErr != nil {
				wantUpdated = testRecord("", "").UpdatedAt
			}
			if !rec.UpdatedAt.Equal(wantUpdated) {
				t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, wantUpdated)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Delete / List
// ---------------------------------------------------------------------------

func Test_Delete_Cases(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, testRecord("id-1", "vm"))

	if err := s.Delete(context.Background(), "id-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(context.Background(), "id-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), "id-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func Test_List_OrderedByName(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, testRecord("id-c", "charlie"))
	insert(t, s, testRecord("id-a", "alpha"))
	insert(t, s, testRecord("id-b", "bravo"))

	recs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(recs) != len(want) {
		t.Fatalf("List() returned %d rows, want %d", len(recs), len(want))
	}
	for i, name := range want {
		if recs[i].Name != name {
			t.Errorf("recs[%d].Name = %q, want %q", i, recs[i].Name, name)
		}
	}
}

func Test_List_Empty(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("List() = %d rows, want 0", len(recs))
	}
}
