// Package catalog provides the durable store of VM records, one row per VM id.
//
// The store gives single-row atomicity and explicit transactions. It does not
// serialize separate calls against each other; callers that need per-id
// ordering must provide it themselves.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when no row exists for the requested id.
	ErrNotFound = fmt.Errorf("catalog: record not found: %w", errdefs.ErrNotFound)
	// ErrAlreadyExists is returned by Insert when the id is taken.
	ErrAlreadyExists = fmt.Errorf("catalog: record already exists: %w", errdefs.ErrAlreadyExists)
	// ErrConflict is returned by UpdateState when the row is not in the
	// expected state.
	ErrConflict = fmt.Errorf("catalog: state changed concurrently: %w", errdefs.ErrConflict)
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("catalog: transaction already committed or rolled back")
)

// Record is one catalog row. Resources and Metadata are stored as serialized
// documents; the catalog does not interpret them.
type Record struct {
	ID        string    `gorm:"primaryKey;type:text;column:id"`
	Name      string    `gorm:"type:text;not null;index:idx_vms_name;column:name"`
	State     string    `gorm:"type:text;not null;column:state"`
	Resources string    `gorm:"type:text;not null;column:resources"`
	Owner     *string   `gorm:"type:text;column:owner"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false;column:created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false;column:updated_at"`
	Metadata  string    `gorm:"type:text;not null;column:metadata"`
}

// TableName pins the table name.
func (Record) TableName() string {
	return "vms"
}

// readConns bounds the read pool.
const readConns = 4

// Store is a SQLite-backed catalog. Writes go through a single connection so
// an open transaction never races another writer for the lock; reads use a
// separate query-only pool and see the last committed state, so they do not
// queue behind a transaction that is still open.
type Store struct {
	db   *gorm.DB
	read *gorm.DB
}

// Open opens (creating if needed) the catalog database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog: database path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("catalog: create database dir %q: %w", dir, err)
		}
	}

	db, err := openPool(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", 1)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		_ = closePool(db)
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	// WAL is persistent once set, so readers only need the timeout.
	read, err := openPool(path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)", readConns)
	if err != nil {
		_ = closePool(db)
		return nil, fmt.Errorf("catalog: open read pool %q: %w", path, err)
	}

	return &Store{db: db, read: read}, nil
}

func openPool(dsn string, conns int) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(conns)
	return db, nil
}

func closePool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("catalog: underlying db: %w", err)
	}
	return sqlDB.Close()
}

// Close releases both database pools.
func (s *Store) Close() error {
	return errors.Join(closePool(s.read), closePool(s.db))
}

// Get returns the row for id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.read.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get %q: %w", id, err)
	}
	return &rec, nil
}

// List returns every row ordered by name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	if err := s.read.WithContext(ctx).Order("name ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	return recs, nil
}

// UpdateState moves the row for id from state from to state to and sets
// updated_at. The write only applies while the row is still in from.
func (s *Store) UpdateState(ctx context.Context, id, from, to string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]any{"state": to, "updated_at": at})
	if res.Error != nil {
		return fmt.Errorf("catalog: update state %q: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("update state %q from %s: %w", id, from, ErrConflict)
}

// Delete removes the row for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("catalog: delete %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	return nil
}

// Begin starts a transaction. The caller must Commit or Rollback it.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("catalog: begin: %w", tx.Error)
	}
	return &Tx{db: tx}, nil
}

// Tx is an open catalog transaction.
type Tx struct {
	db   *gorm.DB
	done bool
}

// Insert adds rec. It fails with ErrAlreadyExists if the id is taken.
func (t *Tx) Insert(rec *Record) error {
	if t.done {
		return ErrTxDone
	}

	var n int64
	if err := t.db.Model(&Record{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("catalog: insert %q: %w", rec.ID, err)
	}
	if n > 0 {
		return fmt.Errorf("insert %q: %w", rec.ID, ErrAlreadyExists)
	}

	if err := t.db.Create(rec).Error; err != nil {
		return fmt.Errorf("catalog: insert %q: %w", rec.ID, err)
	}
	return nil
}

// Commit makes the transaction's writes durable.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.db.Commit().Error; err != nil {
		return fmt.Errorf("catalog: commit: %w", err)
	}
	return nil
}

// Rollback discards the transaction's writes. Rolling back a finished
// transaction is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.db.Rollback().Error; err != nil {
		return fmt.Errorf("catalog: rollback: %w", err)
	}
	return nil
}
