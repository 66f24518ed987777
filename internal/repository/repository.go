package repository

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// StorageError reports a failed read or write against the relay database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return &StorageError{Op: op, Err: err}
}

// Repository is the configuration and audit store shared by the pipeline and the API.
type Repository struct {
	db    *gorm.DB
	stats *sqlx.DB
}

// New wraps a gorm connection. Aggregate queries reuse the same connection pool through sqlx.
func New(db *gorm.DB) (*Repository, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	driver := db.Dialector.Name()
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	return &Repository{db: db, stats: sqlx.NewDb(sqlDB, driver)}, nil
}

// DB exposes the gorm handle for health probes.
func (r *Repository) DB() *gorm.DB {
	return r.db
}
