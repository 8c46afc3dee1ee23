// Package store exposes the ledger aggregates behind an explicit unit of
// work. Every repository method hangs off *Tx so one settlement reads and
// writes through a single ACID transaction.
package store

import (
	"context"
	stderrors "errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	serrors "nftledger/services/settlementd/errors"
)

// Store owns the database handle.
type Store struct {
	db *gorm.DB
}

// New wraps db.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for wiring other components.
func (s *Store) DB() *gorm.DB { return s.db }

// InTx runs fn inside one database transaction. Returning an error from fn
// rolls back every write made through tx.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

// Read returns a non-transactional handle for lookups.
func (s *Store) Read(ctx context.Context) *Tx {
	return &Tx{db: s.db.WithContext(ctx)}
}

// Tx is the ambient unit of work passed to every repository call.
type Tx struct {
	db *gorm.DB
}

// DB exposes the transactional handle.
func (t *Tx) DB() *gorm.DB { return t.db }

func (t *Tx) locking(forUpdate bool) *gorm.DB {
	if forUpdate {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func notFound(op string, err error, format string, args ...any) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return serrors.New(serrors.CodeNotFound, op, format, args...)
	}
	return fmt.Errorf("%s: %w", op, err)
}
