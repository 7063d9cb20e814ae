// Package store persists applications, servers, the deployment queue and
// deployment logs.
package store

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when an application, server, destination or
	// queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when a uuid or deployment uuid is taken.
	ErrDuplicateID = errors.New("already exists")

	// ErrForeignKey is returned when a referenced row does not exist or a
	// referenced row is still in use.
	ErrForeignKey = errors.New("referenced entity missing or in use")

	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")

	// ErrInvalidData is returned when a JSON column cannot be encoded or decoded.
	ErrInvalidData = errors.New("invalid stored data")

	ErrTxFailed = errors.New("transaction failed")
)

// StoreError describes a failed store operation. Entity and ID are empty
// for operations that span several rows.
type StoreError struct {
	Op      string
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("store.%s: %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("store.%s: %s: %s", e.Op, e.Entity, e.Message)
	default:
		return fmt.Sprintf("store.%s: %s", e.Op, e.Message)
	}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err with the operation and the entity it concerned.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}
