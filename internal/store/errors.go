package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store operations.
var (
	ErrNotFound     = errors.New("store: record not found")
	ErrDuplicate    = errors.New("store: duplicate record id")
	ErrUnknownTable = errors.New("store: unknown table")
	ErrClosed       = errors.New("store: closed")
)

// StorageError describes a durable read or write failure. In-memory state
// stays authoritative when one occurs.
type StorageError struct {
	Table string
	Op    string // "load" or "save"
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
