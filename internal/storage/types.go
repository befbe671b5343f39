// Package storage persists the bot's durable documents.
//
// Two independent documents are stored, each fully rewritten on save:
//   - the address book (chat id -> ordered addresses)
//   - the tracking registrations (chat id -> tracked address indices)
//
// Backends are byte-level (Store); Documents adds typed JSON encoding and
// self-healing loads on top. ChangeLog is a separate append-only text log.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: document not found")
	ErrClosed   = errors.New("storage: closed")
)

// Kind names a persisted document.
type Kind string

const (
	KindAddresses Kind = "addresses"
	KindTracking  Kind = "tracking"
)

// Store is the byte-level document backend.
//
// Write is a full overwrite. Implementations serialize writes per Kind and
// never leave a half-written document behind for the next Read.
type Store interface {
	Read(ctx context.Context, kind Kind) ([]byte, error)
	Write(ctx context.Context, kind Kind, data []byte) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file" (default): one JSON file per document inside directory Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
