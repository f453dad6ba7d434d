// Package directory reads and writes the shared record through which the
// padlink server advertises its current public address to clients.
//
// The record is a single string under ServerURLKey. The server overwrites
// it every publication cycle; clients read it once at startup. Two
// implementations of Directory are provided: HTTPClient speaks the
// Firebase Realtime Database REST shape (and therefore also talks to
// cmd/padlink-directory, which serves the same shape through Handler), and
// StoreDirectory wraps a storage.Store for single-host setups and tests.
package directory

import (
	"context"
	"errors"
)

// ServerURLKey is the directory key holding the server's public base URL.
const ServerURLKey = "server_url"

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("directory: key not found")

	// ErrUnavailable wraps every failure to reach or parse the directory.
	ErrUnavailable = errors.New("directory unavailable")
)

// Directory is a minimal shared key-value store.
type Directory interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}
