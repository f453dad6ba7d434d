// Package storage provides the key-value persistence behind the self-hosted
// padlink directory service.
//
// # Overview
//
// The directory is the only state in padlink that outlives a process: the
// publication loop writes the current tunnel URL under a single key and
// clients read it back at startup. When operators run their own directory
// (cmd/padlink-directory) instead of a hosted database, that key lives in a
// Store from this package.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   directory.Handler (REST surface)  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Storage Interface          │
//	│               (Store)               │
//	└─────────────────────────────────────┘
//	           │              │
//	           ▼              ▼
//	     ┌──────────┐   ┌──────────┐
//	     │  Memory  │   │  SQLite  │
//	     │  Store   │   │  Store   │
//	     └──────────┘   └──────────┘
//
// # Implementations
//
// MemoryStore: In-memory storage with sync.RWMutex
//   - No persistence (data lost on restart)
//   - Suitable for tests and throwaway directories
//
// SQLiteStore: zombiezen.com/go/sqlite connection pool over one database file
//   - WAL journal, busy timeout of 5s
//   - Values survive directory restarts, so a client started right after a
//     directory restart still resolves the last published URL
//
// # Concurrency
//
// All implementations are safe for concurrent use. Single-key writes are
// atomic, which is the only guarantee the publication protocol needs.
//
// # Error Handling
//
// ErrKeyNotFound is returned by Get when the key is absent. Delete of an
// absent key is not an error. Backend failures are wrapped with context and
// can be unwrapped with errors.Is / errors.As.
//
// # Example
//
//	store, err := storage.OpenSQLiteStore("/var/lib/padlink/directory.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	_ = store.Put(ctx, "server_url", []byte(`"https://abc.ngrok.app"`))
//	value, err := store.Get(ctx, "server_url")
package storage
