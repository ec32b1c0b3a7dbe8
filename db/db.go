// Package db defines the key-value database interface used by the relay
// storage layer, with pebble and in-memory backends.
package db

import "errors"

var (
	// ErrKeyNotFound is returned when the key is not found in the database.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned when a write transaction cannot be committed
	// because of a conflicting concurrent write.
	ErrConflict = errors.New("conflict")
)

// Options defines generic parameters for creating a database.
type Options struct {
	Path string
}

// Database is the interface implemented by all the database backends.
type Database interface {
	Reader
	// WriteTx creates a new write transaction.
	WriteTx() WriteTx
	// Close closes the database.
	Close() error
	// Compact triggers a database compaction, if supported by the backend.
	Compact() error
}

// Reader is the interface for read-only access to the database.
type Reader interface {
	// Get retrieves the value for the given key. If the key does not
	// exist, returns ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback with all key-value pairs in the database
	// whose key starts with prefix, with the prefix stripped from the
	// keys passed to the callback. The iteration stops when the callback
	// returns false. Keys are iterated in lexicographic order.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is the interface for a write transaction. Transactions must end
// with a call to Commit or Discard. Read-your-writes is supported within a
// transaction.
type WriteTx interface {
	Reader
	// Set adds a key-value pair, overwriting any previous value.
	Set(key, value []byte) error
	// Delete removes the key. Deleting a non-existing key is not an error.
	Delete(key []byte) error
	// Commit atomically applies all pending writes.
	Commit() error
	// Discard drops the pending writes. Calling Discard after Commit is a
	// no-op, so it is safe to defer.
	Discard()
}
