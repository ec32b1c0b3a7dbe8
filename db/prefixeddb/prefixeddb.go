// Package prefixeddb wraps a db.Database restricting all operations to a
// key prefix, so multiple namespaces can share a single underlying store.
package prefixeddb

import (
	"github.com/aibtcdev/x402-sponsor-relay-sub000/db"
)

// PrefixedDatabase restricts a db.Database to a key namespace.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a view of base where every key is transparently
// prefixed.
func NewPrefixedDatabase(base db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: base, prefix: prefix}
}

// NewPrefixedReader returns a read-only view of base under the given prefix.
func NewPrefixedReader(base db.Database, prefix []byte) db.Reader {
	return NewPrefixedDatabase(base, prefix)
}

func (d *PrefixedDatabase) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(d.prefix)+len(key))
	out = append(out, d.prefix...)
	return append(out, key...)
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(d.prefixed(key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return d.db.Iterate(d.prefixed(prefix), callback)
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return &WriteTx{tx: d.db.WriteTx(), prefix: d.prefix}
}

func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// WriteTx is a write transaction restricted to a prefix.
type WriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

// NewPrefixedWriteTx wraps an existing write transaction under a prefix, so
// one commit can span several namespaces.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *WriteTx {
	return &WriteTx{tx: tx, prefix: prefix}
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(tx.prefix)+len(key))
	out = append(out, tx.prefix...)
	return append(out, key...)
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	return tx.tx.Get(tx.prefixed(key))
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return tx.tx.Iterate(tx.prefixed(prefix), callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	return tx.tx.Set(tx.prefixed(key), value)
}

func (tx *WriteTx) Delete(key []byte) error {
	return tx.tx.Delete(tx.prefixed(key))
}

func (tx *WriteTx) Commit() error {
	return tx.tx.Commit()
}

func (tx *WriteTx) Discard() {
	tx.tx.Discard()
}
