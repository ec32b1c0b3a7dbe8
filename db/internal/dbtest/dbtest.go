// Package dbtest provides a reusable test suite for db.Database backends.
package dbtest

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/db"
)

// TestWriteTx runs a generic suite over the write transaction semantics of
// the given database.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()

	_, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	err = wTx.Set([]byte("a"), []byte("b"))
	c.Assert(err, qt.IsNil)

	// Read-your-writes inside the transaction.
	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// Not visible outside until commit.
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	err = wTx.Commit()
	c.Assert(err, qt.IsNil)

	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// Delete in a fresh transaction.
	wTx2 := database.WriteTx()
	defer wTx2.Discard()
	err = wTx2.Delete([]byte("a"))
	c.Assert(err, qt.IsNil)
	err = wTx2.Commit()
	c.Assert(err, qt.IsNil)

	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)

	// Discarded writes never land.
	wTx3 := database.WriteTx()
	err = wTx3.Set([]byte("x"), []byte("y"))
	c.Assert(err, qt.IsNil)
	wTx3.Discard()
	_, err = database.Get([]byte("x"))
	c.Assert(err, qt.Equals, db.ErrKeyNotFound)
}

// TestIterate checks prefix iteration with stripped keys and early stop.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()
	pairs := map[string]string{
		"p/one":   "1",
		"p/two":   "2",
		"p/three": "3",
		"q/four":  "4",
	}
	for k, v := range pairs {
		c.Assert(wTx.Set([]byte(k), []byte(v)), qt.IsNil)
	}
	c.Assert(wTx.Commit(), qt.IsNil)

	got := map[string]string{}
	err := database.Iterate([]byte("p/"), func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	})
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, map[string]string{
		"one":   "1",
		"two":   "2",
		"three": "3",
	})

	// Early stop after the first element.
	count := 0
	err = database.Iterate(nil, func(_, _ []byte) bool {
		count++
		return false
	})
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}
