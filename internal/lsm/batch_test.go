package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_Records(t *testing.T) {
	b := NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	require.Equal(t, 2, b.Size())
	require.NoError(t, b.validate("txn"))

	recs := b.records(10, "txn")
	require.Len(t, recs, 2)
	assert.Equal(t, Record{Seq: 10, TxnID: "txn", Op: OpPut, Key: []byte("a"), Value: []byte("1")}, recs[0])
	assert.Equal(t, Record{Seq: 11, TxnID: "txn", Op: OpDelete, Key: []byte("b")}, recs[1])

	b.Put(nil, []byte("x"))
	assert.ErrorIs(t, b.validate("txn"), ErrEmptyKey)

	b.Reset()
	assert.Equal(t, 0, b.Size())
}

func TestBatch_RejectsOversizedEntry(t *testing.T) {
	b := NewBatch()
	b.Put([]byte("small"), []byte("1"))
	b.Put([]byte("big"), make([]byte, MaxEntrySize))
	assert.ErrorIs(t, b.validate("txn"), ErrTooLarge)

	b.Reset()
	b.Put([]byte("k"), make([]byte, MaxEntrySize-len("k")-len("txn")))
	assert.NoError(t, b.validate("txn"))
}
