package lsm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendRecords(t *testing.T, w *WAL, recs ...Record) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, w.Append(r))
	}
}

func TestWAL_AppendReadAll(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, true)
	require.NoError(t, err)

	appendRecords(t, w,
		Record{Seq: 1, TxnID: "t1", Op: OpPut, Key: []byte("a"), Value: []byte("1")},
		Record{Seq: 2, TxnID: "t1", Op: OpDelete, Key: []byte("a")},
		Record{Seq: 3, TxnID: "t2", Op: OpPut, Key: []byte("b"), Value: []byte("")},
	)

	recs, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, OpPut, recs[0].Op)
	assert.Equal(t, []byte("1"), recs[0].Value)
	assert.Equal(t, OpDelete, recs[1].Op)
	assert.Equal(t, "t2", recs[2].TxnID)
	assert.Equal(t, uint64(3), recs[2].Seq)

	// Appends after a read still land at the end.
	appendRecords(t, w, Record{Seq: 4, Op: OpPut, Key: []byte("c"), Value: []byte("3")})
	recs, err = w.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	require.NoError(t, w.Close())
}

func TestWAL_ReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, false)
	require.NoError(t, err)
	appendRecords(t, w, Record{Seq: 1, Op: OpPut, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, w.Close())

	w, err = OpenWAL(dir, false)
	require.NoError(t, err)
	defer w.Close()
	recs, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("k"), recs[0].Key)
}

func TestWAL_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, true)
	require.NoError(t, err)
	appendRecords(t, w,
		Record{Seq: 1, Op: OpPut, Key: []byte("a"), Value: []byte("1")},
		Record{Seq: 2, Op: OpPut, Key: []byte("b"), Value: []byte("2")},
	)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, walFileName)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	w, err = OpenWAL(dir, true)
	require.NoError(t, err)
	recs, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("a"), recs[0].Key)

	// New frames follow the last good one.
	appendRecords(t, w, Record{Seq: 3, Op: OpPut, Key: []byte("c"), Value: []byte("3")})
	require.NoError(t, w.Close())

	w, err = OpenWAL(dir, true)
	require.NoError(t, err)
	defer w.Close()
	recs, err = w.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []byte("c"), recs[1].Key)
}

func TestWAL_CorruptFrameEndsLog(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, true)
	require.NoError(t, err)
	appendRecords(t, w,
		Record{Seq: 1, Op: OpPut, Key: []byte("a"), Value: []byte("1")},
		Record{Seq: 2, Op: OpPut, Key: []byte("b"), Value: []byte("2")},
		Record{Seq: 3, Op: OpPut, Key: []byte("c"), Value: []byte("3")},
	)
	require.NoError(t, w.Close())

	// Flip a payload byte of the second frame.
	path := filepath.Join(dir, walFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	first := walFrameHeader + int(binary.LittleEndian.Uint32(data[4:8]))
	data[first+walFrameHeader+1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w, err = OpenWAL(dir, true)
	require.NoError(t, err)
	defer w.Close()
	recs, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("a"), recs[0].Key)
}

func TestWAL_Clear(t *testing.T) {
	w, err := OpenWAL(t.TempDir(), true)
	require.NoError(t, err)
	defer w.Close()
	appendRecords(t, w, Record{Seq: 1, Op: OpPut, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, w.Clear())

	recs, err := w.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(0), w.Size())
}

func TestWAL_MissingFileIsEmpty(t *testing.T) {
	w, err := OpenWAL(filepath.Join(t.TempDir(), "nested", "wal"), true)
	require.NoError(t, err)
	defer w.Close()
	recs, err := w.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWAL_AppendAfterClose(t *testing.T) {
	w, err := OpenWAL(t.TempDir(), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(Record{Seq: 1, Op: OpPut, Key: []byte("a")}), ErrClosed)
}

func TestWAL_RecordSizeLimit(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, false)
	require.NoError(t, err)
	appendRecords(t, w, Record{Seq: 1, Op: OpPut, Key: []byte("a"), Value: []byte("1")})
	size := w.Size()

	err = w.Append(Record{Seq: 2, Op: OpPut, Key: []byte("big"), Value: make([]byte, walMaxRecord)})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, size, w.Size(), "nothing written")

	// The largest accepted write survives a reopen, and so does what follows.
	appendRecords(t, w,
		Record{Seq: 2, TxnID: "txn", Op: OpPut, Key: []byte("k"), Value: make([]byte, MaxEntrySize-len("k")-len("txn"))},
		Record{Seq: 3, Op: OpPut, Key: []byte("after"), Value: []byte("1")},
	)
	require.NoError(t, w.Close())

	w, err = OpenWAL(dir, false)
	require.NoError(t, err)
	defer w.Close()
	recs, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []byte("after"), recs[2].Key)
}
