package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return DefaultOptions()
}

func putEntry(k, v string) Entry {
	return Entry{Key: []byte(k), Item: Item{Value: []byte(v)}}
}

func tombEntry(k string) Entry {
	return Entry{Key: []byte(k), Item: Item{Tombstone: true}}
}

func writeTable(t *testing.T, dir string, num uint64, entries ...Entry) *Table {
	t.Helper()
	tbl, err := WriteSST(dir, num, entries, testOptions())
	require.NoError(t, err)
	return tbl
}

func collectIter(t *testing.T, it Iterator) []Entry {
	t.Helper()
	var out []Entry
	for it.Next() {
		out = append(out, Entry{
			Key:  append([]byte(nil), it.Key()...),
			Item: it.Value(),
		})
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	return out
}

func TestSSTable_WriteOpenGet(t *testing.T) {
	dir := t.TempDir()
	written := writeTable(t, dir, 7,
		putEntry("a", "1"),
		putEntry("b", ""),
		tombEntry("c"),
		putEntry("d", "4"),
	)
	assert.Equal(t, filepath.Join(dir, "sst-000007.sst"), written.Path)

	tbl, err := OpenTable(dir, 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), tbl.KeyCount)
	assert.Equal(t, []byte("a"), tbl.MinKey)
	assert.Equal(t, []byte("d"), tbl.MaxKey)
	assert.Equal(t, written.FileSize, tbl.FileSize)

	it, found, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), it.Value)

	it, found, err = tbl.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, it.Tombstone)
	assert.Empty(t, it.Value)

	it, found, err = tbl.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, it.Tombstone)

	for _, k := range []string{"0", "bb", "z"} {
		_, found, err = tbl.Get([]byte(k))
		require.NoError(t, err)
		assert.False(t, found, k)
	}
}

func TestSSTable_MayContainAndOverlaps(t *testing.T) {
	tbl := writeTable(t, t.TempDir(), 1, putEntry("c", "1"), putEntry("f", "2"))

	assert.True(t, tbl.MayContain([]byte("c")))
	assert.False(t, tbl.MayContain([]byte("a")))
	assert.False(t, tbl.MayContain([]byte("g")))

	assert.True(t, tbl.Overlaps([]byte("a"), []byte("c")))
	assert.True(t, tbl.Overlaps([]byte("d"), []byte("e")))
	assert.True(t, tbl.Overlaps(nil, nil))
	assert.False(t, tbl.Overlaps([]byte("a"), []byte("b")))
	assert.False(t, tbl.Overlaps([]byte("g"), nil))
}

func TestSSTWriter_RejectsUnsortedKeys(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSSTWriter(dir, 1, 4, testOptions())
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry([]byte("b"), Item{Value: []byte("1")}))
	assert.ErrorIs(t, w.WriteEntry([]byte("a"), Item{Value: []byte("2")}), ErrUnsorted)
	assert.ErrorIs(t, w.WriteEntry([]byte("b"), Item{Value: []byte("3")}), ErrUnsorted)
	require.NoError(t, w.Abort())

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, ents, "aborted writer leaves no files")
}

func TestSSTWriter_ClosedAfterFinish(t *testing.T) {
	w, err := NewSSTWriter(t.TempDir(), 1, 1, testOptions())
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry([]byte("a"), Item{Value: []byte("1")}))
	_, err = w.Finish()
	require.NoError(t, err)

	assert.ErrorIs(t, w.WriteEntry([]byte("b"), Item{}), ErrClosed)
	_, err = w.Finish()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteSST_Empty(t *testing.T) {
	_, err := WriteSST(t.TempDir(), 1, nil, testOptions())
	assert.Error(t, err)
}

func TestOpenTable_Corrupt(t *testing.T) {
	dir := t.TempDir()
	writeTable(t, dir, 1, putEntry("a", "1"), putEntry("b", "2"))
	path := filepath.Join(dir, sstFileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := map[string][]byte{
		"bad magic": func() []byte {
			b := append([]byte(nil), data...)
			b[len(b)-1] ^= 0xff
			return b
		}(),
		"shorter than trailer": data[:SSTTrailerSize-1],
		"bad section offsets": func() []byte {
			b := append([]byte(nil), data...)
			b[len(b)-SSTTrailerSize] ^= 0x01
			return b
		}(),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, b, 0o644))
			_, err := OpenTable(dir, 1)
			assert.ErrorIs(t, err, ErrCorruption)
		})
	}
}

func TestTable_GetMissingFile(t *testing.T) {
	dir := t.TempDir()
	tbl := writeTable(t, dir, 1, putEntry("a", "1"))
	require.NoError(t, tbl.Remove())
	require.NoError(t, tbl.Remove(), "remove is idempotent")

	_, _, err := tbl.Get([]byte("a"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTableIterator_Range(t *testing.T) {
	dir := t.TempDir()
	var entries []Entry
	for i := 0; i < 50; i++ {
		entries = append(entries, putEntry(fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i)))
	}
	tbl := writeTable(t, dir, 3, entries...)

	tests := []struct {
		name       string
		start, end []byte
		first      string
		count      int
	}{
		{"full", nil, nil, "k00", 50},
		{"bounded", []byte("k10"), []byte("k19"), "k10", 10},
		{"between keys", []byte("k10a"), []byte("k12a"), "k11", 2},
		{"open end", []byte("k45"), nil, "k45", 5},
		{"past end", []byte("z"), nil, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := tbl.NewIterator(tt.start, tt.end)
			require.NoError(t, err)
			got := collectIter(t, it)
			require.Len(t, got, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.first, string(got[0].Key))
			}
		})
	}
}

func TestTableIterator_CorruptEntryHeader(t *testing.T) {
	dir := t.TempDir()
	tbl := writeTable(t, dir, 1, putEntry("a", "1"), putEntry("b", "2"))

	// Huge key and value lengths in the first entry.
	f, err := os.OpenFile(tbl.Path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xff}, 8), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	it, err := tbl.NewIterator(nil, nil)
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Error(), ErrCorruption)
	require.NoError(t, it.Close())

	// Entries after the damaged one are still readable.
	it, err = tbl.NewIterator([]byte("b"), nil)
	require.NoError(t, err)
	got := collectIter(t, it)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("2"), got[0].Item.Value)

	_, _, err = tbl.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrCorruption)
}

func TestBlockIndex_DecodeRejectsBadEntries(t *testing.T) {
	unsorted, err := blockIndex{
		{Key: []byte("b"), Offset: 0, Length: 10},
		{Key: []byte("a"), Offset: 10, Length: 10},
	}.encode()
	require.NoError(t, err)
	_, err = decodeBlockIndex(unsorted, 20)
	assert.ErrorIs(t, err, ErrCorruption)

	outside, err := blockIndex{{Key: []byte("a"), Offset: 0, Length: 30}}.encode()
	require.NoError(t, err)
	_, err = decodeBlockIndex(outside, 20)
	assert.ErrorIs(t, err, ErrCorruption)

	_, err = decodeBlockIndex([]byte{0xc1}, 20)
	assert.ErrorIs(t, err, ErrCorruption)
}
