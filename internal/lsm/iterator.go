package lsm

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Iterator là một interface (hợp đồng) chung cho tất cả các trình lặp
type Iterator interface {
	// Next advances to the next entry. It returns false when exhausted or
	// on error.
	Next() bool
	Key() []byte
	Value() Item
	Close() error
	Error() error
}

// sliceIterator walks a sorted snapshot (MemTable, cache).
type sliceIterator struct {
	entries []Entry
	pos     int
}

func newSliceIterator(entries []Entry) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Key() []byte  { return it.entries[it.pos].Key }
func (it *sliceIterator) Value() Item  { return it.entries[it.pos].Item }
func (it *sliceIterator) Close() error { return nil }
func (it *sliceIterator) Error() error { return nil }

// tableIterator streams the entries of one SSTable in key order. Entry
// lengths come from the validated block index, never from the data section.
// It holds the file open until Close.
type tableIterator struct {
	f    *os.File
	r    *bufio.Reader
	idx  blockIndex
	pos  int
	next uint64 // offset the reader is at
	end  []byte
	cur  Entry
	err  error
}

// NewIterator iterates entries with start <= key <= end. A nil bound is open.
func (t *Table) NewIterator(start, end []byte) (Iterator, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open table %s", t.Path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat table")
	}
	tr, err := readTrailer(f, st.Size())
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "table %s", t.Path)
	}
	idx, err := readIndex(f, tr)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "table %s", t.Path)
	}

	first := 0
	if start != nil {
		first = idx.seek(start)
	}
	off := tr.indexOff
	if first < len(idx) {
		off = idx[first].Offset
	}
	sec := io.NewSectionReader(f, int64(off), int64(tr.indexOff-off))
	return &tableIterator{
		f:    f,
		r:    bufio.NewReaderSize(sec, 128*1024), // 128KB
		idx:  idx[first:],
		next: off,
		end:  end,
	}, nil
}

func (it *tableIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.idx) {
		return false
	}
	ie := it.idx[it.pos]
	if ie.Offset != it.next {
		it.err = errors.Wrapf(ErrCorruption, "entry %d not contiguous", it.pos)
		return false
	}
	if it.end != nil && bytes.Compare(ie.Key, it.end) > 0 {
		it.pos = len(it.idx)
		return false
	}
	buf := make([]byte, ie.Length)
	if _, err := io.ReadFull(it.r, buf); err != nil {
		it.err = errors.Wrapf(ErrCorruption, "read entry: %v", err)
		return false
	}
	e, err := decodeEntry(buf)
	if err != nil {
		it.err = err
		return false
	}
	if !bytes.Equal(e.Key, ie.Key) {
		it.err = errors.Wrap(ErrCorruption, "index points at wrong key")
		return false
	}
	it.pos++
	it.next += uint64(ie.Length)
	it.cur = e
	return true
}

func (it *tableIterator) Key() []byte  { return it.cur.Key }
func (it *tableIterator) Value() Item  { return it.cur.Item }
func (it *tableIterator) Error() error { return it.err }

func (it *tableIterator) Close() error {
	if it.f == nil {
		return nil
	}
	err := it.f.Close()
	it.f = nil
	return err
}

