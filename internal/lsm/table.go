package lsm

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/nconghau/lsmkv/internal/storage"
	"github.com/pkg/errors"
)

// Table is an open, immutable SSTable. Only the Bloom filter and key range
// stay in memory; lookups read the file on demand.
type Table struct {
	Num      uint64
	Path     string
	MinKey   []byte
	MaxKey   []byte
	KeyCount uint32
	FileSize int64

	bloom *BloomFilter
}

type sstTrailer struct {
	indexOff, indexLen uint64
	bloomOff, bloomLen uint64
}

// OpenTable loads the trailer, filter and key range of table num.
func OpenTable(dir string, num uint64) (*Table, error) {
	t := &Table{Num: num, Path: filepath.Join(dir, sstFileName(num))}
	err := storage.WithFile(t.Path, func(f *os.File, size int64) error {
		tr, err := readTrailer(f, size)
		if err != nil {
			return err
		}
		raw, err := storage.ReadAt(f, int64(tr.bloomOff), int(tr.bloomLen))
		if err != nil {
			return errors.Wrapf(ErrCorruption, "read bloom: %v", err)
		}
		t.bloom = &BloomFilter{}
		if err := t.bloom.UnmarshalBinary(raw); err != nil {
			return err
		}
		idx, err := readIndex(f, tr)
		if err != nil {
			return err
		}
		t.KeyCount = uint32(len(idx))
		if len(idx) > 0 {
			t.MinKey = idx[0].Key
			t.MaxKey = idx[len(idx)-1].Key
		}
		t.FileSize = size
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open table %s", t.Path)
	}
	return t, nil
}

func readTrailer(f *os.File, size int64) (sstTrailer, error) {
	if size < SSTTrailerSize {
		return sstTrailer{}, errors.Wrap(ErrCorruption, "file shorter than trailer")
	}
	b, err := storage.ReadAt(f, size-SSTTrailerSize, SSTTrailerSize)
	if err != nil {
		return sstTrailer{}, errors.Wrapf(ErrCorruption, "read trailer: %v", err)
	}
	if binary.LittleEndian.Uint64(b[32:40]) != SSTMagic {
		return sstTrailer{}, errors.Wrap(ErrCorruption, "bad magic")
	}
	tr := sstTrailer{
		indexOff: binary.LittleEndian.Uint64(b[0:8]),
		indexLen: binary.LittleEndian.Uint64(b[8:16]),
		bloomOff: binary.LittleEndian.Uint64(b[16:24]),
		bloomLen: binary.LittleEndian.Uint64(b[24:32]),
	}
	end := uint64(size - SSTTrailerSize)
	if tr.indexOff+tr.indexLen != tr.bloomOff || tr.bloomOff+tr.bloomLen != end {
		return sstTrailer{}, errors.Wrap(ErrCorruption, "trailer sections out of range")
	}
	return tr, nil
}

func readIndex(f *os.File, tr sstTrailer) (blockIndex, error) {
	raw, err := storage.ReadAt(f, int64(tr.indexOff), int(tr.indexLen))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruption, "read index: %v", err)
	}
	return decodeBlockIndex(raw, tr.indexOff)
}

// MayContain checks the key range and the Bloom filter.
func (t *Table) MayContain(key []byte) bool {
	if t.KeyCount == 0 {
		return false
	}
	if bytes.Compare(key, t.MinKey) < 0 || bytes.Compare(key, t.MaxKey) > 0 {
		return false
	}
	return t.bloom.MightContain(key)
}

// Overlaps reports whether [start, end] intersects the table's key range. A
// nil bound is open.
func (t *Table) Overlaps(start, end []byte) bool {
	if t.KeyCount == 0 {
		return false
	}
	if end != nil && bytes.Compare(t.MinKey, end) > 0 {
		return false
	}
	if start != nil && bytes.Compare(t.MaxKey, start) < 0 {
		return false
	}
	return true
}

// Get looks key up. found is false when the table has no entry for it; a
// tombstone is returned as a found Item with Tombstone set.
func (t *Table) Get(key []byte) (item Item, found bool, err error) {
	if !t.MayContain(key) {
		return Item{}, false, nil
	}
	err = storage.WithFile(t.Path, func(f *os.File, size int64) error {
		tr, err := readTrailer(f, size)
		if err != nil {
			return err
		}
		idx, err := readIndex(f, tr)
		if err != nil {
			return err
		}
		ie, ok := idx.find(key)
		if !ok {
			return nil
		}
		raw, err := storage.ReadAt(f, int64(ie.Offset), int(ie.Length))
		if err != nil {
			return errors.Wrapf(ErrCorruption, "read entry: %v", err)
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Key, key) {
			return errors.Wrap(ErrCorruption, "index points at wrong key")
		}
		item, found = e.Item, true
		return nil
	})
	if err != nil {
		return Item{}, false, errors.Wrapf(err, "table %s", filepath.Base(t.Path))
	}
	return item, found, nil
}

// Remove deletes the table file. The Table must no longer be reachable.
func (t *Table) Remove() error {
	if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove table %s", t.Path)
	}
	return nil
}
