package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/nconghau/lsmkv/internal/storage"
	"github.com/pkg/errors"
)

const (
	// SSTable file format:
	// [Entries...] [Index: msgpack] [Bloom: m u32 | k u32 | bitset] [Trailer: 40 bytes]
	// Entry: keyLen(4) + valueLen(4) + flag(1) + key + value
	// Trailer: indexOffset(8) + indexLen(8) + bloomOffset(8) + bloomLen(8) + magic(8)
	SSTTrailerSize  = 40
	SSTMagic        = uint64(0x6c736d6b76535354) // "lsmkvSST"
	sstEntryHeader  = 9
	sstFlagTomb     = byte(1)
	sstWriteBufSize = 256 * 1024 // 256KB
)

func sstFileName(num uint64) string {
	return fmt.Sprintf("sst-%06d.sst", num)
}

// SSTWriter streams sorted entries into a new SSTable.
type SSTWriter struct {
	file    *storage.DBFile
	writer  *bufio.Writer
	num     uint64
	offset  uint64
	index   blockIndex
	bloom   *BloomFilter
	lastKey []byte
	closed  bool
}

// NewSSTWriter creates table number num in dir. estimatedKeys sizes the
// Bloom filter.
func NewSSTWriter(dir string, num uint64, estimatedKeys int, opts Options) (*SSTWriter, error) {
	f, err := storage.CreateDBFile(filepath.Join(dir, sstFileName(num)))
	if err != nil {
		return nil, errors.Wrap(err, "create sst file")
	}
	return &SSTWriter{
		file:   f,
		writer: bufio.NewWriterSize(f.File(), sstWriteBufSize),
		num:    num,
		index:  make(blockIndex, 0, estimatedKeys),
		bloom:  NewBloomFilterFor(estimatedKeys, opts.BloomBitsPerKey, opts.BloomHashCount),
	}, nil
}

// WriteEntry appends one entry. Keys must be strictly ascending.
func (w *SSTWriter) WriteEntry(key []byte, item Item) error {
	if w.closed {
		return ErrClosed
	}
	if len(w.index) > 0 && bytes.Compare(key, w.lastKey) <= 0 {
		return errors.Wrapf(ErrUnsorted, "key %q after %q", key, w.lastKey)
	}

	vb := item.Value
	flag := byte(0)
	if item.Tombstone {
		vb = nil
		flag = sstFlagTomb
	}
	var hdr [sstEntryHeader]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(vb)))
	hdr[8] = flag
	if _, err := w.writer.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write entry")
	}
	if _, err := w.writer.Write(key); err != nil {
		return errors.Wrap(err, "write entry")
	}
	if _, err := w.writer.Write(vb); err != nil {
		return errors.Wrap(err, "write entry")
	}

	k := append([]byte(nil), key...)
	n := uint32(sstEntryHeader + len(key) + len(vb))
	w.index = append(w.index, indexEntry{Key: k, Offset: w.offset, Length: n})
	w.bloom.Add(k)
	w.offset += uint64(n)
	w.lastKey = k
	return nil
}

func (w *SSTWriter) Count() int {
	return len(w.index)
}

// Finish writes index, filter and trailer, then renames the file into place.
func (w *SSTWriter) Finish() (*Table, error) {
	if w.closed {
		return nil, ErrClosed
	}
	w.closed = true

	meta, err := w.finish()
	if err != nil {
		w.file.Abort()
		return nil, err
	}
	return meta, nil
}

func (w *SSTWriter) finish() (*Table, error) {
	indexBytes, err := w.index.encode()
	if err != nil {
		return nil, err
	}
	bloomBytes, err := w.bloom.MarshalBinary()
	if err != nil {
		return nil, err
	}
	indexOff := w.offset
	bloomOff := indexOff + uint64(len(indexBytes))

	var trailer [SSTTrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[0:8], indexOff)
	binary.LittleEndian.PutUint64(trailer[8:16], uint64(len(indexBytes)))
	binary.LittleEndian.PutUint64(trailer[16:24], bloomOff)
	binary.LittleEndian.PutUint64(trailer[24:32], uint64(len(bloomBytes)))
	binary.LittleEndian.PutUint64(trailer[32:40], SSTMagic)

	for _, b := range [][]byte{indexBytes, bloomBytes, trailer[:]} {
		if _, err := w.writer.Write(b); err != nil {
			return nil, errors.Wrap(err, "write sst footer")
		}
	}
	if err := w.writer.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush sst")
	}
	if err := w.file.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit sst")
	}

	meta := &Table{
		Num:      w.num,
		Path:     w.file.Path(),
		KeyCount: uint32(len(w.index)),
		FileSize: int64(bloomOff) + int64(len(bloomBytes)) + SSTTrailerSize,
		bloom:    w.bloom,
	}
	if len(w.index) > 0 {
		meta.MinKey = w.index[0].Key
		meta.MaxKey = w.index[len(w.index)-1].Key
	}
	return meta, nil
}

// Abort discards the partial table.
func (w *SSTWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Abort()
}

// WriteSST writes a complete SSTable from sorted entries.
func WriteSST(dir string, num uint64, entries []Entry, opts Options) (*Table, error) {
	if len(entries) == 0 {
		return nil, errors.New("lsm: no entries to write")
	}
	w, err := NewSSTWriter(dir, num, len(entries), opts)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.WriteEntry(e.Key, e.Item); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w.Finish()
}

// decodeEntry parses one encoded entry.
func decodeEntry(b []byte) (Entry, error) {
	if len(b) < sstEntryHeader {
		return Entry{}, errors.Wrap(ErrCorruption, "entry header truncated")
	}
	klen := binary.LittleEndian.Uint32(b[0:4])
	vlen := binary.LittleEndian.Uint32(b[4:8])
	flag := b[8]
	if uint64(sstEntryHeader)+uint64(klen)+uint64(vlen) != uint64(len(b)) || flag > sstFlagTomb {
		return Entry{}, errors.Wrap(ErrCorruption, "entry length mismatch")
	}
	key := b[sstEntryHeader : sstEntryHeader+klen]
	e := Entry{Key: key, Item: Item{Tombstone: flag == sstFlagTomb}}
	if !e.Item.Tombstone {
		e.Item.Value = b[sstEntryHeader+klen:]
	}
	return e, nil
}
