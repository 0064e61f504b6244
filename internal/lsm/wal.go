package lsm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	walFileName    = "wal.log"
	walFrameHeader = 8 // crc u32 | len u32
	walMaxRecord   = 64 << 20
	// MaxEntrySize bounds the logged bytes of one write so its frame stays
	// under walMaxRecord.
	MaxEntrySize = walMaxRecord - 1024
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Record is one logged mutation.
type Record struct {
	Seq   uint64 `msgpack:"s"`
	TxnID string `msgpack:"t"`
	Op    Op     `msgpack:"o"`
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`
}

type WAL struct {
	f        *os.File
	path     string
	w        *bufio.Writer
	mu       sync.Mutex
	syncEach bool
}

// OpenWAL opens (or creates) the log in dir. A torn or corrupt tail left by
// a crash is truncated so new frames follow the last good one.
func OpenWAL(dir string, syncEach bool) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create wal dir")
	}
	path := filepath.Join(dir, walFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	_, good, err := readFrames(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(good); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate wal tail")
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "seek wal")
	}
	return &WAL{
		f:        f,
		path:     path,
		w:        bufio.NewWriterSize(f, 256*1024), // 256KB buffer
		syncEach: syncEach,
	}, nil
}

// Append writes one framed record. It returns only after the frame reached
// the OS (and disk, when syncing). A record the reader would refuse is
// rejected with ErrTooLarge and nothing is written.
func (w *WAL) Append(rec Record) error {
	payload, err := msgpack.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "encode wal record")
	}
	if len(payload) > walMaxRecord {
		return errors.Wrapf(ErrTooLarge, "wal record of %d bytes", len(payload))
	}
	var hdr [walFrameHeader]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	if _, err := w.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write wal frame")
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "write wal frame")
	}
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush wal")
	}
	if w.syncEach {
		if err := w.f.Sync(); err != nil {
			return errors.Wrap(err, "sync wal")
		}
	}
	return nil
}

// ReadAll returns every complete record in write order.
func (w *WAL) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil, ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush wal")
	}
	recs, _, err := readFrames(w.f)
	if _, serr := w.f.Seek(0, io.SeekEnd); serr != nil && err == nil {
		err = errors.Wrap(serr, "seek wal")
	}
	return recs, err
}

// Clear truncates the log once its contents are persisted elsewhere.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	w.w.Reset(w.f)
	if err := w.f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek wal")
	}
	return errors.Wrap(w.f.Sync(), "sync wal")
}

// Size is the current log length in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0
	}
	st, err := w.f.Stat()
	if err != nil {
		return 0
	}
	return st.Size() + int64(w.w.Buffered())
}

// Close flushes and closes the WAL file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush wal")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "sync wal")
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// readFrames decodes frames from the start of f. It stops at the first
// partial or corrupt frame and reports the offset just past the last good
// one. Only I/O failures are returned as errors.
func readFrames(f *os.File) ([]Record, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.Wrap(err, "seek wal")
	}
	r := bufio.NewReaderSize(f, 256*1024)
	var (
		recs []Record
		good int64
		hdr  [walFrameHeader]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, good, nil
			}
			return recs, good, errors.Wrap(err, "read wal")
		}
		sum := binary.LittleEndian.Uint32(hdr[0:4])
		n := binary.LittleEndian.Uint32(hdr[4:8])
		if n > walMaxRecord {
			return recs, good, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return recs, good, nil
			}
			return recs, good, errors.Wrap(err, "read wal")
		}
		if crc32.Checksum(payload, crcTable) != sum {
			return recs, good, nil
		}
		var rec Record
		dec := msgpack.NewDecoder(bytes.NewReader(payload))
		if err := dec.Decode(&rec); err != nil {
			return recs, good, nil
		}
		if rec.Op != OpPut && rec.Op != OpDelete {
			return recs, good, nil
		}
		recs = append(recs, rec)
		good += int64(walFrameHeader) + int64(n)
	}
}
