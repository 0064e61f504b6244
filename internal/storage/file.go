package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const tempSuffix = ".tmp"

// DBFile is a file written under a temporary name. It becomes visible at its
// final path only on Commit.
type DBFile struct {
	file *os.File
	tmp  string
	path string
}

func CreateDBFile(path string) (*DBFile, error) {
	// Đảm bảo thư mục cha tồn tại
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create parent dir")
	}
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create temp file")
	}
	return &DBFile{file: f, tmp: tmp, path: path}, nil
}

func (dbf *DBFile) File() *os.File {
	return dbf.file
}

func (dbf *DBFile) Path() string {
	return dbf.path
}

// Commit syncs, closes and renames the file into place.
func (dbf *DBFile) Commit() error {
	if dbf.file == nil {
		return errors.New("storage: file already finished")
	}
	f := dbf.file
	dbf.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(dbf.tmp)
		return errors.Wrap(err, "sync temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(dbf.tmp)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(dbf.tmp, dbf.path); err != nil {
		os.Remove(dbf.tmp)
		return errors.Wrap(err, "rename into place")
	}
	return SyncDir(filepath.Dir(dbf.path))
}

// Abort discards the temporary file. Safe to call after Commit.
func (dbf *DBFile) Abort() error {
	if dbf.file == nil {
		return nil
	}
	dbf.file.Close()
	dbf.file = nil
	if err := os.Remove(dbf.tmp); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove temp file")
	}
	return nil
}

// WriteFileAtomic replaces path with data via temp file + rename.
func WriteFileAtomic(path string, data []byte) error {
	dbf, err := CreateDBFile(path)
	if err != nil {
		return err
	}
	if _, err := dbf.File().Write(data); err != nil {
		dbf.Abort()
		return errors.Wrap(err, "write temp file")
	}
	return dbf.Commit()
}

// SyncDir persists directory entries (renames, removals).
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open dir")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "sync dir")
	}
	return nil
}

// WithFile opens path read-only for the duration of fn.
func WithFile(path string, fn func(f *os.File, size int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	return fn(f, st.Size())
}

// ReadAt reads exactly n bytes at offset. A short read is io.ErrUnexpectedEOF.
func ReadAt(f io.ReaderAt, offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, offset)
	if read == n {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

// IsTemp reports whether name is an unfinished temporary file.
func IsTemp(name string) bool {
	return filepath.Ext(name) == tempSuffix
}
