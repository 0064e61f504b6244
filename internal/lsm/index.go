package lsm

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// indexEntry locates one encoded entry inside the data section.
type indexEntry struct {
	Key    []byte `msgpack:"k"`
	Offset uint64 `msgpack:"o"`
	Length uint32 `msgpack:"l"`
}

// blockIndex is the sorted entry directory of one SSTable.
type blockIndex []indexEntry

// find returns the entry for key, if present.
func (idx blockIndex) find(key []byte) (indexEntry, bool) {
	i := sort.Search(len(idx), func(i int) bool {
		return bytes.Compare(idx[i].Key, key) >= 0
	})
	if i < len(idx) && bytes.Equal(idx[i].Key, key) {
		return idx[i], true
	}
	return indexEntry{}, false
}

// seek returns the position of the first entry >= key.
func (idx blockIndex) seek(key []byte) int {
	return sort.Search(len(idx), func(i int) bool {
		return bytes.Compare(idx[i].Key, key) >= 0
	})
}

func (idx blockIndex) encode() ([]byte, error) {
	b, err := msgpack.Marshal([]indexEntry(idx))
	return b, errors.Wrap(err, "encode block index")
}

// decodeBlockIndex parses the index section and checks that it is sorted and
// stays inside the data section.
func decodeBlockIndex(b []byte, dataEnd uint64) (blockIndex, error) {
	var idx []indexEntry
	if err := msgpack.Unmarshal(b, &idx); err != nil {
		return nil, errors.Wrapf(ErrCorruption, "block index: %v", err)
	}
	for i, e := range idx {
		if e.Offset+uint64(e.Length) > dataEnd {
			return nil, errors.Wrapf(ErrCorruption, "block index entry %d out of range", i)
		}
		if i > 0 && bytes.Compare(idx[i-1].Key, e.Key) >= 0 {
			return nil, errors.Wrapf(ErrCorruption, "block index entry %d out of order", i)
		}
	}
	return blockIndex(idx), nil
}
