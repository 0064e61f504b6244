package lsm

import (
	"sync"

	"github.com/huandu/skiplist"
)

// Item wraps a value + tombstone flag
type Item struct {
	Value     []byte
	Tombstone bool
}

// Entry is one key with its item, as produced by sorted snapshots.
type Entry struct {
	Key  []byte
	Item Item
}

// MemTable is the ordered in-memory write buffer. Keys are stored as strings
// so the skiplist orders them byte-wise.
type MemTable struct {
	mu sync.RWMutex
	sl *skiplist.SkipList
}

func NewMemTable() *MemTable {
	return &MemTable{
		sl: skiplist.New(skiplist.String),
	}
}

func (m *MemTable) Put(key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	m.set(key, Item{Value: v})
}

func (m *MemTable) Delete(key []byte) {
	m.set(key, Item{Tombstone: true})
}

func (m *MemTable) set(key []byte, it Item) {
	m.mu.Lock()
	m.sl.Set(string(key), it)
	m.mu.Unlock()
}

func (m *MemTable) Get(key []byte) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.sl.GetValue(string(key))
	if !ok {
		return Item{}, false
	}
	return val.(Item), true
}

// Size is the number of entries, tombstones included.
func (m *MemTable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.Len()
}

// Entries returns a sorted copy of the table without clearing it.
func (m *MemTable) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.sl, nil, nil)
}

// Range returns the sorted entries with start <= key <= end. A nil bound is
// open.
func (m *MemTable) Range(start, end []byte) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return collect(m.sl, start, end)
}

func collect(sl *skiplist.SkipList, start, end []byte) []Entry {
	out := make([]Entry, 0, sl.Len())
	el := sl.Front()
	if start != nil {
		// Find returns the first element >= key.
		el = sl.Find(string(start))
	}
	for ; el != nil; el = el.Next() {
		k := el.Key().(string)
		if end != nil && k > string(end) {
			break
		}
		out = append(out, Entry{Key: []byte(k), Item: el.Value.(Item)})
	}
	return out
}
