package engine

// KV is one live key/value pair.
type KV struct {
	Key   []byte
	Value []byte
}

// LevelStats describes one level of the tree.
type LevelStats struct {
	Level     int   `json:"level"`
	Tables    int   `json:"tables"`
	Threshold int   `json:"threshold"`
	Keys      int64 `json:"keys"`
	Bytes     int64 `json:"bytes"`
}

// Stats is a point-in-time summary of an engine. RowCount counts stored
// entries (tombstones and shadowed versions included), so it bounds the live
// row count from above.
type Stats struct {
	MemTableSize int          `json:"memtable_size"`
	SSTableCount int          `json:"sstable_count"`
	CacheSize    int          `json:"cache_size"`
	RowCount     int64        `json:"row_count"`
	Levels       []LevelStats `json:"levels"`
}

// Engine là interface chung cho DB engines
type Engine interface {
	Put(key, value []byte, txnID string) error
	Get(key []byte, txnID string) ([]byte, error)
	Delete(key []byte, txnID string) error
	// RangeQuery returns live pairs with start <= key <= end, sorted by key.
	RangeQuery(start, end []byte, txnID string) ([]KV, error)
	Stats() Stats
	Recover() error
	Compact() error
	Close() error
}
