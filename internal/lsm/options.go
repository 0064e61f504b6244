package lsm

import (
	"log/slog"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultMemTableThreshold = 1000 // entries before flush
	DefaultMergeCount        = 2
	DefaultCacheCapacity     = 1024
	DefaultCacheEvictBatch   = 16
	DefaultBloomBitsPerKey   = 10
	DefaultBloomHashCount    = 5
)

// DefaultLevelThresholds are the per-level SSTable counts that trigger a
// compaction. Levels grow geometrically.
var DefaultLevelThresholds = []int{4, 8, 16}

// Options are fixed for the lifetime of an engine.
type Options struct {
	// MemTableThreshold is the entry count that triggers a flush.
	MemTableThreshold int
	// LevelThresholds[i] is the SSTable count at which level i is compacted.
	// The number of levels is len(LevelThresholds).
	LevelThresholds []int
	// MergeCount is how many of the oldest tables of a level one compaction
	// consumes.
	MergeCount int

	CacheCapacity   int
	CacheEvictBatch int

	BloomBitsPerKey int
	BloomHashCount  int

	// WALDir and SSTDir default to <dir>/wal and <dir>/sst.
	WALDir string
	SSTDir string

	// SyncWrites fsyncs the WAL after every append.
	SyncWrites bool

	// BackgroundCompaction moves compaction off the write path into a worker
	// goroutine.
	BackgroundCompaction bool

	Logger *slog.Logger

	// Registerer receives the engine's collectors. A private registry is
	// used when nil.
	Registerer prometheus.Registerer
}

func DefaultOptions() Options {
	return Options{
		MemTableThreshold: DefaultMemTableThreshold,
		LevelThresholds:   append([]int(nil), DefaultLevelThresholds...),
		MergeCount:        DefaultMergeCount,
		CacheCapacity:     DefaultCacheCapacity,
		CacheEvictBatch:   DefaultCacheEvictBatch,
		BloomBitsPerKey:   DefaultBloomBitsPerKey,
		BloomHashCount:    DefaultBloomHashCount,
		SyncWrites:        true,
	}
}

// withDefaults fills zero values and resolves directories relative to dir.
func (o Options) withDefaults(dir string) Options {
	d := DefaultOptions()
	if o.MemTableThreshold == 0 {
		o.MemTableThreshold = d.MemTableThreshold
	}
	if len(o.LevelThresholds) == 0 {
		o.LevelThresholds = d.LevelThresholds
	}
	if o.MergeCount == 0 {
		o.MergeCount = d.MergeCount
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = d.CacheCapacity
	}
	if o.CacheEvictBatch == 0 {
		o.CacheEvictBatch = d.CacheEvictBatch
	}
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = d.BloomBitsPerKey
	}
	if o.BloomHashCount == 0 {
		o.BloomHashCount = d.BloomHashCount
	}
	if o.WALDir == "" {
		o.WALDir = filepath.Join(dir, "wal")
	}
	if o.SSTDir == "" {
		o.SSTDir = filepath.Join(dir, "sst")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Validate checks the options as given, without filling defaults.
func (o Options) Validate() error {
	if o.MemTableThreshold < 1 {
		return errors.Wrap(ErrInvalidOptions, "memtable threshold must be >= 1")
	}
	if o.MergeCount < 2 {
		return errors.Wrap(ErrInvalidOptions, "merge count must be >= 2")
	}
	for i, t := range o.LevelThresholds {
		if t < 1 {
			return errors.Wrapf(ErrInvalidOptions, "level %d threshold must be >= 1", i)
		}
		if i > 0 && t < o.LevelThresholds[i-1] {
			return errors.Wrapf(ErrInvalidOptions,
				"level %d threshold %d is below level %d threshold %d", i, t, i-1, o.LevelThresholds[i-1])
		}
	}
	if o.CacheCapacity < 1 || o.CacheEvictBatch < 1 {
		return errors.Wrap(ErrInvalidOptions, "cache capacity and evict batch must be >= 1")
	}
	if o.BloomBitsPerKey < 1 || o.BloomHashCount < 1 {
		return errors.Wrap(ErrInvalidOptions, "bloom bits per key and hash count must be >= 1")
	}
	return nil
}
