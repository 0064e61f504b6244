package lsm

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nconghau/lsmkv/internal/engine"
	"github.com/nconghau/lsmkv/internal/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// tableOpenConcurrency bounds parallel table loading at startup.
const tableOpenConcurrency = 8

type LSMEngine struct {
	opts Options
	log  *slog.Logger

	// mu serializes writers, flushes and the inline compaction trigger.
	mu     sync.Mutex
	wal    *WAL
	seq    uint64
	mem    atomic.Pointer[MemTable]
	frozen atomic.Pointer[MemTable] // non-nil only while a flush runs
	closed atomic.Bool

	// versionMu guards Version edits, the MANIFEST and nextFileNum.
	versionMu   sync.Mutex
	version     atomic.Pointer[Version]
	nextFileNum uint64
	compactMu   sync.Mutex // Đảm bảo chỉ 1 compaction chạy

	cache *Cache

	metrics  engineMetrics
	gatherer prometheus.Gatherer

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	compactionCh chan struct{}
}

var _ engine.Engine = (*LSMEngine)(nil)

// OpenLSM opens dir with default options.
func OpenLSM(dir string) (*LSMEngine, error) {
	return Open(context.Background(), dir, DefaultOptions())
}

// Open loads the MANIFEST and its tables, replays the WAL and returns a ready
// engine. ctx bounds the table load only.
func Open(ctx context.Context, dir string, opts Options) (*LSMEngine, error) {
	opts = opts.withDefaults(dir)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.SSTDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create sst dir")
	}

	m, err := loadManifest(opts.SSTDir)
	if err != nil {
		return nil, err
	}
	if len(m.Levels) > len(opts.LevelThresholds) {
		return nil, errors.Wrapf(ErrInvalidOptions,
			"manifest has %d levels, options allow %d", len(m.Levels), len(opts.LevelThresholds))
	}
	v, err := openTables(ctx, opts.SSTDir, m, len(opts.LevelThresholds))
	if err != nil {
		return nil, err
	}

	cache, err := NewCache(opts.CacheCapacity, opts.CacheEvictBatch)
	if err != nil {
		return nil, err
	}
	w, err := OpenWAL(opts.WALDir, opts.SyncWrites)
	if err != nil {
		return nil, err
	}

	ectx, cancel := context.WithCancel(context.Background())
	e := &LSMEngine{
		opts:         opts,
		log:          opts.Logger,
		wal:          w,
		nextFileNum:  m.NextFileNum,
		cache:        cache,
		ctx:          ectx,
		cancel:       cancel,
		compactionCh: make(chan struct{}, 1),
	}
	e.mem.Store(NewMemTable())
	e.version.Store(v)
	for _, t := range v.Tables() {
		if t.Num >= e.nextFileNum {
			e.nextFileNum = t.Num + 1
		}
	}
	if e.nextFileNum == 0 {
		e.nextFileNum = 1
	}
	e.removeOrphans(m)

	reg := opts.Registerer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, e.gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		e.gatherer = g
	}
	if err := e.registerMetrics(reg); err != nil {
		cancel()
		w.Close()
		return nil, err
	}

	if err := e.Recover(); err != nil {
		cancel()
		w.Close()
		return nil, errors.Wrap(err, "recover")
	}

	if opts.BackgroundCompaction {
		e.wg.Add(1)
		go e.compactionWorker()
	}
	e.log.Info("Database opened", "component", "lsm",
		"dir", dir, "tables", v.TableCount(), "levels", len(v.Levels))
	return e, nil
}

// openTables loads every table named by the manifest in parallel.
func openTables(ctx context.Context, dir string, m manifest, levels int) (*Version, error) {
	v := NewVersion(levels)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(tableOpenConcurrency)
	for i, nums := range m.Levels {
		v.Levels[i] = make([]*Table, len(nums))
		for j, num := range nums {
			i, j, num := i, j, num
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				t, err := OpenTable(dir, num)
				if err != nil {
					return err
				}
				v.Levels[i][j] = t
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "load tables")
	}
	return v, nil
}

// removeOrphans deletes temp files and tables the manifest does not list,
// left behind by a crash between writing a table and saving the manifest.
func (e *LSMEngine) removeOrphans(m manifest) {
	live := make(map[string]struct{})
	for _, nums := range m.Levels {
		for _, n := range nums {
			live[sstFileName(n)] = struct{}{}
		}
	}
	ents, err := os.ReadDir(e.opts.SSTDir)
	if err != nil {
		e.log.Warn("Failed to list sst dir", "component", "lsm", "error", err)
		return
	}
	for _, de := range ents {
		name := de.Name()
		orphan := storage.IsTemp(name)
		if strings.HasSuffix(name, ".sst") {
			_, ok := live[name]
			orphan = !ok
		}
		if !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(e.opts.SSTDir, name)); err != nil {
			e.log.Warn("Failed to remove orphan file", "component", "lsm", "file", name, "error", err)
			continue
		}
		e.log.Info("Removed orphan file", "component", "lsm", "file", name)
	}
}

func (e *LSMEngine) allocFileNum() uint64 {
	e.versionMu.Lock()
	defer e.versionMu.Unlock()
	n := e.nextFileNum
	e.nextFileNum++
	return n
}

// Recover replays the WAL into the MemTable and persists it as a level-0
// table before clearing the log. Replaying twice yields the same state.
func (e *LSMEngine) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}

	recs, err := e.wal.ReadAll()
	if err != nil {
		return errors.Wrap(err, "read wal")
	}
	if len(recs) == 0 {
		return nil
	}
	mem := e.mem.Load()
	for _, rec := range recs {
		switch rec.Op {
		case OpPut:
			mem.Put(rec.Key, rec.Value)
		case OpDelete:
			mem.Delete(rec.Key)
		}
		if rec.Seq > e.seq {
			e.seq = rec.Seq
		}
	}
	e.log.Info("Flushing replayed WAL data to SSTable...", "component", "lsm",
		"records", len(recs), "entries", mem.Size())
	return e.flushLocked()
}

// --- Write path ---

func (e *LSMEngine) Put(key, value []byte, txnID string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	e.metrics.puts.Add(1)
	b := NewBatch()
	b.Put(key, value)
	return e.ApplyBatch(b, txnID)
}

func (e *LSMEngine) Delete(key []byte, txnID string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	e.metrics.deletes.Add(1)
	b := NewBatch()
	b.Delete(key)
	return e.ApplyBatch(b, txnID)
}

// ApplyBatch logs every entry, then applies them in order under one writer
// lock hold. Nothing becomes visible if logging fails.
func (e *LSMEngine) ApplyBatch(b *Batch, txnID string) error {
	if b.Size() == 0 {
		return nil
	}
	if err := b.validate(txnID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}

	for _, rec := range b.records(e.seq+1, txnID) {
		if err := e.wal.Append(rec); err != nil {
			return errors.Wrap(err, "wal append")
		}
		e.seq = rec.Seq
	}

	mem := e.mem.Load()
	for _, en := range b.entries {
		if en.Item.Tombstone {
			mem.Delete(en.Key)
			e.cache.Put(en.Key, Item{Tombstone: true})
		} else {
			mem.Put(en.Key, en.Item.Value)
			e.cache.Put(en.Key, Item{Value: append([]byte{}, en.Item.Value...)})
		}
	}

	if mem.Size() >= e.opts.MemTableThreshold {
		if err := e.flushLocked(); err != nil {
			return errors.Wrap(err, "flush memtable")
		}
	}
	return nil
}

// Flush writes the active MemTable to a new level-0 table.
func (e *LSMEngine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	return e.flushLocked()
}

// flushLocked snapshots and clears the MemTable by freezing it: the full
// table becomes e.frozen and an empty one takes its place while e.mu is held,
// so no mutation interleaves. Readers keep seeing the frozen entries until the
// level-0 table is published. On failure the MemTable is restored and the WAL
// keeps every record. Caller holds e.mu.
func (e *LSMEngine) flushLocked() error {
	old := e.mem.Load()
	if old.Size() == 0 {
		return nil
	}
	start := time.Now()

	// Publish frozen before swapping so readers never miss it.
	e.frozen.Store(old)
	e.mem.Store(NewMemTable())
	restore := func() {
		e.mem.Store(old)
		e.frozen.Store(nil)
	}

	entries := old.Entries()
	t, err := WriteSST(e.opts.SSTDir, e.allocFileNum(), entries, e.opts)
	if err != nil {
		restore()
		return err
	}

	e.versionMu.Lock()
	nv := e.version.Load().withFlushed(t)
	if err := saveManifest(e.opts.SSTDir, nv, e.nextFileNum); err != nil {
		e.versionMu.Unlock()
		t.Remove()
		restore()
		return err
	}
	e.version.Store(nv)
	e.versionMu.Unlock()
	e.frozen.Store(nil)

	if err := e.wal.Clear(); err != nil {
		return errors.Wrap(err, "clear wal")
	}

	e.metrics.flushes.Add(1)
	e.metrics.flushDurations.Observe(time.Since(start).Seconds())
	e.log.Info("Memtable flush complete", "component", "lsm",
		"table", filepath.Base(t.Path), "entries", len(entries),
		"duration_ms", time.Since(start).Milliseconds())

	e.scheduleCompaction()
	return nil
}

// --- Read path ---

func (e *LSMEngine) Get(key []byte, txnID string) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.metrics.gets.Add(1)

	if it, ok := e.cache.Get(key); ok {
		e.metrics.cacheHits.Add(1)
		return resolve(it)
	}

	gen := e.cache.Generation()
	it, found, err := e.lookup(key)
	if err != nil {
		if errors.Is(err, ErrCorruption) {
			e.metrics.corruptions.Add(1)
			e.log.Error("Corrupt table on lookup", "component", "lsm", "txn", txnID, "error", err)
		}
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	e.cache.Fill(key, it, gen)
	return resolve(it)
}

func resolve(it Item) ([]byte, error) {
	if it.Tombstone {
		return nil, ErrNotFound
	}
	return append([]byte{}, it.Value...), nil
}

// lookup resolves key below the cache: MemTable, frozen MemTable, then tables
// newest first.
func (e *LSMEngine) lookup(key []byte) (Item, bool, error) {
	if it, ok := e.mem.Load().Get(key); ok {
		return it, true, nil
	}
	if f := e.frozen.Load(); f != nil {
		if it, ok := f.Get(key); ok {
			return it, true, nil
		}
	}
	for {
		v := e.version.Load()
		it, found, err := e.lookupTables(v, key)
		// A compaction may have removed a table after v was loaded.
		if err != nil && errors.Is(err, os.ErrNotExist) && e.version.Load() != v {
			continue
		}
		return it, found, err
	}
}

func (e *LSMEngine) lookupTables(v *Version, key []byte) (Item, bool, error) {
	for _, level := range v.Levels {
		for _, t := range level {
			if !t.MayContain(key) {
				e.metrics.bloomSkips.Add(1)
				continue
			}
			it, found, err := t.Get(key)
			if err != nil {
				return Item{}, false, err
			}
			if found {
				return it, true, nil
			}
		}
	}
	return Item{}, false, nil
}

// RangeQuery returns live pairs with start <= key <= end in key order. A nil
// bound is open.
func (e *LSMEngine) RangeQuery(start, end []byte, txnID string) ([]engine.KV, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.metrics.rangeQueries.Add(1)
	if start != nil && end != nil && bytes.Compare(start, end) > 0 {
		return nil, nil
	}

	var out []engine.KV
	err := e.scan(start, end, true, func(key []byte, it Item) error {
		out = append(out, engine.KV{Key: key, Value: append([]byte{}, it.Value...)})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCorruption) {
			e.metrics.corruptions.Add(1)
		}
		e.log.Error("Range query failed", "component", "lsm", "txn", txnID, "error", err)
		return nil, err
	}
	return out, nil
}

// scan merges cache, MemTables and tables over [start, end] and calls fn with
// the newest entry of each key.
func (e *LSMEngine) scan(start, end []byte, skipTombstones bool, fn func(key []byte, it Item) error) error {
	for {
		it, v, err := e.newMergedIterator(start, end, skipTombstones)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && e.version.Load() != v {
				continue
			}
			return err
		}
		for it.Next() {
			if err := fn(it.Key(), it.Value()); err != nil {
				it.Close()
				return err
			}
		}
		err = it.Error()
		if cerr := it.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

// newMergedIterator snapshots the in-memory sources before loading the
// Version, the same order lookup uses. A flush that lands in between leaves
// its entries in the frozen snapshot or in the Version, never in neither.
func (e *LSMEngine) newMergedIterator(start, end []byte, skipTombstones bool) (*MergingIterator, *Version, error) {
	iters := []Iterator{
		newSliceIterator(e.cache.Range(start, end)),
		newSliceIterator(e.mem.Load().Range(start, end)),
	}
	if f := e.frozen.Load(); f != nil {
		iters = append(iters, newSliceIterator(f.Range(start, end)))
	}
	v := e.version.Load()
	for _, t := range v.Tables() {
		if !t.Overlaps(start, end) {
			continue
		}
		it, err := t.NewIterator(start, end)
		if err != nil {
			for _, it := range iters {
				it.Close()
			}
			return nil, v, err
		}
		iters = append(iters, it)
	}
	return NewMergingIterator(iters, skipTombstones), v, nil
}

// --- Maintenance ---

// Compact flushes the MemTable and runs a full compaction pass.
func (e *LSMEngine) Compact() error {
	if err := e.Flush(); err != nil {
		return err
	}
	return e.forceCompact()
}

func (e *LSMEngine) Stats() engine.Stats {
	v := e.version.Load()
	st := engine.Stats{
		MemTableSize: e.mem.Load().Size(),
		SSTableCount: v.TableCount(),
		CacheSize:    e.cache.Len(),
	}
	st.RowCount = int64(st.MemTableSize)
	if f := e.frozen.Load(); f != nil {
		st.RowCount += int64(f.Size())
	}
	for i, level := range v.Levels {
		ls := engine.LevelStats{Level: i, Tables: len(level), Threshold: e.opts.LevelThresholds[i]}
		for _, t := range level {
			ls.Keys += int64(t.KeyCount)
			ls.Bytes += t.FileSize
		}
		st.RowCount += ls.Keys
		st.Levels = append(st.Levels, ls)
	}
	return st
}

// Registry exposes the engine's collectors. It is nil when a caller-supplied
// Registerer cannot gather.
func (e *LSMEngine) Registry() prometheus.Gatherer {
	return e.gatherer
}

// Close flushes the MemTable, stops the compaction worker and closes the WAL.
func (e *LSMEngine) Close() error {
	e.log.Info("Database closing...", "component", "lsm")

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	if err := e.flushLocked(); err != nil {
		// The WAL still holds the data.
		e.log.Error("Failed final MemTable flush on close", "component", "lsm", "error", err)
	}
	e.closed.Store(true)
	e.mu.Unlock()

	e.cancel()
	close(e.compactionCh)
	e.wg.Wait()

	if err := e.wal.Close(); err != nil {
		return errors.Wrap(err, "close wal")
	}
	e.log.Info("Database closed gracefully.", "component", "lsm")
	return nil
}
