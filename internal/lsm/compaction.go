package lsm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const compactionMaxRetries = 5

// maybeCompact compacts every level at or above its threshold, top down,
// until all levels are under threshold.
func (e *LSMEngine) maybeCompact() error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	for level := 0; level < len(e.opts.LevelThresholds); {
		v := e.version.Load()
		if len(v.Levels[level]) < e.opts.LevelThresholds[level] {
			level++
			continue
		}
		if err := e.compactLevel(level); err != nil {
			return err
		}
	}
	return nil
}

// forceCompact compacts each non-empty level once from the top, then
// restores the thresholds.
func (e *LSMEngine) forceCompact() error {
	e.compactMu.Lock()
	for level := range e.opts.LevelThresholds {
		if len(e.version.Load().Levels[level]) == 0 {
			continue
		}
		if err := e.compactLevel(level); err != nil {
			e.compactMu.Unlock()
			return err
		}
	}
	e.compactMu.Unlock()
	return e.maybeCompact()
}

// compactLevel merges the oldest MergeCount tables of level. Caller holds
// compactMu.
func (e *LSMEngine) compactLevel(level int) error {
	start := time.Now()
	v := e.version.Load()
	tables := v.Levels[level]
	n := min(e.opts.MergeCount, len(tables))
	inputs := append([]*Table(nil), tables[len(tables)-n:]...)

	// Everything in deeper levels is older than the inputs.
	var older []*Table
	for _, l := range v.Levels[level+1:] {
		older = append(older, l...)
	}

	out, stats, err := e.mergeTables(inputs, older)
	if err != nil {
		e.metrics.compactionErrors.Add(1)
		return errors.Wrapf(err, "compact level %d", level)
	}

	e.versionMu.Lock()
	nv := e.version.Load().withCompaction(level, inputs, out)
	if err := saveManifest(e.opts.SSTDir, nv, e.nextFileNum); err != nil {
		e.versionMu.Unlock()
		if out != nil {
			out.Remove()
		}
		e.metrics.compactionErrors.Add(1)
		return errors.Wrapf(err, "compact level %d", level)
	}
	e.version.Store(nv)
	e.versionMu.Unlock()

	// Xóa các tệp cũ (sau khi MANIFEST đã an toàn)
	for _, t := range inputs {
		if err := t.Remove(); err != nil {
			e.log.Warn("Failed to delete compacted table", "component", "lsm", "path", t.Path, "error", err)
		}
	}

	e.metrics.compactions.Add(1)
	target := level + 1
	if level == len(nv.Levels)-1 {
		target = level
	}
	e.log.Info("Compaction finished", "component", "lsm",
		"level", level, "target", target, "inputs", len(inputs),
		"written", stats.written, "shadowed", stats.shadowed, "tombstones_dropped", stats.dropped,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

type mergeStats struct {
	written  int
	shadowed int
	dropped  int
}

// mergeTables k-way merges inputs (newest first) into one new table. A
// tombstone is dropped when no table in older may hold the key. The result is
// nil when nothing survives.
func (e *LSMEngine) mergeTables(inputs, older []*Table) (*Table, mergeStats, error) {
	var stats mergeStats
	iters := make([]Iterator, 0, len(inputs))
	total := 0
	for _, t := range inputs {
		it, err := t.NewIterator(nil, nil)
		if err != nil {
			for _, it := range iters {
				it.Close()
			}
			return nil, stats, err
		}
		iters = append(iters, it)
		total += int(t.KeyCount)
	}
	merged := NewMergingIterator(iters, false)
	defer merged.Close()

	w, err := NewSSTWriter(e.opts.SSTDir, e.allocFileNum(), total, e.opts)
	if err != nil {
		return nil, stats, err
	}
	for merged.Next() {
		key, item := merged.Key(), merged.Value()
		if item.Tombstone && !mayExistIn(older, key) {
			stats.dropped++
			continue
		}
		if err := w.WriteEntry(key, item); err != nil {
			w.Abort()
			return nil, stats, err
		}
		stats.written++
	}
	if err := merged.Error(); err != nil {
		w.Abort()
		return nil, stats, err
	}
	stats.shadowed = total - stats.written - stats.dropped

	if w.Count() == 0 {
		return nil, stats, w.Abort()
	}
	out, err := w.Finish()
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

func mayExistIn(tables []*Table, key []byte) bool {
	for _, t := range tables {
		if t.MayContain(key) {
			return true
		}
	}
	return false
}

// compactionWorker là goroutine chạy nền
func (e *LSMEngine) compactionWorker() {
	defer e.wg.Done()
	e.log.Info("Compaction worker started", "component", "lsm")

	for range e.compactionCh {
		if e.ctx.Err() != nil {
			break // Engine đang tắt
		}
		b := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), compactionMaxRetries), e.ctx)
		err := backoff.RetryNotify(e.maybeCompact, b, func(err error, d time.Duration) {
			e.log.Warn("Compaction failed, retrying", "component", "lsm", "error", err, "backoff", d)
		})
		if err != nil {
			e.log.Error("Compaction error", "component", "lsm", "error", err)
		}
	}

	e.log.Info("Compaction worker stopped.", "component", "lsm")
}

// scheduleCompaction runs compaction inline, or signals the worker without
// blocking. Caller holds e.mu. Inline failures are logged: the flush itself
// already succeeded and the next flush retries.
func (e *LSMEngine) scheduleCompaction() {
	if !e.needsCompaction() {
		return
	}
	if !e.opts.BackgroundCompaction {
		if err := e.maybeCompact(); err != nil {
			e.log.Error("Compaction error", "component", "lsm", "error", err)
		}
		return
	}
	select {
	case e.compactionCh <- struct{}{}:
	default:
		// Worker đã bận, không cần gửi nữa
	}
}

func (e *LSMEngine) needsCompaction() bool {
	v := e.version.Load()
	for i, t := range e.opts.LevelThresholds {
		if len(v.Levels[i]) >= t {
			return true
		}
	}
	return false
}
