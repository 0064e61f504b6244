package lsm

import (
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "lsmkv"

type engineMetrics struct {
	puts             atomic.Int64
	gets             atomic.Int64
	deletes          atomic.Int64
	rangeQueries     atomic.Int64
	cacheHits        atomic.Int64
	bloomSkips       atomic.Int64
	flushes          atomic.Int64
	compactions      atomic.Int64
	compactionErrors atomic.Int64
	corruptions      atomic.Int64

	flushDurations prometheus.Histogram
}

// registerMetrics wires the counters and engine gauges into reg.
func (e *LSMEngine) registerMetrics(reg prometheus.Registerer) error {
	m := &e.metrics
	m.flushDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "flush_duration_seconds",
		Help:      "Time to write a MemTable to a level-0 SSTable.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: name, Help: help,
		}, f)
	}

	cs := []prometheus.Collector{
		m.flushDurations,
		counter("puts_total", "Put operations.", &m.puts),
		counter("gets_total", "Get operations.", &m.gets),
		counter("deletes_total", "Delete operations.", &m.deletes),
		counter("range_queries_total", "Range queries.", &m.rangeQueries),
		counter("cache_hits_total", "Gets answered by the read cache.", &m.cacheHits),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted from the read cache.",
		}, func() float64 { return float64(e.cache.Evictions()) }),
		counter("bloom_skips_total", "Table lookups skipped by key range or Bloom filter.", &m.bloomSkips),
		counter("flushes_total", "MemTable flushes.", &m.flushes),
		counter("compactions_total", "Completed compactions.", &m.compactions),
		counter("compaction_errors_total", "Failed compactions.", &m.compactionErrors),
		counter("corruptions_total", "Lookups that hit a corrupt SSTable.", &m.corruptions),
		gauge("memtable_entries", "Entries in the active MemTable.", func() float64 {
			return float64(e.mem.Load().Size())
		}),
		gauge("cache_entries", "Entries in the read cache.", func() float64 {
			return float64(e.cache.Len())
		}),
		gauge("wal_bytes", "Current write-ahead log size.", func() float64 {
			return float64(e.wal.Size())
		}),
	}
	for level := range e.opts.LevelThresholds {
		level := level
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "level_tables",
			Help:        "SSTables per level.",
			ConstLabels: prometheus.Labels{"level": strconv.Itoa(level)},
		}, func() float64 {
			return float64(len(e.version.Load().Levels[level]))
		}))
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "register metrics")
		}
	}
	return nil
}

// GetMetrics returns a snapshot of the operation counters.
func (e *LSMEngine) GetMetrics() map[string]int64 {
	m := &e.metrics
	return map[string]int64{
		"puts":              m.puts.Load(),
		"gets":              m.gets.Load(),
		"deletes":           m.deletes.Load(),
		"range_queries":     m.rangeQueries.Load(),
		"cache_hits":        m.cacheHits.Load(),
		"cache_evictions":   int64(e.cache.Evictions()),
		"bloom_skips":       m.bloomSkips.Load(),
		"flushes":           m.flushes.Load(),
		"compactions":       m.compactions.Load(),
		"compaction_errors": m.compactionErrors.Load(),
		"corruptions":       m.corruptions.Load(),
	}
}
