package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/nconghau/lsmkv/internal/lsm"
	"github.com/pkg/errors"
)

// EnvDir overrides DB.Dir when set.
const EnvDir = "LSMKV_DIR"

type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	DB     DBConfig     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type DBConfig struct {
	Dir                  string         `yaml:"dir"`
	SyncWrites           bool           `yaml:"sync_writes"`
	BackgroundCompaction bool           `yaml:"background_compaction"`
	Memtable             MemtableConfig `yaml:"memtable"`
	Levels               LevelsConfig   `yaml:"levels"`
	Cache                CacheConfig    `yaml:"cache"`
	BloomFilter          BloomConfig    `yaml:"bloom_filter"`
}

type MemtableConfig struct {
	FlushThreshold int `yaml:"flush_threshold"`
}

type LevelsConfig struct {
	Thresholds []int `yaml:"thresholds"`
	MergeCount int   `yaml:"merge_count"`
}

type CacheConfig struct {
	Capacity   int `yaml:"capacity"`
	EvictBatch int `yaml:"evict_batch"`
}

type BloomConfig struct {
	BitsPerKey int `yaml:"bits_per_key"`
	HashCount  int `yaml:"hash_count"`
}

// Default returns a baseline development config.
func Default() Config {
	o := lsm.DefaultOptions()
	return Config{
		Logger: LoggerConfig{Level: "INFO"},
		DB: DBConfig{
			Dir:        "./data",
			SyncWrites: o.SyncWrites,
			Memtable:   MemtableConfig{FlushThreshold: o.MemTableThreshold},
			Levels: LevelsConfig{
				Thresholds: o.LevelThresholds,
				MergeCount: o.MergeCount,
			},
			Cache: CacheConfig{
				Capacity:   o.CacheCapacity,
				EvictBatch: o.CacheEvictBatch,
			},
			BloomFilter: BloomConfig{
				BitsPerKey: o.BloomBitsPerKey,
				HashCount:  o.BloomHashCount,
			},
		},
	}
}

// Load reads a YAML file over Default. A missing file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("config file not found, using default config", "path", path)
		case err != nil:
			return cfg, errors.Wrap(err, "read config")
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "parse config %s", path)
			}
		}
	}
	if dir := os.Getenv(EnvDir); dir != "" {
		cfg.DB.Dir = dir
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if _, err := c.Logger.level(); err != nil {
		return err
	}
	if c.DB.Dir == "" {
		return errors.New("config: db.dir is required")
	}
	if len(c.DB.Levels.Thresholds) == 0 {
		return errors.New("config: db.levels.thresholds must not be empty")
	}
	// Remaining checks belong to the engine options.
	return c.Options(nil).Validate()
}

func (l LoggerConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return lvl, errors.Errorf("config: unknown logger level %q", l.Level)
	}
	return lvl, nil
}

// Options converts the db section into engine options.
func (c Config) Options(logger *slog.Logger) lsm.Options {
	return lsm.Options{
		MemTableThreshold:    c.DB.Memtable.FlushThreshold,
		LevelThresholds:      append([]int(nil), c.DB.Levels.Thresholds...),
		MergeCount:           c.DB.Levels.MergeCount,
		CacheCapacity:        c.DB.Cache.Capacity,
		CacheEvictBatch:      c.DB.Cache.EvictBatch,
		BloomBitsPerKey:      c.DB.BloomFilter.BitsPerKey,
		BloomHashCount:       c.DB.BloomFilter.HashCount,
		SyncWrites:           c.DB.SyncWrites,
		BackgroundCompaction: c.DB.BackgroundCompaction,
		Logger:               logger,
	}
}

// NewLogger builds a JSON or text slog.Logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := c.Logger.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Logger.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
