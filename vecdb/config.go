package vecdb

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viant/sqlite-ann/engine"
	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/internal/logging"
	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/store"
	"github.com/viant/sqlite-ann/vector"
)

// Config describes a database and the defaults of collections created in it.
type Config struct {
	Storage     Storage          `yaml:"storage"`
	Index       IndexDefaults    `yaml:"index"`
	Planner     planner.Options  `yaml:"planner"`
	Maintenance Maintenance      `yaml:"maintenance"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Log         logging.Config   `yaml:"log"`
	Lease       Lease            `yaml:"lease"`
	SQL         SQL              `yaml:"sql"`
}

// Storage configures the SQLite file.
type Storage struct {
	Path string `yaml:"path"`
	// Synchronous is "FULL" (every commit fsynced) or "NORMAL".
	Synchronous  string        `yaml:"synchronous"`
	BusyTimeout  time.Duration `yaml:"busyTimeout"`
	MaxOpenConns int           `yaml:"maxOpenConns"`
}

// IndexDefaults apply to collections created without explicit options.
type IndexDefaults struct {
	Family string       `yaml:"family"`
	Metric string       `yaml:"metric"`
	Params index.Params `yaml:"params"`
}

// Maintenance configures background checkpoints and compaction.
type Maintenance struct {
	Workers         int64   `yaml:"workers"`
	Rate            float64 `yaml:"rate"`
	CheckpointEvery int     `yaml:"checkpointEvery"`
	CompactRatio    float64 `yaml:"compactRatio"`
	CompactBatch    int     `yaml:"compactBatch"`
}

type CheckpointConfig struct {
	Codec string `yaml:"codec"`
}

// Lease guards the database against a second writer process.
type Lease struct {
	Enabled bool          `yaml:"enabled"`
	Stale   time.Duration `yaml:"stale"`
	Wait    time.Duration `yaml:"wait"`
}

// SQL names the virtual table modules bound to the database. The driver
// creates a module on one connection per process, so a name serves a single
// database for the life of the process. Disabled opens the database without
// the modules.
type SQL struct {
	Disabled    bool   `yaml:"disabled"`
	Module      string `yaml:"module"`
	AdminModule string `yaml:"adminModule"`
}

// DefaultConfig returns a working configuration for the database file at path.
func DefaultConfig(path string) Config {
	eng := engine.DefaultOptions()
	return Config{
		Storage: Storage{
			Path:         path,
			Synchronous:  eng.Synchronous,
			BusyTimeout:  eng.BusyTimeout,
			MaxOpenConns: eng.MaxOpenConns,
		},
		Index:   IndexDefaults{Family: string(index.FamilyHNSW), Metric: string(vector.MetricCosine), Params: index.DefaultParams()},
		Planner: planner.DefaultOptions(),
		Maintenance: Maintenance{
			Workers:         2,
			Rate:            10,
			CheckpointEvery: 10000,
			CompactRatio:    0.2,
			CompactBatch:    256,
		},
		Checkpoint: CheckpointConfig{Codec: store.CodecZstd.String()},
		Log:        logging.Config{Level: "info", Format: "text"},
		Lease:      Lease{Stale: 30 * time.Second, Wait: 5 * time.Second},
		SQL:        SQL{Module: "ann", AdminModule: "ann_admin"},
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vecdb: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config: %v", vector.ErrInvalidRequest, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Storage.Path == "" {
		return vector.Invalidf("storage.path is required")
	}
	if _, err := index.ParseFamily(c.Index.Family); err != nil {
		return err
	}
	if _, err := vector.ParseMetric(c.Index.Metric); err != nil {
		return err
	}
	if err := c.Index.Params.Validate(); err != nil {
		return err
	}
	if _, err := store.ParseCodec(c.Checkpoint.Codec); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return vector.Invalidf("log.level: %v", err)
	}
	if c.Maintenance.CompactRatio < 0 || c.Maintenance.CompactRatio > 1 {
		return vector.Invalidf("maintenance.compactRatio must be within [0,1], got %v", c.Maintenance.CompactRatio)
	}
	if !c.SQL.Disabled {
		if c.SQL.Module == "" || c.SQL.AdminModule == "" {
			return vector.Invalidf("sql.module and sql.adminModule are required unless sql.disabled is set")
		}
		if c.SQL.Module == c.SQL.AdminModule {
			return vector.Invalidf("sql.module and sql.adminModule must differ, both are %q", c.SQL.Module)
		}
	}
	if c.Planner.ExactThreshold < 0 || c.Planner.OverFetch < 0 || c.Planner.MaxRetries < 0 {
		return vector.Invalidf("planner options must not be negative")
	}
	return nil
}

func (c Config) engineOptions() engine.Options {
	return engine.Options{
		Synchronous:  c.Storage.Synchronous,
		BusyTimeout:  c.Storage.BusyTimeout,
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
}
