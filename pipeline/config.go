package pipeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config carries every knob supplied at pipeline construction time. Nothing
// here changes mid-run.
type Config struct {
	// FXRate converts Amount into AmountUSD.
	FXRate float64
	// SignificanceThreshold drops records with Amount at or below it.
	SignificanceThreshold float64
	// HighValueThreshold classifies records with Amount strictly above it as
	// high-value.
	HighValueThreshold float64

	// WindowSize is the fixed window width for the optional aggregation
	// output.
	WindowSize time.Duration
	// AllowedLateness enables the late-record policy for aggregation when
	// >= 0. Negative disables it (every record is accepted).
	AllowedLateness time.Duration

	// ShardMaxItems and ShardMaxBytes bound one output shard. Zero disables
	// the respective limit; they must not both be zero.
	ShardMaxItems int
	ShardMaxBytes int64

	// FlushWorkers bounds concurrent shard flushes.
	FlushWorkers int
}

var DefaultConfig = Config{
	FXRate:                1.0,
	SignificanceThreshold: 100,
	HighValueThreshold:    500,
	WindowSize:            time.Minute,
	AllowedLateness:       -1,
	ShardMaxItems:         50_000,
	ShardMaxBytes:         4 * 1024 * 1024,
	FlushWorkers:          1,
}

func (c Config) Validate() error {
	if c.FXRate <= 0 {
		return errors.New("FXRate must be > 0")
	}
	if c.SignificanceThreshold < 0 {
		return errors.New("SignificanceThreshold must be >= 0")
	}
	if c.HighValueThreshold < 0 {
		return errors.New("HighValueThreshold must be >= 0")
	}
	if c.WindowSize <= 0 {
		return errors.New("WindowSize must be > 0")
	}
	if c.ShardMaxItems < 0 || c.ShardMaxBytes < 0 {
		return errors.New("shard limits must be >= 0")
	}
	if c.ShardMaxItems == 0 && c.ShardMaxBytes == 0 {
		return errors.New("at least one shard limit must be set")
	}
	if c.FlushWorkers < 1 {
		return errors.New("FlushWorkers must be >= 1")
	}
	return nil
}

// fileConfig is the YAML shape. Unset keys keep their defaults; durations are
// Go duration strings.
type fileConfig struct {
	FXRate                *float64 `yaml:"fx_rate"`
	SignificanceThreshold *float64 `yaml:"significance_threshold"`
	HighValueThreshold    *float64 `yaml:"high_value_threshold"`
	WindowSize            string   `yaml:"window_size"`
	AllowedLateness       string   `yaml:"allowed_lateness"`
	ShardMaxItems         *int     `yaml:"shard_max_items"`
	ShardMaxBytes         *int64   `yaml:"shard_max_bytes"`
	FlushWorkers          *int     `yaml:"flush_workers"`
}

// LoadConfig reads a YAML config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig
	if fc.FXRate != nil {
		cfg.FXRate = *fc.FXRate
	}
	if fc.SignificanceThreshold != nil {
		cfg.SignificanceThreshold = *fc.SignificanceThreshold
	}
	if fc.HighValueThreshold != nil {
		cfg.HighValueThreshold = *fc.HighValueThreshold
	}
	if fc.WindowSize != "" {
		d, err := time.ParseDuration(fc.WindowSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse window_size: %w", err)
		}
		cfg.WindowSize = d
	}
	if fc.AllowedLateness != "" {
		d, err := time.ParseDuration(fc.AllowedLateness)
		if err != nil {
			return Config{}, fmt.Errorf("parse allowed_lateness: %w", err)
		}
		cfg.AllowedLateness = d
	}
	if fc.ShardMaxItems != nil {
		cfg.ShardMaxItems = *fc.ShardMaxItems
	}
	if fc.ShardMaxBytes != nil {
		cfg.ShardMaxBytes = *fc.ShardMaxBytes
	}
	if fc.FlushWorkers != nil {
		cfg.FlushWorkers = *fc.FlushWorkers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
