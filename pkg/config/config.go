// Package config provides configuration loading for the storage engine.
// Configuration comes from a YAML file with ${ENV} substitution plus a set
// of recognised environment knobs that override file values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tundradb/tundra/pkg/errors"
)

// Environment knobs recognised by the engine. Failure hooks are test-only.
const (
	EnvBackend          = "TUNDRA_BACKEND"
	EnvRootPath         = "TUNDRA_ROOT"
	EnvPoolSize         = "TUNDRA_POOL_SIZE"
	EnvReadParallelism  = "TUNDRA_READ_PARALLELISM"
	EnvWriteParallelism = "TUNDRA_WRITE_PARALLELISM"
	EnvLogLevel         = "TUNDRA_LOG_LEVEL"
	EnvFailRead         = "TUNDRA_FAIL_READ"
	EnvFailWrite        = "TUNDRA_FAIL_WRITE"
	EnvFailDelete       = "TUNDRA_FAIL_DELETE"
)

// Config is the top-level engine configuration
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Write   WriteConfig   `yaml:"write"`
	Read    ReadConfig    `yaml:"read"`
	Version VersionConfig `yaml:"version"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig selects and parameterises the storage backend
type BackendConfig struct {
	// Kind is one of: fs, memory, s3, azure, mongo, bolt
	Kind string `yaml:"kind"`
	// Root is the filesystem root, bolt file path, or object-store prefix
	Root string `yaml:"root"`
	// Bucket is the S3 bucket or Azure container
	Bucket string `yaml:"bucket"`
	// Region is the S3 region
	Region string `yaml:"region"`
	// URI is the Mongo connection string or Azure service URL
	URI string `yaml:"uri"`
	// Database is the Mongo database name
	Database string `yaml:"database"`
	// CredentialsURL is an optional token service issuing short-lived
	// object-store credentials; empty means the SDK default chain
	CredentialsURL string `yaml:"credentials_url"`
	// CredentialsKey authenticates against the token service
	CredentialsKey string `yaml:"credentials_key"`
	// PoolSize bounds pooled backend connections
	PoolSize int `yaml:"pool_size"`
	// RetryBudget bounds transient-error retries per call
	RetryBudget int `yaml:"retry_budget"`
	// RetryBaseDelay seeds the exponential backoff
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// WriteConfig controls the frame slicer
type WriteConfig struct {
	// RowSliceSize is the row tiling factor R
	RowSliceSize int `yaml:"row_slice_size"`
	// ColSliceSize is the column tiling factor K
	ColSliceSize int `yaml:"col_slice_size"`
	// Parallelism caps concurrent tile encodes and puts
	Parallelism int `yaml:"parallelism"`
	// CASRetries bounds version-ref replace attempts before Conflict
	CASRetries int `yaml:"cas_retries"`
}

// ReadConfig controls the pipeline executor
type ReadConfig struct {
	// Workers is the executor pool size (0 = NumCPU)
	Workers int `yaml:"workers"`
	// HighWaterMark bounds in-flight processing units per stage
	HighWaterMark int `yaml:"high_water_mark"`
	// DynamicSchema materialises nulls for columns absent from some slices
	DynamicSchema bool `yaml:"dynamic_schema"`
}

// VersionConfig controls the version index
type VersionConfig struct {
	// RefCacheTTL is how long a cached version ref is considered fresh
	RefCacheTTL time.Duration `yaml:"ref_cache_ttl"`
	// GCGracePeriod protects recently orphaned keys from collection
	GCGracePeriod time.Duration `yaml:"gc_grace_period"`
}

// LoggingConfig mirrors the logger package configuration
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the engine defaults
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:           "memory",
			PoolSize:       8,
			RetryBudget:    5,
			RetryBaseDelay: 50 * time.Millisecond,
		},
		Write: WriteConfig{
			RowSliceSize: 100_000,
			ColSliceSize: 127,
			Parallelism:  8,
			CASRetries:   10,
		},
		Read: ReadConfig{
			Workers:       0,
			HighWaterMark: 64,
			DynamicSchema: false,
		},
		Version: VersionConfig{
			RefCacheTTL:   500 * time.Millisecond,
			GCGracePeriod: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load loads configuration from a YAML file, applying defaults first and
// environment overrides last.
func Load(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path is caller-controlled
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
		}
		content := substituteEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Write.RowSliceSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "row_slice_size must be positive")
	}
	if c.Write.ColSliceSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "col_slice_size must be positive")
	}
	if c.Write.CASRetries <= 0 {
		return errors.New(errors.ErrorTypeConfig, "cas_retries must be positive")
	}
	if c.Read.HighWaterMark <= 0 {
		return errors.New(errors.ErrorTypeConfig, "high_water_mark must be positive")
	}
	switch c.Backend.Kind {
	case "fs", "memory", "s3", "azure", "mongo", "bolt":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown backend kind %q", c.Backend.Kind)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend.Kind = v
	}
	if v := os.Getenv(EnvRootPath); v != "" {
		c.Backend.Root = v
	}
	if v, ok := envInt(EnvPoolSize); ok {
		c.Backend.PoolSize = v
	}
	if v, ok := envInt(EnvReadParallelism); ok {
		c.Read.Workers = v
	}
	if v, ok := envInt(EnvWriteParallelism); ok {
		c.Write.Parallelism = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
