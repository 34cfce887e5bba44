package events

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bibliostore/srs/internal/config"
	"github.com/bibliostore/srs/internal/records"
)

// Default topic names and idempotency key prefixes.
const (
	DefaultChunkTopic     = "DI_RAW_RECORDS_CHUNK_PARSED"
	DefaultInstanceTopic  = "DI_INVENTORY_INSTANCE_CREATED"
	DefaultQuickMarcTopic = "QM_RECORD_UPDATED"

	chunkKeyPrefix     = "chunk"
	instanceKeyPrefix  = "instance"
	quickMarcKeyPrefix = "quickmarc"
)

// DefaultConfigPath is the default location for the consumer configuration file.
const DefaultConfigPath = ".srs.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "SRS_CONFIG_PATH"

type (
	// Config holds the consumer configuration loaded from .srs.yaml.
	Config struct {
		Topics Topics `yaml:"topics"`
	}

	// Topics names the Kafka topic of each event kind.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Topics struct {
		Chunk     string `yaml:"parsed_records_chunk"`
		Instance  string `yaml:"instance_created"`
		QuickMarc string `yaml:"quick_marc_updated"`
	}
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{Topics: Topics{
		Chunk:     DefaultChunkTopic,
		Instance:  DefaultInstanceTopic,
		QuickMarc: DefaultQuickMarcTopic,
	}}
}

// LoadConfig loads the consumer configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns the default config (not error) if the file doesn't exist
//   - Returns the default config + logs warning if YAML is invalid (graceful degradation)
//   - Topics missing from the file keep their default names
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, using default topics", slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, using default topics",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		slog.Warn("Failed to parse config file, using default topics",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	if fileCfg.Topics.Chunk != "" {
		cfg.Topics.Chunk = fileCfg.Topics.Chunk
	}

	if fileCfg.Topics.Instance != "" {
		cfg.Topics.Instance = fileCfg.Topics.Instance
	}

	if fileCfg.Topics.QuickMarc != "" {
		cfg.Topics.QuickMarc = fileCfg.Topics.QuickMarc
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in SRS_CONFIG_PATH
// environment variable. Falls back to ".srs.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

// Routes binds every configured topic to its handler over store.
func (c *Config) Routes(store records.RecordStore, logger *slog.Logger) []Route {
	return []Route{
		{Topic: c.Topics.Chunk, KeyPrefix: chunkKeyPrefix, Handler: NewChunkHandler(store, logger)},
		{Topic: c.Topics.Instance, KeyPrefix: instanceKeyPrefix, Handler: NewInstanceHandler(store, logger)},
		{Topic: c.Topics.QuickMarc, KeyPrefix: quickMarcKeyPrefix, Handler: NewQuickMarcHandler(store, logger)},
	}
}
