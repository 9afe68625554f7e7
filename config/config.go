// Package config defines the on-disk configuration for all three node
// kinds. One file carries the gateway, shard and queue sections; a node only
// reads the section for the role it is started as. Values can be overridden
// from the environment with SHOAL_-prefixed variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	log "github.com/sirupsen/logrus"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("30s", "1m") in JSON and in environment overrides.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type GatewayConfig struct {
	ListenAddress     string            `json:"listen_address" envconfig:"GATEWAY_LISTEN_ADDRESS"`
	SnapshotPath      string            `json:"snapshot_path" envconfig:"GATEWAY_SNAPSHOT_PATH"`
	ChunkSize         int64             `json:"chunk_size" envconfig:"GATEWAY_CHUNK_SIZE"`
	Shards            []string          `json:"shards" envconfig:"GATEWAY_SHARDS"`
	RequestTimeout    Duration          `json:"request_timeout" envconfig:"GATEWAY_REQUEST_TIMEOUT"`
	MaxParallelChunks int               `json:"max_parallel_chunks" envconfig:"GATEWAY_MAX_PARALLEL_CHUNKS"`
	Users             map[string]string `json:"users"`
}

type ShardConfig struct {
	ListenAddress  string   `json:"listen_address" envconfig:"SHARD_LISTEN_ADDRESS"`
	DataPath       string   `json:"data_path" envconfig:"SHARD_DATA_PATH"`
	Role           string   `json:"role" envconfig:"SHARD_ROLE"`
	Replication    string   `json:"replication" envconfig:"SHARD_REPLICATION"`
	BackupAddress  string   `json:"backup_address" envconfig:"SHARD_BACKUP_ADDRESS"`
	QueueAddress   string   `json:"queue_address" envconfig:"SHARD_QUEUE_ADDRESS"`
	Channel        string   `json:"channel" envconfig:"SHARD_CHANNEL"`
	PollInterval   Duration `json:"poll_interval" envconfig:"SHARD_POLL_INTERVAL"`
	PollBatch      int      `json:"poll_batch" envconfig:"SHARD_POLL_BATCH"`
	RequestTimeout Duration `json:"request_timeout" envconfig:"SHARD_REQUEST_TIMEOUT"`
}

type QueueConfig struct {
	ListenAddress string   `json:"listen_address" envconfig:"QUEUE_LISTEN_ADDRESS"`
	StorePath     string   `json:"store_path" envconfig:"QUEUE_STORE_PATH"`
	Lease         Duration `json:"lease" envconfig:"QUEUE_LEASE"`
}

type Config struct {
	configFile string // file this config was loaded from

	Gateway GatewayConfig `json:"gateway"`
	Shard   ShardConfig   `json:"shard"`
	Queue   QueueConfig   `json:"queue"`
}

// NewEmptyConfig returns a config with workable defaults for a single-box
// setup: one gateway, one primary/backup shard pair and one queue.
func NewEmptyConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddress:     "127.0.0.1:8080",
			SnapshotPath:      "data/catalog.json",
			ChunkSize:         1 << 20,
			Shards:            []string{"127.0.0.1:9001"},
			RequestTimeout:    Duration(10 * time.Second),
			MaxParallelChunks: 4,
			Users:             map[string]string{"admin": "admin"},
		},
		Shard: ShardConfig{
			ListenAddress:  "127.0.0.1:9001",
			DataPath:       "data/chunks",
			Role:           "primary",
			Replication:    "none",
			Channel:        "pair-1",
			PollInterval:   Duration(5 * time.Second),
			PollBatch:      16,
			RequestTimeout: Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			ListenAddress: "127.0.0.1:9100",
			StorePath:     "data/jobs",
			Lease:         Duration(30 * time.Second),
		},
	}
}

// NewConfigFromFile loads the config from a JSON file and applies
// SHOAL_-prefixed environment overrides on top.
func NewConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := NewEmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.configFile = path

	if err := envconfig.Process("shoal", cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	log.Debugf("config: loaded %s", path)
	return cfg, nil
}

// Save writes the config to the given file, pretty-printed.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	c.configFile = path
	return nil
}

// File returns the path this config was loaded from or saved to.
func (c *Config) File() string {
	return c.configFile
}
