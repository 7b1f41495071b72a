// Package config loads this node's recognized configuration options from a
// YAML file using gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"github.com/ironvault/containerraft/pkg/csm"
	"gopkg.in/yaml.v3"
)

// Config is the YAML-loaded shape of the recognized configuration options.
type Config struct {
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`

	// LeaderPendingBytesLimit bounds the State-Machine Data Cache.
	LeaderPendingBytesLimit int64 `yaml:"leader.pending.bytes.limit"`
	// NumContainerOpExecutors sizes the container-op pool.
	NumContainerOpExecutors int `yaml:"numContainerOpExecutors"`
	// MaxPendingApplyTxns bounds the Apply Coordinator's admission semaphore.
	MaxPendingApplyTxns int `yaml:"maxPendingApplyTxns"`
	// WaitOnAllFollowers selects strict (true) vs relaxed (false) cache
	// retention.
	WaitOnAllFollowers bool `yaml:"waitOnAllFollowers"`

	// NumChunkExecutors is N, the Chunk Executor Pool Set size. Not part of
	// the recognized-options table verbatim, but needed to size
	// pkg/csm.Config; defaults match csm.DefaultConfig.
	NumChunkExecutors int `yaml:"numChunkExecutors"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns the recognized options at their csm.DefaultConfig
// values, before any YAML overrides are applied.
func Default() Config {
	d := csm.DefaultConfig()
	return Config{
		LeaderPendingBytesLimit: d.CacheByteLimit,
		NumContainerOpExecutors: d.NumContainerOpExecutors,
		MaxPendingApplyTxns:     d.MaxPendingApplyTxns,
		NumChunkExecutors:       d.NumChunkExecutors,
		WaitOnAllFollowers:      false,
	}
}

// CSMConfig projects the recognized options onto pkg/csm.Config.
func (c Config) CSMConfig() csm.Config {
	return csm.Config{
		NumChunkExecutors:       c.NumChunkExecutors,
		ChunkExecutorQueueDepth: csm.DefaultConfig().ChunkExecutorQueueDepth,
		NumContainerOpExecutors: c.NumContainerOpExecutors,
		MaxPendingApplyTxns:     c.MaxPendingApplyTxns,
		CacheByteLimit:          c.LeaderPendingBytesLimit,
		WaitOnAllFollowers:      c.WaitOnAllFollowers,
	}
}
