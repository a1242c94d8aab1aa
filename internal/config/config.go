// Package config loads the node configuration surface of spec §6: a YAML
// file holding the cluster-shape and tuning knobs, overridable by flags the
// way cmd/server's single-binary deployment model needs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed is one bootstrap peer address, known before the membership layer
// ever contacts it.
type Seed struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	DC   string `yaml:"dc"`
}

// Config is the full configuration surface enumerated in spec §6.
type Config struct {
	NodeID     uint16 `yaml:"node_id"`
	DCTag      string `yaml:"dc_tag"`
	Seeds      []Seed `yaml:"seeds"`
	PublicAddr string `yaml:"public_addr"`
	ListenAddr string `yaml:"listen_addr"` // gRPC peer-to-peer transport (C10)
	HTTPAddr   string `yaml:"http_addr"`   // client-facing Gin API

	AEInterval        time.Duration `yaml:"ae_interval"`
	AEJitter          time.Duration `yaml:"ae_jitter"`
	AEMaxConcurrent   int64         `yaml:"ae_max_concurrent"`
	AEOverlapWindow   time.Duration `yaml:"ae_overlap_window"`
	AEPhaseTimeout    time.Duration `yaml:"ae_phase_timeout"`

	ReplicationFanoutConcurrency int64 `yaml:"replication_fanout_concurrency"`
	BatchChunkSize               int   `yaml:"batch_chunk_size"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	TombstoneGCGrace time.Duration `yaml:"tombstone_gc_grace"`

	DataDir string `yaml:"data_dir"`
}

// Default returns a Config with every knob set to the default implied by
// spec §4.7/§6 ("default tens of seconds", etc), suitable as the base a
// loaded file or flag set is merged on top of.
func Default() Config {
	return Config{
		NodeID:                        1,
		DCTag:                         "dc1",
		ListenAddr:                    ":7000",
		HTTPAddr:                      ":8080",
		PublicAddr:                    "127.0.0.1:7000",
		AEInterval:                    30 * time.Second,
		AEJitter:                      5 * time.Second,
		AEMaxConcurrent:               4,
		AEOverlapWindow:               5 * time.Second,
		AEPhaseTimeout:                10 * time.Second,
		ReplicationFanoutConcurrency:  32,
		BatchChunkSize:                500,
		RequestTimeout:                2 * time.Second,
		TombstoneGCGrace:              10 * time.Minute,
		DataDir:                       "/tmp/datacake",
	}
}

// Load reads a YAML file at path on top of Default, so a config file only
// needs to name the fields it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects a Config that would make the rest of the cluster unable
// to start (spec §9 "Internal" errors are invariant violations; a bad
// config is instead caught here before any of C1-C10 are constructed).
func (c Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("config: node_id must be non-zero")
	}
	if c.DCTag == "" {
		return fmt.Errorf("config: dc_tag must be set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if c.BatchChunkSize <= 0 {
		return fmt.Errorf("config: batch_chunk_size must be positive")
	}
	if c.ReplicationFanoutConcurrency <= 0 {
		return fmt.Errorf("config: replication_fanout_concurrency must be positive")
	}
	if c.AEMaxConcurrent <= 0 {
		return fmt.Errorf("config: ae_max_concurrent must be positive")
	}
	return nil
}
