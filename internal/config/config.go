// Package config loads the kernel harness's TOML configuration: page
// size, frame count, heap size, cluster membership, and timer tick
// interval.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration document.
type Config struct {
	Memory  MemoryConfig  `toml:"memory"`
	Cluster ClusterConfig `toml:"cluster"`
	Timer   TimerConfig   `toml:"timer"`
	SYPAS   SYPASConfig   `toml:"sypas"`
}

// MemoryConfig sizes the page allocator and heap.
type MemoryConfig struct {
	PageSize  int `toml:"page_size"`
	NumFrames int `toml:"num_frames"`
	HeapSize  int `toml:"heap_size"`
}

// ClusterConfig names this node and its Raft peers.
type ClusterConfig struct {
	Self    string   `toml:"self"`
	Peers   []string `toml:"peers"`
	DataDir string   `toml:"data_dir"`
}

// TimerConfig controls the tick driver and Raft timing parameters.
type TimerConfig struct {
	TickIntervalMs       uint64 `toml:"tick_interval_ms"`
	ElectionTimeoutMinMs uint64 `toml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs uint64 `toml:"election_timeout_max_ms"`
	HeartbeatIntervalMs  uint64 `toml:"heartbeat_interval_ms"`
}

// SYPASConfig selects the authorization enforcement mode at boot.
type SYPASConfig struct {
	Mode string `toml:"mode"` // "permissive" | "auditing" | "enforcing"
}

// Default returns the configuration used when no file is supplied,
// sized for a small single-node development instance.
func Default() Config {
	return Config{
		Memory: MemoryConfig{
			PageSize:  4096,
			NumFrames: 4096,
			HeapSize:  16 * 1024 * 1024,
		},
		Cluster: ClusterConfig{
			Self:    "node1",
			DataDir: "./data",
		},
		Timer: TimerConfig{
			TickIntervalMs:       10,
			ElectionTimeoutMinMs: 150,
			ElectionTimeoutMaxMs: 300,
			HeartbeatIntervalMs:  50,
		},
		SYPAS: SYPASConfig{Mode: "enforcing"},
	}
}

// Load reads and decodes a TOML configuration file at path, starting
// from Default() so a partial file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the kernel harness
// impossible to boot correctly.
func (c Config) Validate() error {
	if c.Memory.PageSize <= 0 || c.Memory.PageSize&(c.Memory.PageSize-1) != 0 {
		return fmt.Errorf("config: page_size must be a positive power of two, got %d", c.Memory.PageSize)
	}
	if c.Memory.NumFrames <= 0 {
		return fmt.Errorf("config: num_frames must be positive, got %d", c.Memory.NumFrames)
	}
	if c.Memory.HeapSize <= 0 {
		return fmt.Errorf("config: heap_size must be positive, got %d", c.Memory.HeapSize)
	}
	if c.Cluster.Self == "" {
		return fmt.Errorf("config: cluster.self must not be empty")
	}
	if c.Timer.ElectionTimeoutMinMs == 0 || c.Timer.ElectionTimeoutMaxMs < c.Timer.ElectionTimeoutMinMs {
		return fmt.Errorf("config: election_timeout_min_ms/max_ms are inconsistent")
	}
	switch c.SYPAS.Mode {
	case "permissive", "auditing", "enforcing":
	default:
		return fmt.Errorf("config: sypas.mode must be one of permissive/auditing/enforcing, got %q", c.SYPAS.Mode)
	}
	return nil
}

// TickInterval returns the configured tick interval as a time.Duration.
func (t TimerConfig) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}
