// Package config loads and persists the node's TOML configuration file,
// the ambient settings layer sitting above SeedingManager's own persisted
// policy (spec.md §4.5 config is separate: this package owns process-level
// settings like listen address and data directory).
package config

import (
	"fmt"
	"os"

	"github.com/naoina/toml"

	"github.com/ayooooo123/peartube-sub004/params"
)

// Config is the top-level node configuration (spec.md §6 persistent state
// "identity" / "seeding-config" entries live per-component; this struct is
// the process bootstrap config read before any component starts).
type Config struct {
	DataDir             string `toml:"datadir"`
	ListenAddr          string `toml:"listenAddr"`
	ControlPlaneAddr    string `toml:"controlPlaneAddr"`
	MaxConcurrentBlocks int64  `toml:"maxConcurrentBlocks"`
	BlobCacheBytes      int    `toml:"blobCacheBytes"`
	MaxStorageGB        int    `toml:"maxStorageGB"`
	Verbosity           string `toml:"verbosity"`
}

// Default returns the configuration a freshly-initialised node starts
// with, mirroring SeedingManager's own defaults (spec.md §4.5 init())
// where the two overlap.
func Default() Config {
	return Config{
		DataDir:             "./peartube-data",
		ListenAddr:          "0.0.0.0:0",
		ControlPlaneAddr:    "127.0.0.1:8745",
		MaxConcurrentBlocks: 8,
		BlobCacheBytes:      32 << 20,
		MaxStorageGB:        params.DefaultMaxStorageGB,
		Verbosity:           "info",
	}
}

// Load reads a TOML config file at path, falling back to Default() values
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating or truncating the file.
func Save(path string, cfg Config) error {
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
