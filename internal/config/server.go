package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the optional server-side TOML configuration file.
// CLI flags override any value set here.
type ServerConfig struct {
	Port        int    `toml:"port"`
	StorageRoot string `toml:"storage_root"`
	LogLevel    string `toml:"log_level"`
	LogFile     string `toml:"log_file"`
}

// LoadServer reads and parses a server configuration file, rejecting
// unknown keys so typos fail loudly at startup.
func LoadServer(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg ServerConfig

	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	return &cfg, nil
}
