// Package config loads and resolves the client's YAML configuration:
// the server URL, the client identity, per-directory settings, and the
// default block they inherit from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSyncInterval applies when neither the directory nor the
// default block sets sync_interval_seconds.
const DefaultSyncInterval = 30 * time.Second

// Settings is the optional per-directory block. Nil fields inherit
// from the default block; ignore patterns concatenate instead.
type Settings struct {
	Description  *string  `yaml:"description"`
	Shared       *bool    `yaml:"shared"`
	SyncInterval *int64   `yaml:"sync_interval_seconds"`
	Enabled      *bool    `yaml:"enabled"`
	Ignore       []string `yaml:"ignore_patterns"`
	WatchServer  *bool    `yaml:"watch_server"`
}

// Directory is one configured sync directory.
type Directory struct {
	Name      string    `yaml:"name"`
	LocalPath string    `yaml:"local_path"`
	Settings  *Settings `yaml:"settings"`
}

// Config is the full client configuration file.
type Config struct {
	ClientID    string      `yaml:"client_id"`
	Server      string      `yaml:"server"`
	Default     *Settings   `yaml:"default"`
	Directories []Directory `yaml:"directories"`
}

// ResolvedDirectory is a directory with all defaults applied and its
// local path expanded.
type ResolvedDirectory struct {
	Name           string
	LocalPath      string
	Description    string
	Shared         bool
	Enabled        bool
	SyncInterval   time.Duration
	IgnorePatterns []string
	WatchServer    bool
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate collects every problem before failing, so one config read
// reports all mistakes.
func (c *Config) validate() error {
	var problems []string

	if c.ClientID == "" {
		problems = append(problems, "client_id is required")
	}

	if c.Server == "" {
		problems = append(problems, "server is required")
	}

	if len(c.Directories) == 0 {
		problems = append(problems, "at least one directory is required")
	}

	seen := make(map[string]bool)

	for i, d := range c.Directories {
		if d.Name == "" {
			problems = append(problems, fmt.Sprintf("directories[%d]: name is required", i))
		}

		if d.LocalPath == "" {
			problems = append(problems, fmt.Sprintf("directories[%d]: local_path is required", i))
		}

		if seen[d.Name] {
			problems = append(problems, fmt.Sprintf("directories[%d]: duplicate name %q", i, d.Name))
		}

		seen[d.Name] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}

// Resolve applies the default block to every directory and expands
// local paths.
func (c *Config) Resolve() ([]ResolvedDirectory, error) {
	resolved := make([]ResolvedDirectory, 0, len(c.Directories))

	for _, d := range c.Directories {
		rd, err := c.resolveOne(d)
		if err != nil {
			return nil, err
		}

		resolved = append(resolved, rd)
	}

	return resolved, nil
}

func (c *Config) resolveOne(d Directory) (ResolvedDirectory, error) {
	localPath, err := ExpandPath(d.LocalPath)
	if err != nil {
		return ResolvedDirectory{}, fmt.Errorf("config: directory %q: %w", d.Name, err)
	}

	rd := ResolvedDirectory{
		Name:         d.Name,
		LocalPath:    localPath,
		Enabled:      true,
		SyncInterval: DefaultSyncInterval,
		WatchServer:  true,
	}

	// Default block first, directory settings override.
	for _, s := range []*Settings{c.Default, d.Settings} {
		if s == nil {
			continue
		}

		if s.Description != nil {
			rd.Description = *s.Description
		}

		if s.Shared != nil {
			rd.Shared = *s.Shared
		}

		if s.Enabled != nil {
			rd.Enabled = *s.Enabled
		}

		if s.SyncInterval != nil {
			rd.SyncInterval = time.Duration(*s.SyncInterval) * time.Second
		}

		if s.WatchServer != nil {
			rd.WatchServer = *s.WatchServer
		}
	}

	rd.IgnorePatterns = mergePatterns(c.Default, d.Settings)

	return rd, nil
}

// mergePatterns concatenates default patterns then directory patterns,
// dropping duplicates while preserving first-seen order.
func mergePatterns(defaults, settings *Settings) []string {
	var merged []string

	seen := make(map[string]bool)

	for _, s := range []*Settings{defaults, settings} {
		if s == nil {
			continue
		}

		for _, p := range s.Ignore {
			if seen[p] {
				continue
			}

			seen[p] = true
			merged = append(merged, p)
		}
	}

	return merged
}

// ExpandPath resolves a leading "~" or "~/" to the user's home
// directory; all other paths pass through untouched.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
