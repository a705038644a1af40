// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for ranger binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - RANGER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. The
// only expansion performed is ${HOME} and similar path variables for
// portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the ranger server.
type Config struct {
	// Listen configures where the HTTP server accepts connections.
	Listen ListenConfig `yaml:"listen"`

	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Tools configures the external tool names or paths.
	Tools ToolsConfig `yaml:"tools"`

	// Timeout is the post-disconnect grace period in seconds:
	// how long subprocesses may keep draining after the client hangs
	// up before they are force-killed.
	Timeout int `yaml:"timeout"`
}

// ListenConfig configures the listening endpoint. Exactly one of Port
// or Socket is used; a non-empty Socket wins.
type ListenConfig struct {
	// Port is the TCP port to listen on.
	Port int `yaml:"port"`

	// Socket is a Unix socket path to listen on instead of TCP.
	Socket string `yaml:"socket"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// TempDir is the base for per-request temp directories.
	// Default: the OS temp directory.
	TempDir string `yaml:"tempdir"`

	// Catalog is the path of the SQLite catalog database.
	Catalog string `yaml:"catalog"`

	// Bin is a directory searched for tool binaries before PATH.
	// This provides hermetic tool resolution independent of user
	// PATH when set.
	Bin string `yaml:"bin"`
}

// ToolsConfig names the external tools the pipeline composes. Values
// are either bare names (resolved via Paths.Bin, then PATH) or
// absolute paths.
type ToolsConfig struct {
	// Samtools reads, writes, merges, and slices SAM/BAM/CRAM.
	Samtools string `yaml:"samtools"`

	// MarkDuplicates marks PCR/optical duplicates on a stream.
	MarkDuplicates string `yaml:"markduplicates"`

	// VariantCaller emits VCF from an alignment stream.
	VariantCaller string `yaml:"variantcaller"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; every field has a usable
// zero-configuration value so a minimal file only needs to override
// what differs.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Listen: ListenConfig{
			Port: 4567,
		},
		Paths: PathsConfig{
			TempDir: os.TempDir(),
			Catalog: filepath.Join(homeDir, ".cache", "ranger", "catalog.db"),
		},
		Tools: ToolsConfig{
			Samtools:       "samtools",
			MarkDuplicates: "bammarkduplicates2",
			VariantCaller:  "freebayes",
		},
		Timeout: 3,
	}
}

// Load loads configuration from the RANGER_CONFIG environment
// variable. If RANGER_CONFIG is not set, this fails — use LoadFile for
// an explicit path.
func Load() (*Config, error) {
	configPath := os.Getenv("RANGER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("RANGER_CONFIG environment variable not set; " +
			"set it to the path of your ranger.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults. The config file is the single source of truth —
// environment variables do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Listen.Socket = expandVars(c.Listen.Socket, vars)
	c.Paths.TempDir = expandVars(c.Paths.TempDir, vars)
	c.Paths.Catalog = expandVars(c.Paths.Catalog, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Tools.Samtools = expandVars(c.Tools.Samtools, vars)
	c.Tools.MarkDuplicates = expandVars(c.Tools.MarkDuplicates, vars)
	c.Tools.VariantCaller = expandVars(c.Tools.VariantCaller, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Socket == "" && (c.Listen.Port <= 0 || c.Listen.Port > 65535) {
		errs = append(errs, fmt.Errorf("listen.port %d is out of range", c.Listen.Port))
	}
	if c.Paths.Catalog == "" {
		errs = append(errs, fmt.Errorf("paths.catalog is required"))
	}
	if c.Tools.Samtools == "" {
		errs = append(errs, fmt.Errorf("tools.samtools is required"))
	}
	if c.Tools.MarkDuplicates == "" {
		errs = append(errs, fmt.Errorf("tools.markduplicates is required"))
	}
	if c.Tools.VariantCaller == "" {
		errs = append(errs, fmt.Errorf("tools.variantcaller is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %d", c.Timeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// BinaryPath returns the full path to an external tool. Absolute
// paths are returned as-is; bare names are looked up in Paths.Bin
// first, then PATH. This provides hermetic tool resolution when Bin
// is configured.
func (c *Config) BinaryPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("tool %s: %w", name, err)
		}
		return name, nil
	}

	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
