// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

// EnvConfig names the environment variable consulted by [Load] for
// the configuration file path.
const EnvConfig = "NMPROXY_CONFIG"

// EnvSocket names the environment variable that overrides the
// configured socket path. Both the daemon and the CLI honor it; an
// explicit --socket flag beats it.
const EnvSocket = "NMPROXY_SOCKET"

// Config is the daemon configuration.
type Config struct {
	// Socket is the path of the Unix socket the daemon listens on.
	Socket string `yaml:"socket"`

	// LogLevel selects the minimum level the daemon logs at:
	// debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// SearchPaths overrides the built-in manifest search
	// directories per browser ecosystem. An empty list keeps that
	// ecosystem's defaults.
	SearchPaths SearchPathsConfig `yaml:"search_paths"`
}

// SearchPathsConfig lists manifest directories per browser ecosystem,
// most trusted first.
type SearchPathsConfig struct {
	Chromium []string `yaml:"chromium"`
	Mozilla  []string `yaml:"mozilla"`
}

// Default returns a Config with working defaults: the conventional
// socket location, info-level logging, and the built-in manifest
// search directories.
func Default() *Config {
	return &Config{
		Socket:   DefaultSocketPath(),
		LogLevel: "info",
	}
}

// DefaultSocketPath returns the conventional daemon socket location:
// the service name under $XDG_RUNTIME_DIR, falling back to a per-UID
// path under /tmp when no runtime directory is available.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, wire.ServiceName+".sock")
	}
	return filepath.Join("/tmp", fmt.Sprintf("%s-%d.sock", wire.ServiceName, os.Getuid()))
}

// Load reads configuration from the file named by NMPROXY_CONFIG.
// The variable is optional; when it is unset Load returns [Default].
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		return Default(), nil
	}

	return LoadFile(configPath)
}

// LoadFile reads configuration from the given YAML file. Fields the
// file omits keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in all
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}

	c.Socket = expandVars(c.Socket, vars)
	for i, dir := range c.SearchPaths.Chromium {
		c.SearchPaths.Chromium[i] = expandVars(dir, vars)
	}
	for i, dir := range c.SearchPaths.Mozilla {
		c.SearchPaths.Mozilla[i] = expandVars(dir, vars)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

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

	if c.Socket == "" {
		errs = append(errs, fmt.Errorf("socket is required"))
	}

	levelValues := []string{"debug", "info", "warn", "error"}
	if !contains(levelValues, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", levelValues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Level maps the configured log_level to a slog level. Unrecognized
// values map to info; Validate rejects them.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EffectiveSearchPaths resolves the manifest search directories for
// both browser ecosystems. Precedence, highest first: the
// XNMP_HOST_LOCATIONS environment variable (replaces both lists, even
// when set to the empty string), then the per-ecosystem lists from
// the config file, then the built-in defaults.
func (c *Config) EffectiveSearchPaths() (chromium, mozilla []string, err error) {
	if dirs, ok := manifest.SearchPathsFromEnv(); ok {
		return dirs, dirs, nil
	}

	chromium = c.SearchPaths.Chromium
	if len(chromium) == 0 {
		chromium, err = manifest.DefaultSearchPaths(manifest.Chromium)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving chromium search paths: %w", err)
		}
	}

	mozilla = c.SearchPaths.Mozilla
	if len(mozilla) == 0 {
		mozilla, err = manifest.DefaultSearchPaths(manifest.Mozilla)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving mozilla search paths: %w", err)
		}
	}

	return chromium, mozilla, nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
