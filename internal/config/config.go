// Package config wraps the viper configuration singleton for the decomp CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// StateDirName is the per-project state directory, found by walking up from CWD.
const StateDirName = ".decomp"

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
//
// Precedence: project .decomp/config.yaml > ~/.config/decomp/config.yaml,
// with DECOMP_-prefixed environment variables overriding both.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD to find the project .decomp/config.yaml so commands
	// work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, StateDirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/decomp/config.yaml)
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "decomp", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. DECOMP_DB, DECOMP_JSON, DECOMP_SCRATCH_URL, DECOMP_AGENT_TOKEN.
	v.SetEnvPrefix("DECOMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("json", false)
	v.SetDefault("no-daemon", false)
	v.SetDefault("db", "")
	v.SetDefault("agent-id", "")

	// Orchestrator detection: the process-ancestor walk looks for a command
	// containing this token.
	v.SetDefault("agent-token", "claude")

	// Remote scratch service.
	v.SetDefault("scratch.url", "")
	v.SetDefault("scratch.candidates", []string{
		"http://127.0.0.1:8000",
		"https://decomp.me",
	})
	v.SetDefault("scratch.platform", "gc_wii")
	v.SetDefault("scratch.compiler", "mwcc_233_163e")
	v.SetDefault("scratch.preset", "")
	v.SetDefault("scratch.http-timeout", "30s")
	v.SetDefault("scratch.retries", 3)
	v.SetDefault("scratch.url-cache-ttl", "1h")

	// Workflow policy.
	v.SetDefault("claim.ttl", "1h")
	v.SetDefault("match.threshold", 95.0)
	v.SetDefault("broken-build.threshold", 3)

	// External process timeouts.
	v.SetDefault("ninja.timeout", "120s")
	v.SetDefault("git.timeout", "30s")
	v.SetDefault("cpp.timeout", "30s")

	// Project artifact paths, relative to the resolved worktree root.
	v.SetDefault("project.src", "src")
	v.SetDefault("project.splits", "build/GALE01/splits.json")
	v.SetDefault("project.symbols", "config/GALE01/symbols.txt")
	v.SetDefault("project.report", "build/GALE01/report.json")
	v.SetDefault("project.build-config", "configure.py")
	v.SetDefault("project.ctx-dir", "build/GALE01/ctx")
	v.SetDefault("project.asm-dir", "build/GALE01/asm")
	v.SetDefault("project.obj-dir", "build/GALE01/obj")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

// FindStateDir walks up from the given directory looking for .decomp/.
// Returns the absolute path of the state directory or "" if none is found.
func FindStateDir(from string) string {
	dir := from
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return ""
		}
	}
	for ; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return candidate
			}
			return abs
		}
	}
	return ""
}

// UserDir returns ~/.config/decomp, creating it if needed.
// Per-agent files (cookies, tokens, match-history cache) live here.
func UserDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	dir := filepath.Join(configDir, "decomp")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat retrieves a float configuration value.
func GetFloat(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// Set overrides a configuration value (used for flag precedence).
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}
