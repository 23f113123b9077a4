// Package config loads sigresolve's runtime configuration from the
// environment into a single immutable struct, resolved once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Fixed pool parameters. These are not environment-overridable per the
// service contract; only CONCURRENCY (via MAX_THREADS) and MESSAGES_LIMIT
// are tunable.
const (
	MaxTaskAge               = 30 * time.Minute
	InFlightTimeout           = 60 * time.Minute
	RecoveryBackoffBase       = 25 * time.Millisecond
	RecoveryBackoffMax        = 5 * time.Second
	RecoveryFailureThreshold  = 5
	PlayerFetchTimeout        = 60 * time.Second
	PlayerFileMaxAge          = 14 * 24 * time.Hour
)

// Config holds all environment-derived configuration for the service.
type Config struct {
	Port string `envconfig:"PORT" default:"8001"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	APIToken string `envconfig:"API_TOKEN" default:""`

	MaxThreads    int `envconfig:"MAX_THREADS" default:"0"`
	MessagesLimit int `envconfig:"MESSAGES_LIMIT" default:"10000"`

	PreprocessedCacheSize int `envconfig:"PREPROCESSED_CACHE_SIZE" default:"150"`
	SolverCacheSize       int `envconfig:"SOLVER_CACHE_SIZE" default:"50"`
	StsCacheSize          int `envconfig:"STS_CACHE_SIZE" default:"150"`

	// IgnoreScriptRegionRaw is parsed loosely (1/true/yes/on, case
	// insensitive) rather than with strconv.ParseBool, per spec.
	IgnoreScriptRegionRaw string `envconfig:"IGNORE_SCRIPT_REGION" default:""`

	// PlayerFetchRPS/PlayerFetchBurst bound outbound fetches of player
	// scripts so a cold cache stampede can't get the service rate-limited
	// by the upstream CDN. Not part of the distilled spec's table; added
	// as an ambient resilience knob.
	PlayerFetchRPS   float64 `envconfig:"PLAYER_FETCH_RPS" default:"5"`
	PlayerFetchBurst int     `envconfig:"PLAYER_FETCH_BURST" default:"10"`

	// EvaluatorPath points at the sigresolve-evaluator binary each worker
	// execs into. Empty means "look next to this executable, then $PATH".
	EvaluatorPath string `envconfig:"EVALUATOR_PATH" default:""`

	XDGCacheHome string `envconfig:"XDG_CACHE_HOME" default:""`
	Home         string `envconfig:"HOME" default:""`
	LocalAppData string `envconfig:"LOCALAPPDATA" default:""`
	UserProfile  string `envconfig:"USERPROFILE" default:""`
	Temp         string `envconfig:"TEMP" default:""`
	Tmp          string `envconfig:"TMP" default:""`
}

// Load reads the process environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// IgnoreScriptRegion reports whether region-ignoring cache keying is
// enabled, accepting "1", "true", "yes", "on" case-insensitively.
func (c Config) IgnoreScriptRegion() bool {
	switch strings.ToLower(strings.TrimSpace(c.IgnoreScriptRegionRaw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Concurrency resolves MAX_THREADS down to the worker pool's CONCURRENCY:
// the configured value if positive, else the host CPU count, else 1.
func (c Config) Concurrency() int {
	if c.MaxThreads > 0 {
		return c.MaxThreads
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// CacheDir resolves the on-disk player-file cache directory following
// platform precedence: XDG_CACHE_HOME, then HOME/.cache (Unix) or
// LOCALAPPDATA/USERPROFILE (Windows-flavored), falling back to TEMP/TMP/
// os.TempDir(). The final layout is always "<prefix>/sigresolve/player_cache".
func (c Config) CacheDir() string {
	const leaf = "sigresolve/player_cache"

	if c.XDGCacheHome != "" {
		return filepath.Join(c.XDGCacheHome, leaf)
	}
	if runtime.GOOS != "windows" && c.Home != "" {
		return filepath.Join(c.Home, ".cache", leaf)
	}
	if c.LocalAppData != "" {
		return filepath.Join(c.LocalAppData, leaf)
	}
	if c.UserProfile != "" {
		return filepath.Join(c.UserProfile, "AppData", "Local", leaf)
	}
	if c.Temp != "" {
		return filepath.Join(c.Temp, leaf)
	}
	if c.Tmp != "" {
		return filepath.Join(c.Tmp, leaf)
	}
	return filepath.Join(os.TempDir(), leaf)
}

// ResolveEvaluatorPath finds the sigresolve-evaluator binary: the
// configured path if set, otherwise a binary named "sigresolve-evaluator"
// next to the current executable, otherwise whatever $PATH resolves.
func (c Config) ResolveEvaluatorPath() (string, error) {
	if c.EvaluatorPath != "" {
		return c.EvaluatorPath, nil
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "sigresolve-evaluator")
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}

	return "sigresolve-evaluator", nil
}
