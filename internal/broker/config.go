// Package broker implements the per-target remote broker: a data listener
// accepting command frames from proxies, a control listener serving the
// console, a policy gate, an approval queue, and an execution engine with
// cancellation and output caps.
//
// All broker state (queue, running set, history, cancellation tokens) is
// owned by a single service goroutine; every mutation arrives over a
// channel, which serializes transitions and removes the need for locks on
// the hot path (see Service).
package broker

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// WhitelistConfig is the [whitelist] table.
type WhitelistConfig struct {
	Allowed []string `toml:"allowed"`
	Denied  []string `toml:"denied"`
	// ArgRules maps a command (or basename) to a regex every non-leading
	// argument must match for the auto-approve fast path.
	ArgRules map[string]string `toml:"arg_rules"`
}

// LimitsConfig is the [limits] table.
type LimitsConfig struct {
	TimeoutSecs    uint64 `toml:"timeout_secs"`
	MaxOutputBytes uint64 `toml:"max_output_bytes"`
	// MaxConcurrent caps simultaneously running commands; 0 means unbounded.
	MaxConcurrent int64 `toml:"max_concurrent"`
	// IdleShutdownSecs exits the broker after this long with no open
	// control or data connections; 0 disables idle shutdown.
	IdleShutdownSecs uint64 `toml:"idle_shutdown_secs"`
}

// Config is the broker's TOML configuration.
//
// Note on shell mode: the deny list matches pipeline stages only. A
// shell-mode request has no parsed stages, so the deny list cannot restrict
// shell command content; operators needing content-level gating must keep
// such clients on argv mode or front the broker with their own screening.
type Config struct {
	Whitelist          WhitelistConfig `toml:"whitelist"`
	Limits             LimitsConfig    `toml:"limits"`
	AutoApproveAllowed bool            `toml:"auto_approve_allowed"`
}

// DefaultLimits mirrors the documented defaults.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		TimeoutSecs:    30,
		MaxOutputBytes: 1024 * 1024,
	}
}

type configFile struct {
	Whitelist          *WhitelistConfig `toml:"whitelist"`
	Limits             *LimitsConfig    `toml:"limits"`
	AutoApproveAllowed *bool            `toml:"auto_approve_allowed"`
}

// LoadConfig reads the broker TOML config. Missing tables fall back to
// defaults; auto_approve_allowed defaults to true.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var file configFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Config{
		Limits:             DefaultLimits(),
		AutoApproveAllowed: true,
	}
	if file.Whitelist != nil {
		cfg.Whitelist = *file.Whitelist
	}
	if file.Limits != nil {
		if file.Limits.TimeoutSecs > 0 {
			cfg.Limits.TimeoutSecs = file.Limits.TimeoutSecs
		}
		if file.Limits.MaxOutputBytes > 0 {
			cfg.Limits.MaxOutputBytes = file.Limits.MaxOutputBytes
		}
		if file.Limits.MaxConcurrent > 0 {
			cfg.Limits.MaxConcurrent = file.Limits.MaxConcurrent
		}
		if file.Limits.IdleShutdownSecs > 0 {
			cfg.Limits.IdleShutdownSecs = file.Limits.IdleShutdownSecs
		}
	}
	if file.AutoApproveAllowed != nil {
		cfg.AutoApproveAllowed = *file.AutoApproveAllowed
	}
	return cfg, nil
}
