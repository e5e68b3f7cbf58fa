// Package config loads the shared TOML target inventory used by the tunnel
// daemon, the local proxy, and the console. One file describes every
// SSH-reachable target and the forwards each process leases against it.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/util"
)

// Defaults are merged into every target that leaves a field unset; default
// ssh_args are always prepended to the target's own ssh_args.
type Defaults struct {
	TimeoutMS      uint64   `toml:"timeout_ms"`
	MaxOutputBytes uint64   `toml:"max_output_bytes"`
	LocalBind      string   `toml:"local_bind"`
	SSHArgs        []string `toml:"ssh_args"`
	SSHPassword    string   `toml:"ssh_password"`
}

// ForwardConfig describes one forward a target exposes.
type ForwardConfig struct {
	Purpose    protocol.ForwardPurpose `toml:"purpose"`
	LocalBind  string                  `toml:"local_bind"`
	LocalPort  uint16                  `toml:"local_port"`
	RemoteAddr string                  `toml:"remote_addr"`
}

// TargetConfig is one [[targets]] entry.
type TargetConfig struct {
	Name        string          `toml:"name"`
	Desc        string          `toml:"desc"`
	SSH         string          `toml:"ssh"`
	SSHArgs     []string        `toml:"ssh_args"`
	SSHPassword string          `toml:"ssh_password"`
	TTY         bool            `toml:"tty"`
	Forwards    []ForwardConfig `toml:"forwards"`
}

// File is the raw decoded configuration file.
type File struct {
	DefaultTarget string         `toml:"default_target"`
	Defaults      *Defaults      `toml:"defaults"`
	Targets       []TargetConfig `toml:"targets"`
}

// Target is a fully resolved target: defaults merged, forwards normalized.
type Target struct {
	Name        string
	Desc        string
	SSH         string
	SSHArgs     []string
	SSHPassword string
	TTY         bool
	Forwards    []protocol.ForwardSpec
}

// Config is the validated, resolved view of the file.
type Config struct {
	DefaultTarget  string
	TimeoutMS      uint64
	MaxOutputBytes uint64
	Targets        []Target
	byName         map[string]int
}

const (
	defaultTimeoutMS      = 30_000
	defaultMaxOutputBytes = 1024 * 1024
	defaultLocalBind      = "127.0.0.1"
)

// Load reads and resolves the TOML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var file File
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Resolve(file)
}

// Resolve validates the raw file and merges defaults into each target.
func Resolve(file File) (*Config, error) {
	if len(file.Targets) == 0 {
		return nil, fmt.Errorf("config must include at least one target")
	}
	defaults := Defaults{}
	if file.Defaults != nil {
		defaults = *file.Defaults
	}
	if defaults.TimeoutMS == 0 {
		defaults.TimeoutMS = defaultTimeoutMS
	}
	if defaults.MaxOutputBytes == 0 {
		defaults.MaxOutputBytes = defaultMaxOutputBytes
	}
	if defaults.LocalBind == "" {
		defaults.LocalBind = defaultLocalBind
	}

	cfg := &Config{
		DefaultTarget:  file.DefaultTarget,
		TimeoutMS:      defaults.TimeoutMS,
		MaxOutputBytes: defaults.MaxOutputBytes,
		byName:         make(map[string]int, len(file.Targets)),
	}
	for _, raw := range file.Targets {
		target, err := resolveTarget(defaults, raw)
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.byName[target.Name]; dup {
			return nil, fmt.Errorf("duplicate target name: %s", target.Name)
		}
		cfg.byName[target.Name] = len(cfg.Targets)
		cfg.Targets = append(cfg.Targets, target)
	}
	if cfg.DefaultTarget != "" {
		if _, ok := cfg.byName[cfg.DefaultTarget]; !ok {
			return nil, fmt.Errorf("default_target %s not found in targets", cfg.DefaultTarget)
		}
	}
	return cfg, nil
}

func resolveTarget(defaults Defaults, raw TargetConfig) (Target, error) {
	if strings.TrimSpace(raw.Name) == "" {
		return Target{}, fmt.Errorf("target name cannot be empty")
	}
	if raw.SSH != "" {
		if _, _, ok := util.ParseSSHDestination(raw.SSH); !ok {
			return Target{}, fmt.Errorf("target %s ssh must be in the form user@host", raw.Name)
		}
	}

	args := append([]string(nil), defaults.SSHArgs...)
	args = append(args, raw.SSHArgs...)
	password := raw.SSHPassword
	if password == "" {
		password = defaults.SSHPassword
	}

	target := Target{
		Name:        raw.Name,
		Desc:        raw.Desc,
		SSH:         raw.SSH,
		SSHArgs:     args,
		SSHPassword: password,
		TTY:         raw.TTY,
	}
	for _, fwd := range raw.Forwards {
		if err := util.ValidatePort(int(fwd.LocalPort)); err != nil {
			return Target{}, fmt.Errorf("target %s forward: %w", raw.Name, err)
		}
		if _, _, err := util.SplitHostPort(fwd.RemoteAddr); err != nil {
			return Target{}, fmt.Errorf("target %s forward remote_addr: %w", raw.Name, err)
		}
		switch fwd.Purpose {
		case protocol.PurposeData, protocol.PurposeControl:
		default:
			return Target{}, fmt.Errorf("target %s forward purpose must be data or control", raw.Name)
		}
		target.Forwards = append(target.Forwards, protocol.ForwardSpec{
			Target:     raw.Name,
			Purpose:    fwd.Purpose,
			LocalBind:  util.NormalizeAddr(fwd.LocalBind, defaults.LocalBind),
			LocalPort:  fwd.LocalPort,
			RemoteAddr: fwd.RemoteAddr,
		})
	}
	return target, nil
}

// Target returns the named target.
func (c *Config) Target(name string) (Target, bool) {
	idx, ok := c.byName[name]
	if !ok {
		return Target{}, false
	}
	return c.Targets[idx], true
}

// Forward returns the target's forward for the given purpose.
func (c *Config) Forward(name string, purpose protocol.ForwardPurpose) (protocol.ForwardSpec, bool) {
	target, ok := c.Target(name)
	if !ok {
		return protocol.ForwardSpec{}, false
	}
	for _, fwd := range target.Forwards {
		if fwd.Purpose == purpose {
			return fwd, true
		}
	}
	return protocol.ForwardSpec{}, false
}

// TargetNames returns target names in file order.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for _, target := range c.Targets {
		names = append(names, target.Name)
	}
	return names
}
