// Package config loads the daemon's INI configuration file: one
// [instance] section for process-wide settings and one [tracker.<name>]
// section per configured tracker link (spec.md §6, SPEC_FULL.md §6).
package config

import (
	"fmt"

	"github.com/go-ini/ini"
)

// TrackerConfig is one [tracker.<name>] section.
type TrackerConfig struct {
	Name     string
	Addr     string
	Token    string
	CABundle string
	Insecure bool
}

// Config is the parsed daemon configuration.
type Config struct {
	Instance       string
	StateDir       string
	ControlSocket  string
	IdentityKey    string
	MetricsAddr    string
	Trackers       []TrackerConfig

	path string
}

// Load parses path into a Config.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	inst := f.Section("instance")
	cfg := &Config{
		path:          path,
		Instance:      inst.Key("name").MustString("default"),
		StateDir:      inst.Key("state_dir").MustString("/var/lib/tunneld"),
		ControlSocket: inst.Key("control_socket").String(),
		IdentityKey:   inst.Key("identity_key").String(),
		MetricsAddr:   inst.Key("metrics_addr").String(),
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = fmt.Sprintf("/var/run/tunneld/%s.sock", cfg.Instance)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		if len(name) < len("tracker.") || name[:len("tracker.")] != "tracker." {
			continue
		}
		cfg.Trackers = append(cfg.Trackers, TrackerConfig{
			Name:     name[len("tracker."):],
			Addr:     sec.Key("addr").String(),
			Token:    sec.Key("token").String(),
			CABundle: sec.Key("ca_bundle").String(),
			Insecure: sec.Key("insecure").MustBool(false),
		})
	}
	return cfg, nil
}

// SetToken updates a tracker's token in memory and persists it back to the
// INI file (spec.md §4.7's locally-handled SET_TOKEN).
func (c *Config) SetToken(tracker, token string) error {
	f, err := ini.Load(c.path)
	if err != nil {
		return fmt.Errorf("config: reload %s: %w", c.path, err)
	}
	sec := f.Section("tracker." + tracker)
	sec.Key("token").SetValue(token)
	if err := f.SaveTo(c.path); err != nil {
		return fmt.Errorf("config: save %s: %w", c.path, err)
	}
	for i := range c.Trackers {
		if c.Trackers[i].Name == tracker {
			c.Trackers[i].Token = token
		}
	}
	return nil
}
