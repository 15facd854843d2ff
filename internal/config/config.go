// Package config loads the daemon's on-disk configuration: socket
// addresses, sensor/control periods, and the RAPL domain table. Grounded
// on getployz-ployz/config/config.go's yaml.v3 load/save pattern, adapted
// from a kubeconfig-style context file to a single daemon settings file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Sockets holds the three transport endpoints of spec.md §6.
type Sockets struct {
	UpstreamRPC     string `yaml:"upstream_rpc"`
	UpstreamPublish string `yaml:"upstream_publish"`
	DownstreamEvent string `yaml:"downstream_event"`
}

// RAPLDomain is one programmable power-cap domain.
type RAPLDomain struct {
	Name string  `yaml:"name"`
	MinW float64 `yaml:"min_watts"`
	MaxW float64 `yaml:"max_watts"`
	CapW float64 `yaml:"initial_cap_watts"`
}

// Config is the full daemon configuration.
type Config struct {
	Sockets Sockets `yaml:"sockets"`

	SensorPeriod  time.Duration `yaml:"sensor_period"`
	ControlPeriod time.Duration `yaml:"control_period"`

	RAPLDomains []RAPLDomain `yaml:"rapl_domains"`

	DDCMDamper   time.Duration `yaml:"ddcm_damper"`
	DDCMSlowdown float64       `yaml:"ddcm_slowdown"`

	LibnrmPath string `yaml:"libnrm_path"`
}

// Default returns the configuration described by spec.md §6: TCP *:3456
// for RPC, TCP *:2345 for publish, an IPC socket at
// /tmp/nrm-downstream-event for downstream events, one-second sensor and
// control periods, and the typical package-0/package-1 RAPL domain set.
func Default() Config {
	return Config{
		Sockets: Sockets{
			UpstreamRPC:     "tcp://*:3456",
			UpstreamPublish: "tcp://*:2345",
			DownstreamEvent: "ipc:///tmp/nrm-downstream-event",
		},
		SensorPeriod:  time.Second,
		ControlPeriod: time.Second,
		RAPLDomains: []RAPLDomain{
			{Name: "package-0", MinW: 0, MaxW: 150, CapW: 150},
			{Name: "package-1", MinW: 0, MaxW: 150, CapW: 150},
		},
		DDCMDamper:   100 * time.Millisecond,
		DDCMSlowdown: 1.1,
		LibnrmPath:   "libnrm.so",
	}
}

// Load reads a YAML configuration file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration whose RAPL domain bounds or periods
// are not usable.
func (c Config) Validate() error {
	if c.SensorPeriod <= 0 {
		return fmt.Errorf("sensor_period must be positive")
	}
	if c.ControlPeriod <= 0 {
		return fmt.Errorf("control_period must be positive")
	}
	if c.DDCMSlowdown < 1 {
		return fmt.Errorf("ddcm_slowdown must be >= 1")
	}
	if c.DDCMDamper < 0 {
		return fmt.Errorf("ddcm_damper must be >= 0")
	}
	for _, d := range c.RAPLDomains {
		if d.MinW > d.MaxW {
			return fmt.Errorf("rapl domain %q: min_watts > max_watts", d.Name)
		}
		if d.CapW < d.MinW || d.CapW > d.MaxW {
			return fmt.Errorf("rapl domain %q: initial_cap_watts out of [min_watts,max_watts]", d.Name)
		}
	}
	return nil
}

// DomainNames returns the configured RAPL domain names, in order.
func (c Config) DomainNames() []string {
	names := make([]string, len(c.RAPLDomains))
	for i, d := range c.RAPLDomains {
		names[i] = d.Name
	}
	return names
}
