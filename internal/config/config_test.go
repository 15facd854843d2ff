package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFillsUnsetFieldsFromDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nrmd.yaml")
	if err := os.WriteFile(path, []byte("sensor_period: 2s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SensorPeriod.String() != "2s" {
		t.Fatalf("sensor_period = %v, want 2s", cfg.SensorPeriod)
	}
	if cfg.Sockets.UpstreamRPC != "tcp://*:3456" {
		t.Fatalf("expected default socket to survive partial override, got %q", cfg.Sockets.UpstreamRPC)
	}
	if len(cfg.RAPLDomains) != 2 {
		t.Fatalf("expected default rapl domains to survive, got %d", len(cfg.RAPLDomains))
	}
}

func TestValidateRejectsInvertedDomainBounds(t *testing.T) {
	cfg := Default()
	cfg.RAPLDomains = []RAPLDomain{{Name: "package-0", MinW: 100, MaxW: 50, CapW: 75}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for min_watts > max_watts")
	}
}

func TestValidateRejectsCapOutOfBounds(t *testing.T) {
	cfg := Default()
	cfg.RAPLDomains = []RAPLDomain{{Name: "package-0", MinW: 0, MaxW: 50, CapW: 75}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for initial_cap_watts outside [min,max]")
	}
}

func TestValidateRejectsNonPositivePeriods(t *testing.T) {
	cfg := Default()
	cfg.SensorPeriod = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero sensor_period")
	}
}

func TestDomainNames(t *testing.T) {
	names := Default().DomainNames()
	if len(names) != 2 || names[0] != "package-0" || names[1] != "package-1" {
		t.Fatalf("unexpected domain names: %v", names)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
