package sensor

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRAPLPackage(t *testing.T, root, pkg string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPackagesExcludesSubdomains(t *testing.T) {
	root := t.TempDir()
	writeRAPLPackage(t, root, "intel-rapl:0", nil)
	writeRAPLPackage(t, root, "intel-rapl:0:0", nil)
	writeRAPLPackage(t, root, "intel-rapl:1", nil)

	d := &RAPLDriver{Root: root}
	pkgs := d.Packages()
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %v", pkgs)
	}
}

func TestEnergyJoulesConvertsFromMicrojoules(t *testing.T) {
	root := t.TempDir()
	writeRAPLPackage(t, root, "intel-rapl:0", map[string]string{"energy_uj": "5000000"})

	d := &RAPLDriver{Root: root}
	j, err := d.EnergyJoules("intel-rapl:0")
	if err != nil {
		t.Fatal(err)
	}
	if j != 5 {
		t.Fatalf("expected 5 joules, got %v", j)
	}
}

func TestPackageEnabledReadsFlag(t *testing.T) {
	root := t.TempDir()
	writeRAPLPackage(t, root, "intel-rapl:0", map[string]string{"enabled": "1"})
	writeRAPLPackage(t, root, "intel-rapl:1", map[string]string{"enabled": "0"})

	d := &RAPLDriver{Root: root}
	if !d.PackageEnabled("intel-rapl:0") {
		t.Fatal("expected package 0 enabled")
	}
	if d.PackageEnabled("intel-rapl:1") {
		t.Fatal("expected package 1 disabled")
	}
}

func TestPowerLimitsFallsBackToMaxPowerRange(t *testing.T) {
	root := t.TempDir()
	writeRAPLPackage(t, root, "intel-rapl:0", map[string]string{
		"energy_uj":                   "0",
		"enabled":                     "1",
		"constraint_0_power_limit_uw": "95000000",
		"max_power_range_uw":          "150000000",
	})

	d := &RAPLDriver{Root: root}
	limits, err := d.PowerLimits()
	if err != nil {
		t.Fatal(err)
	}
	cap, ok := limits["intel-rapl:0"]
	if !ok {
		t.Fatal("missing package in limits")
	}
	if cap.CurrentW != 95 {
		t.Fatalf("expected 95W current limit, got %v", cap.CurrentW)
	}
	if cap.MaxW != 150 {
		t.Fatalf("expected 150W max, got %v", cap.MaxW)
	}
	if cap.MinW != 0 {
		t.Fatalf("expected 0W min fallback, got %v", cap.MinW)
	}
	if !cap.Enabled {
		t.Fatal("expected enabled")
	}
}

func TestSetPowerLimitWritesMicrowatts(t *testing.T) {
	root := t.TempDir()
	writeRAPLPackage(t, root, "intel-rapl:0", map[string]string{"constraint_0_power_limit_uw": "0"})

	d := &RAPLDriver{Root: root}
	if err := d.SetPowerLimit("intel-rapl:0", 75); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(root, "intel-rapl:0", "constraint_0_power_limit_uw"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "75000000" {
		t.Fatalf("expected 75000000, got %q", b)
	}
}
