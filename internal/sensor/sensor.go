// Package sensor wraps the RAPL and hwmon drivers behind a narrow Driver
// interface and turns periodic reads into the node sensor snapshot
// described in spec.md §3/§4.4. Grounded on original_source/nrm/sensor.py
// (SensorManager) and controller.py's PowerActuator/DiscretizedPowerActuator
// for the power-limit clamp semantics; the original's do_update stub is
// replaced with the energy-delta derivation spec.md §4.4 actually requires.
package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/anlsys/nrmd/internal/nrmerr"
)

// PowerCap is one RAPL domain's current and allowed power-limit range.
type PowerCap struct {
	CurrentW float64
	MinW     float64
	MaxW     float64
	Enabled  bool
}

// Driver is the external collaborator a Manager samples and programs. A
// real implementation reads sysfs RAPL/hwmon files; tests use a fake.
type Driver interface {
	Packages() []string
	EnergyJoules(pkg string) (float64, error)
	TemperatureC(pkg string) (float64, error)
	PackageEnabled(pkg string) bool
	PowerLimits() (map[string]PowerCap, error)
	SetPowerLimit(domain string, watts float64) error
}

// Snapshot is the node sensor snapshot of spec.md §3.
type Snapshot struct {
	Time            time.Time
	EnergyJoules    map[string]float64
	PowerWatts      map[string]float64
	TotalPowerWatts *float64
	TemperatureC    map[string]float64
	PowerCaps       map[string]PowerCap
}

// Manager latches an energy baseline per package and derives power from
// successive cumulative-energy deltas.
type Manager struct {
	driver Driver

	mu           sync.Mutex
	baseline     map[string]float64
	baselineTime time.Time
	started      bool
}

// NewManager wraps driver.
func NewManager(driver Driver) *Manager {
	return &Manager{driver: driver}
}

// Start latches a monotonic energy baseline per package. Sample before
// Start is an error.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	baseline := make(map[string]float64)
	for _, pkg := range m.driver.Packages() {
		e, err := m.driver.EnergyJoules(pkg)
		if err != nil {
			return nrmerr.New(nrmerr.SensorMalformed, "sensor.Start", fmt.Errorf("package %s: %w", pkg, err))
		}
		baseline[pkg] = e
	}
	m.baseline = baseline
	m.baselineTime = nowFunc()
	m.started = true
	return nil
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now

// Sample returns a snapshot as in spec.md §3: power-per-package is
// (current_cumulative - previous_cumulative) / dt at this sampling step;
// total sums only packages the driver reports enabled. If any package
// reading is malformed, the whole snapshot's TotalPowerWatts is left nil
// and a SensorMalformed error is returned alongside the partial snapshot.
func (m *Manager) Sample() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return Snapshot{}, nrmerr.New(nrmerr.SensorMalformed, "sensor.Sample", fmt.Errorf("sample before start"))
	}

	now := nowFunc()
	dt := now.Sub(m.baselineTime).Seconds()

	snap := Snapshot{
		Time:         now,
		EnergyJoules: make(map[string]float64),
		PowerWatts:   make(map[string]float64),
		TemperatureC: make(map[string]float64),
		PowerCaps:    make(map[string]PowerCap),
	}

	var malformed error
	total := 0.0
	haveTotal := true

	for _, pkg := range m.driver.Packages() {
		e, err := m.driver.EnergyJoules(pkg)
		if err != nil {
			malformed = nrmerr.New(nrmerr.SensorMalformed, "sensor.Sample", fmt.Errorf("package %s energy: %w", pkg, err))
			haveTotal = false
			continue
		}
		snap.EnergyJoules[pkg] = e

		watts := 0.0
		if dt > 0 {
			watts = (e - m.baseline[pkg]) / dt
		}
		snap.PowerWatts[pkg] = watts
		m.baseline[pkg] = e

		temp, err := m.driver.TemperatureC(pkg)
		if err != nil {
			malformed = nrmerr.New(nrmerr.SensorMalformed, "sensor.Sample", fmt.Errorf("package %s temperature: %w", pkg, err))
			haveTotal = false
			continue
		}
		snap.TemperatureC[pkg] = temp

		if m.driver.PackageEnabled(pkg) {
			total += watts
		}
	}
	m.baselineTime = now

	caps, err := m.driver.PowerLimits()
	if err != nil {
		malformed = nrmerr.New(nrmerr.SensorMalformed, "sensor.Sample", fmt.Errorf("power limits: %w", err))
		haveTotal = false
	} else {
		snap.PowerCaps = caps
	}

	if haveTotal {
		snap.TotalPowerWatts = &total
	}
	return snap, malformed
}

// GetPowerLimits returns only the RAPL domains the driver reports enabled.
func (m *Manager) GetPowerLimits() (map[string]PowerCap, error) {
	caps, err := m.driver.PowerLimits()
	if err != nil {
		return nil, nrmerr.New(nrmerr.SensorMalformed, "sensor.GetPowerLimits", err)
	}
	out := make(map[string]PowerCap)
	for domain, pc := range caps {
		if pc.Enabled {
			out[domain] = pc
		}
	}
	return out, nil
}

// SetPowerLimit clamps watts into [min, max] of domain before programming
// it, per spec.md §4.4.
func (m *Manager) SetPowerLimit(domain string, watts float64) error {
	caps, err := m.driver.PowerLimits()
	if err != nil {
		return nrmerr.New(nrmerr.SensorMalformed, "sensor.SetPowerLimit", err)
	}
	pc, ok := caps[domain]
	if !ok {
		return nrmerr.New(nrmerr.RuntimeFailure, "sensor.SetPowerLimit", fmt.Errorf("unknown domain %s", domain))
	}
	clamped := watts
	if clamped < pc.MinW {
		clamped = pc.MinW
	}
	if clamped > pc.MaxW {
		clamped = pc.MaxW
	}
	if err := m.driver.SetPowerLimit(domain, clamped); err != nil {
		return nrmerr.New(nrmerr.RuntimeFailure, "sensor.SetPowerLimit", err)
	}
	return nil
}
