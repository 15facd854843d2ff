package sensor

import (
	"errors"
	"time"
)

// fakeDriver is a hand-rolled test double, not a mock: it models real
// package energy counters advancing over time without recording or
// asserting on call expectations.
type fakeDriver struct {
	packages  []string
	energy    map[string]float64
	temp      map[string]float64
	enabled   map[string]bool
	caps      map[string]PowerCap
	failEnergy map[string]bool
	failCaps  bool
	setLimits map[string]float64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		packages: []string{"package-0", "package-1"},
		energy:   map[string]float64{"package-0": 0, "package-1": 0},
		temp:     map[string]float64{"package-0": 40, "package-1": 42},
		enabled:  map[string]bool{"package-0": true, "package-1": false},
		caps: map[string]PowerCap{
			"package-0": {CurrentW: 65, MinW: 10, MaxW: 120, Enabled: true},
			"package-1": {CurrentW: 65, MinW: 10, MaxW: 120, Enabled: false},
		},
		failEnergy: map[string]bool{},
		setLimits:  map[string]float64{},
	}
}

func (f *fakeDriver) Packages() []string { return f.packages }

func (f *fakeDriver) EnergyJoules(pkg string) (float64, error) {
	if f.failEnergy[pkg] {
		return 0, errors.New("energy read failed")
	}
	return f.energy[pkg], nil
}

func (f *fakeDriver) TemperatureC(pkg string) (float64, error) {
	return f.temp[pkg], nil
}

func (f *fakeDriver) PackageEnabled(pkg string) bool { return f.enabled[pkg] }

func (f *fakeDriver) PowerLimits() (map[string]PowerCap, error) {
	if f.failCaps {
		return nil, errors.New("power limits unavailable")
	}
	return f.caps, nil
}

func (f *fakeDriver) SetPowerLimit(domain string, watts float64) error {
	f.setLimits[domain] = watts
	return nil
}

func withFixedClock(t0 time.Time, advance time.Duration) func() {
	cur := t0
	nowFunc = func() time.Time {
		r := cur
		cur = cur.Add(advance)
		return r
	}
	return func() { nowFunc = time.Now }
}
