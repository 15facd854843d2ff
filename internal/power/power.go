// Package power implements the node-wide power/performance control loop of
// spec.md §4.7: two time series, trapezoidal integration, and periodic
// publication of control telemetry. Grounded on
// original_source/nrm/controllers.py's NodePowerController, ported from its
// scipy.integrate.trapz call to a hand-rolled trapezoidal sum (no numerical
// integration library appears anywhere in the example pack; see DESIGN.md).
package power

import (
	"sync"
	"time"
)

// Sample is one (timestamp, value) point in a time series.
type Sample struct {
	Time  time.Time
	Value float64
}

// Telemetry is the control telemetry tuple of spec.md §3.
type Telemetry struct {
	Cap          float64
	Power        float64
	Performance  float64
	ControlTime  time.Time
	FeedbackTime time.Time
}

// Controller holds the power and performance series and the last
// programmed cap.
type Controller struct {
	period time.Duration

	mu         sync.Mutex
	powerTS    []Sample
	perfTS     []Sample
	lastAction float64
	lastTime   time.Time
}

// New builds a Controller with an initial power cap and control period.
func New(initialCap float64, period time.Duration, now time.Time) *Controller {
	return &Controller{
		period:     period,
		lastAction: initialCap,
		lastTime:   now,
	}
}

// FeedPower appends a power sample.
func (c *Controller) FeedPower(t time.Time, watts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powerTS = append(c.powerTS, Sample{Time: t, Value: watts})
}

// FeedPerformance appends a performance sample.
func (c *Controller) FeedPerformance(t time.Time, units float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perfTS = append(c.perfTS, Sample{Time: t, Value: units})
}

func ready(ts []Sample, lastTime time.Time, period time.Duration) bool {
	if len(ts) == 0 {
		return false
	}
	return ts[len(ts)-1].Time.After(lastTime.Add(period)) && len(ts) > 1
}

// StepReady reports whether both series span more than one sample and the
// latest timestamp exceeds last_action_time + period.
func (c *Controller) StepReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ready(c.powerTS, c.lastTime, c.period) && ready(c.perfTS, c.lastTime, c.period)
}

func filterFrom(ts []Sample, t time.Time) []Sample {
	out := ts[:0:0]
	for _, s := range ts {
		if !s.Time.Before(t) {
			out = append(out, s)
		}
	}
	return out
}

func trapezoidal(ts []Sample) float64 {
	if len(ts) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(ts); i++ {
		dt := ts[i].Time.Sub(ts[i-1].Time).Seconds()
		total += dt * (ts[i].Value + ts[i-1].Value) / 2
	}
	return total
}

func spantime(ts []Sample) float64 {
	if len(ts) < 2 {
		return 0
	}
	return ts[len(ts)-1].Time.Sub(ts[0].Time).Seconds()
}

// Step runs one control iteration if StepReady, returning the telemetry to
// publish and true; otherwise returns false and leaves the series
// untouched. On success every series is dropped to its last sample and
// last_action_time is advanced to now.
func (c *Controller) Step(now time.Time) (Telemetry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !(ready(c.powerTS, c.lastTime, c.period) && ready(c.perfTS, c.lastTime, c.period)) {
		return Telemetry{}, false
	}

	power := filterFrom(c.powerTS, c.lastTime)
	perf := filterFrom(c.perfTS, c.lastTime)

	powerIntegral := trapezoidal(power)
	perfIntegral := trapezoidal(perf)
	tPower := spantime(power)
	tPerf := spantime(perf)

	telemetry := Telemetry{
		Cap:          c.lastAction,
		Power:        powerIntegral / tPower,
		Performance:  perfIntegral / tPerf,
		ControlTime:  c.lastTime,
		FeedbackTime: now,
	}

	c.powerTS = []Sample{c.powerTS[len(c.powerTS)-1]}
	c.perfTS = []Sample{c.perfTS[len(c.perfTS)-1]}
	c.lastTime = now

	return telemetry, true
}

// Command records a new cap to be reported by the next successful Step; the
// actual RAPL programming happens in the sensor manager, which this
// controller never blocks on.
func (c *Controller) Command(cap float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAction = cap
}

// ConfiguredDomains is the typical RAPL domain set a policy decision
// programs via the sensor manager, per spec.md §4.7.
var ConfiguredDomains = []string{"package-0", "package-1"}
