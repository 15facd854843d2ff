// Package ddcm implements the per-CPU Dynamic Duty Cycle Modulation control
// law and the PowerPolicyManager that drives it from phase-context reports,
// per spec.md §4.5. Grounded on original_source/nrm/ddcmpolicy.py
// (DDCMPolicy.execute) and powerpolicy.py (PowerPolicyManager.run_policy /
// invoke_policy); the control arithmetic is ported unchanged, the
// aggregation-mismatch reset rule and set-flag bookkeeping follow spec.md
// §4.5-§4.6 rather than the original's ad hoc prevtotalphasetime tracking.
package ddcm

import (
	"math"
	"sync"

	"github.com/anlsys/nrmd/internal/check"
)

// Outcome classifies the result of one phase's policy evaluation.
type Outcome string

const (
	Damper   Outcome = "DAMPER"
	Slowdown Outcome = "SLOWDOWN"
	Applied  Outcome = "DDCM"
)

const (
	MaxLevel   = 16
	MinLevel   = 1
	relaxation = 1
	step       = 0.0625
)

type cpuState struct {
	level         int
	haveTotal     bool
	previousTotal float64
}

// Stats tallies policy decisions for diagnostics, mirroring
// print_policy_stats in the original.
type Stats struct {
	DamperExits   int
	SlowdownExits int
	PolicySet     int
	PolicyReset   int
}

// Policy holds the per-CPU duty-cycle level state for one container.
type Policy struct {
	damperSeconds float64
	slowdown      float64

	mu    sync.Mutex
	state map[int]*cpuState
	stats Stats
}

// New builds a Policy tracking the given CPU ids, each starting at level
// MaxLevel (100% duty cycle).
func New(cpus []int, damperSeconds, slowdown float64) *Policy {
	state := make(map[int]*cpuState, len(cpus))
	for _, c := range cpus {
		state[c] = &cpuState{level: MaxLevel}
	}
	return &Policy{damperSeconds: damperSeconds, slowdown: slowdown, state: state}
}

// Level returns cpu's current duty-cycle level.
func (p *Policy) Level(cpu int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.state[cpu]
	if !ok {
		return 0
	}
	return s.level
}

// Stats returns a snapshot of the decision counters.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Execute runs the control law for one CPU's phase report, per spec.md
// §4.5:
//
//  1. If totaltime < damper, return DAMPER without changing level.
//  2. If dclevel < 16 and totaltime > slowdown*previoustotaltime, reset to
//     16 and return SLOWDOWN.
//  3. Otherwise compute effective_work and apply the reduction/relaxation
//     table, clamping into [1,16] with a wrap to 16 on underflow.
//  4. Persist the new level and store totaltime as the next baseline.
func (p *Policy) Execute(cpu int, computetime, totaltime float64) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.state[cpu]
	if !ok {
		s = &cpuState{level: MaxLevel}
		p.state[cpu] = s
	}

	if totaltime < p.damperSeconds {
		p.stats.DamperExits++
		return Damper
	}

	if s.level < MaxLevel && s.haveTotal && totaltime > p.slowdown*s.previousTotal {
		s.level = MaxLevel
		s.previousTotal = totaltime
		s.haveTotal = true
		p.stats.SlowdownExits++
		return Slowdown
	}

	work := computetime / totaltime
	effectiveWork := work * MaxLevel / float64(s.level)

	var newLevel int
	if effectiveWork <= 1.0 {
		p.stats.PolicySet++
		reduction := int(math.Floor(effectiveWork/step)) - 15
		switch {
		case reduction > -14 && reduction < 0:
			newLevel = s.level + reduction + relaxation
		case reduction <= -14:
			newLevel = s.level - 13
		default:
			newLevel = s.level
		}
		if newLevel < MinLevel {
			newLevel = MaxLevel
		}
	} else {
		p.stats.PolicyReset++
		effectiveSlowdown := work * MinLevel / float64(s.level)
		increase := int(math.Floor(effectiveSlowdown / step))
		newLevel = s.level + increase
		if newLevel > MaxLevel {
			newLevel = MaxLevel
		}
	}

	s.level = newLevel
	s.previousTotal = totaltime
	s.haveTotal = true
	check.Assertf(s.level >= MinLevel && s.level <= MaxLevel, "ddcm monotonic bounds violated: cpu %d level %d", cpu, s.level)
	return Applied
}

// ResetAll returns every tracked CPU to MaxLevel.
func (p *Policy) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.state {
		s.level = MaxLevel
		s.haveTotal = false
		s.previousTotal = 0
	}
}
