package ddcm

import (
	"sync"

	"github.com/anlsys/nrmd/internal/check"
)

// PhaseContext is one CPU's reported compute/barrier timings for the
// current phase, per spec.md §3's Application data model.
type PhaseContext struct {
	StartCompute float64
	EndCompute   float64
	StartBarrier float64
	EndBarrier   float64
	Aggregation  int
	Set          bool
}

func (pc PhaseContext) computeTime() float64 { return pc.EndCompute - pc.StartCompute }
func (pc PhaseContext) totalTime() float64 {
	barrier := pc.EndBarrier - pc.StartBarrier
	return pc.computeTime() + barrier
}

// Manager drives one container's Policy from the phase contexts reported by
// its application. Grounded on PowerPolicyManager.run_policy in
// powerpolicy.py.
type Manager struct {
	mu     sync.Mutex
	policy *Policy
}

// NewManager wraps a Policy built for the container's bound CPUs.
func NewManager(policy *Policy) *Manager {
	return &Manager{policy: policy}
}

// Stats forwards the wrapped Policy's decision counters, for inclusion in
// a container_exit profile_data publish.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Stats()
}

// ResetAll returns every CPU of the wrapped Policy to MaxLevel, called when
// the container's last process exits.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.ResetAll()
}

// RunPolicy evaluates the law once per CPU in contexts, provided every CPU's
// context has its set-flag true and all report the same aggregation
// counter. On an aggregation mismatch, every CPU is reset to MaxLevel and
// every set-flag is cleared instead of running the law. On success, every
// set-flag is cleared after the run. Returns the outcome per CPU id engaged
// (empty if the preconditions were not met).
func (m *Manager) RunPolicy(contexts map[int]*PhaseContext) map[int]Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(contexts) == 0 {
		return nil
	}

	allSet := true
	var aggregation int
	first := true
	mismatch := false
	for _, pc := range contexts {
		if !pc.Set {
			allSet = false
			break
		}
		if first {
			aggregation = pc.Aggregation
			first = false
		} else if pc.Aggregation != aggregation {
			mismatch = true
		}
	}

	if !allSet {
		return nil
	}

	if mismatch {
		m.policy.ResetAll()
		for _, pc := range contexts {
			pc.Set = false
		}
		return nil
	}

	outcomes := make(map[int]Outcome, len(contexts))
	for cpu, pc := range contexts {
		outcomes[cpu] = m.policy.Execute(cpu, pc.computeTime(), pc.totalTime())
		pc.Set = false
	}

	for cpu, pc := range contexts {
		check.Assertf(!pc.Set, "phase-context reset rule violated: cpu %d still set after run_policy", cpu)
	}
	return outcomes
}
