package ddcm

import "testing"

func TestDamperLeavesLevelUnchanged(t *testing.T) {
	p := New([]int{0}, 0.1, 1.1)
	outcome := p.Execute(0, 0.03, 0.05)
	if outcome != Damper {
		t.Fatalf("outcome = %v, want Damper", outcome)
	}
	if p.Level(0) != 16 {
		t.Fatalf("level = %d, want 16", p.Level(0))
	}
}

func TestReductionScenario(t *testing.T) {
	// spec.md §8 scenario 6: dclevel=16, computetime=0.4s, totaltime=1.0s,
	// damper=0.1s -> work=0.4, effective_work=0.4, reduction=-9, new=8.
	p := New([]int{0}, 0.1, 1.1)
	outcome := p.Execute(0, 0.4, 1.0)
	if outcome != Applied {
		t.Fatalf("outcome = %v, want Applied", outcome)
	}
	if p.Level(0) != 8 {
		t.Fatalf("level = %d, want 8", p.Level(0))
	}
}

func TestSlowdownResetsToMax(t *testing.T) {
	p := New([]int{0}, 0.1, 1.1)
	p.Execute(0, 0.4, 1.0) // level -> 8, previousTotal -> 1.0
	if p.Level(0) != 8 {
		t.Fatalf("setup level = %d, want 8", p.Level(0))
	}
	outcome := p.Execute(0, 1.0, 2.0) // totaltime 2.0 > 1.1*1.0
	if outcome != Slowdown {
		t.Fatalf("outcome = %v, want Slowdown", outcome)
	}
	if p.Level(0) != 16 {
		t.Fatalf("level = %d, want 16 after slowdown reset", p.Level(0))
	}
}

func TestLevelNeverLeavesBounds(t *testing.T) {
	p := New([]int{0}, 0.0, 1.1)
	for i := 0; i < 200; i++ {
		p.Execute(0, float64(i%5)/10.0, 1.0)
		if l := p.Level(0); l < MinLevel || l > MaxLevel {
			t.Fatalf("level out of bounds: %d", l)
		}
	}
}

func TestResetAllIsIdempotentAndReturnsToMax(t *testing.T) {
	p := New([]int{0, 1, 2}, 0.1, 1.1)
	p.Execute(0, 0.4, 1.0)
	p.Execute(1, 0.9, 1.0)
	p.ResetAll()
	p.ResetAll()
	for _, cpu := range []int{0, 1, 2} {
		if p.Level(cpu) != MaxLevel {
			t.Fatalf("cpu %d level = %d, want %d after reset", cpu, p.Level(cpu), MaxLevel)
		}
	}
}

func TestRunPolicyRequiresAllSetFlags(t *testing.T) {
	policy := New([]int{0, 1}, 0.1, 1.1)
	m := NewManager(policy)
	contexts := map[int]*PhaseContext{
		0: {StartCompute: 0, EndCompute: 0.4, StartBarrier: 0.4, EndBarrier: 1.0, Aggregation: 1, Set: true},
		1: {StartCompute: 0, EndCompute: 0.4, StartBarrier: 0.4, EndBarrier: 1.0, Aggregation: 1, Set: false},
	}
	if out := m.RunPolicy(contexts); out != nil {
		t.Fatalf("expected no run while a cpu's set-flag is false, got %v", out)
	}
}

func TestRunPolicyResetsOnAggregationMismatch(t *testing.T) {
	policy := New([]int{0, 1}, 0.1, 1.1)
	policy.Execute(0, 0.4, 1.0) // drop level below max so the reset is observable
	m := NewManager(policy)
	contexts := map[int]*PhaseContext{
		0: {StartCompute: 0, EndCompute: 0.4, StartBarrier: 0.4, EndBarrier: 1.0, Aggregation: 1, Set: true},
		1: {StartCompute: 0, EndCompute: 0.4, StartBarrier: 0.4, EndBarrier: 1.0, Aggregation: 2, Set: true},
	}
	out := m.RunPolicy(contexts)
	if out != nil {
		t.Fatalf("expected nil outcome map on aggregation mismatch, got %v", out)
	}
	if policy.Level(0) != MaxLevel {
		t.Fatalf("level = %d, want reset to %d", policy.Level(0), MaxLevel)
	}
	for cpu, pc := range contexts {
		if pc.Set {
			t.Fatalf("cpu %d set-flag not cleared after mismatch reset", cpu)
		}
	}
}

func TestRunPolicyClearsSetFlagsAfterSuccess(t *testing.T) {
	policy := New([]int{0, 1}, 0.1, 1.1)
	m := NewManager(policy)
	contexts := map[int]*PhaseContext{
		0: {StartCompute: 0, EndCompute: 0.4, StartBarrier: 0.4, EndBarrier: 1.0, Aggregation: 1, Set: true},
		1: {StartCompute: 0, EndCompute: 0.3, StartBarrier: 0.3, EndBarrier: 1.0, Aggregation: 1, Set: true},
	}
	out := m.RunPolicy(contexts)
	if len(out) != 2 {
		t.Fatalf("expected outcomes for both cpus, got %v", out)
	}
	for cpu, pc := range contexts {
		if pc.Set {
			t.Fatalf("cpu %d set-flag not cleared after successful run", cpu)
		}
	}
}
