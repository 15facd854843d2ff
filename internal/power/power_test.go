package power

import (
	"testing"
	"time"
)

func TestStepReadyRequiresMoreThanOneSampleAndElapsedPeriod(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := New(100, time.Second, t0)

	c.FeedPower(t0, 50)
	c.FeedPerformance(t0, 10)
	if c.StepReady() {
		t.Fatal("expected not ready with only one sample per series")
	}

	c.FeedPower(t0.Add(500*time.Millisecond), 55)
	c.FeedPerformance(t0.Add(500*time.Millisecond), 12)
	if c.StepReady() {
		t.Fatal("expected not ready before the period has elapsed")
	}

	c.FeedPower(t0.Add(2*time.Second), 60)
	c.FeedPerformance(t0.Add(2*time.Second), 14)
	if !c.StepReady() {
		t.Fatal("expected ready once both series span >1 sample past the period")
	}
}

func TestStepDropsAllButLastSample(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := New(100, time.Second, t0)

	c.FeedPower(t0, 50)
	c.FeedPerformance(t0, 10)
	c.FeedPower(t0.Add(2*time.Second), 60)
	c.FeedPerformance(t0.Add(2*time.Second), 14)

	now := t0.Add(2 * time.Second)
	telemetry, ok := c.Step(now)
	if !ok {
		t.Fatal("expected step to run")
	}
	if telemetry.Cap != 100 {
		t.Fatalf("cap = %v, want 100", telemetry.Cap)
	}
	if telemetry.ControlTime != t0 {
		t.Fatalf("control_time = %v, want %v", telemetry.ControlTime, t0)
	}
	if telemetry.FeedbackTime != now {
		t.Fatalf("feedback_time = %v, want %v", telemetry.FeedbackTime, now)
	}

	if len(c.powerTS) != 1 || len(c.perfTS) != 1 {
		t.Fatalf("expected series dropped to one sample, got %d/%d", len(c.powerTS), len(c.perfTS))
	}
}

func TestStepNotReadyLeavesSeriesUntouched(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := New(100, time.Second, t0)
	c.FeedPower(t0, 50)
	c.FeedPerformance(t0, 10)

	if _, ok := c.Step(t0); ok {
		t.Fatal("expected step to decline when not ready")
	}
	if len(c.powerTS) != 1 {
		t.Fatalf("expected untouched series, got %d samples", len(c.powerTS))
	}
}

func TestCommandIsReflectedInNextTelemetry(t *testing.T) {
	t0 := time.Unix(1000, 0)
	c := New(100, time.Second, t0)
	c.Command(80)

	c.FeedPower(t0, 50)
	c.FeedPerformance(t0, 10)
	c.FeedPower(t0.Add(2*time.Second), 60)
	c.FeedPerformance(t0.Add(2*time.Second), 14)

	telemetry, ok := c.Step(t0.Add(2 * time.Second))
	if !ok {
		t.Fatal("expected step to run")
	}
	if telemetry.Cap != 80 {
		t.Fatalf("cap = %v, want 80", telemetry.Cap)
	}
}
