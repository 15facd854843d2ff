package manifest

import "testing"

func baseManifestJSON(powerIsolator string) string {
	doc := `{
		"acKind": "ImageManifest",
		"acVersion": "1.0.0",
		"name": "job",
		"app": {
			"isolators": [
				{"name": "argo/container", "value": {"cpus": 2, "mems": 1}}`
	if powerIsolator != "" {
		doc += `, ` + powerIsolator
	}
	doc += `]}}`
	return doc
}

func TestEnabledButSilentFeature(t *testing.T) {
	raw := baseManifestJSON(`{"name": "argo/perfwrapper", "value": {}}`)
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsFeatureEnabled("perfwrapper") {
		t.Fatal("expected perfwrapper enabled when isolator present with no enabled field")
	}
}

func TestExplicitlyDisabledFeature(t *testing.T) {
	raw := baseManifestJSON(`{"name": "argo/perfwrapper", "value": {"enabled": "0"}}`)
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.IsFeatureEnabled("perfwrapper") {
		t.Fatal("expected perfwrapper disabled when enabled=0")
	}
}

func TestAbsentFeatureIsNotEnabled(t *testing.T) {
	m, err := Parse([]byte(baseManifestJSON("")))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.IsFeatureEnabled("power") {
		t.Fatal("expected power disabled when isolator absent")
	}
}

func TestMissingContainerIsolatorIsManifestInvalid(t *testing.T) {
	raw := `{"acKind":"ImageManifest","acVersion":"1.0.0","name":"job","app":{"isolators":[]}}`
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for missing argo/container isolator")
	}
}

func TestContainerResourceCounts(t *testing.T) {
	m, err := Parse([]byte(baseManifestJSON("")))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Isolators.Container.CPUs != 2 || m.Isolators.Container.Mems != 1 {
		t.Fatalf("container = %+v", m.Isolators.Container)
	}
}

func TestPowerIsolatorFields(t *testing.T) {
	raw := baseManifestJSON(`{"name": "argo/power", "value": {"enabled": "1", "policy": "DDCM", "damper": 0.5, "slowdown": 1.2}}`)
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsFeatureEnabled("power") {
		t.Fatal("expected power enabled")
	}
	p := m.Isolators.Power
	if p.Policy != PowerDDCM {
		t.Fatalf("policy = %v", p.Policy)
	}
	if p.Damper.Seconds() != 0.5 {
		t.Fatalf("damper = %v", p.Damper)
	}
	if p.Slowdown != 1.2 {
		t.Fatalf("slowdown = %v", p.Slowdown)
	}
}

func TestInvalidPowerPolicyRejected(t *testing.T) {
	raw := baseManifestJSON(`{"name": "argo/power", "value": {"policy": "BOGUS"}}`)
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected error for invalid power policy")
	}
}

func TestSchedulerPriorityForcedToZeroUnlessOther(t *testing.T) {
	raw := baseManifestJSON(`{"name": "argo/scheduler", "value": {"policy": "SCHED_FIFO", "priority": 50}}`)
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Isolators.Scheduler.Priority != 0 {
		t.Fatalf("priority = %d, want 0 for non-OTHER policy", m.Isolators.Scheduler.Priority)
	}
}
