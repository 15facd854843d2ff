// Package manifest parses and validates the ACI-derived per-job policy
// document described in spec.md §4.2. Schema validation covers only the
// required top-level shape; feature semantics (enabled checks, scheduler
// policy forcing) are plain Go above that, per the design note in spec.md
// §9 ("avoid open-ended string maps in the core").
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/anlsys/nrmd/internal/nrmerr"
)

// SchedulerPolicy enumerates the allowed argo/scheduler policies.
type SchedulerPolicy string

const (
	SchedFIFO  SchedulerPolicy = "SCHED_FIFO"
	SchedHPC   SchedulerPolicy = "SCHED_HPC"
	SchedOther SchedulerPolicy = "SCHED_OTHER"
)

// PowerPolicy enumerates the argo/power policy values (spec.md §3, §4.2).
type PowerPolicy string

const (
	PowerNone     PowerPolicy = "NONE"
	PowerDDCM     PowerPolicy = "DDCM"
	PowerDVFS     PowerPolicy = "DVFS"
	PowerCombined PowerPolicy = "COMBINED"
)

// Container is the required argo/container isolator: the CPU and memory
// node counts a job requests, consumed directly by resource.Manager.Schedule.
type Container struct {
	CPUs int
	Mems int
}

// Scheduler is the optional argo/scheduler isolator.
type Scheduler struct {
	Policy   SchedulerPolicy
	Priority int
	Enabled  bool
}

// PerfWrapper is the optional argo/perfwrapper isolator.
type PerfWrapper struct {
	Enabled bool
}

// Power is the optional argo/power isolator. Damper is read from the
// manifest in seconds and held as a time.Duration; internal/ddcm receives it
// as seconds (Damper.Seconds()); callers that need the NRM_DAMPER environment variable
// convert to nanoseconds explicitly at that boundary, per the Open Question
// resolution in spec.md §9 — the two units are never silently conflated.
type Power struct {
	Enabled  bool
	Profile  string
	Policy   PowerPolicy
	Damper   time.Duration
	Slowdown float64
}

// HwBind is the optional argo/hwbind isolator.
type HwBind struct {
	Enabled bool
}

// Monitoring is the optional argo/monitoring isolator.
type Monitoring struct {
	Enabled   bool
	RateLimit float64
}

// Isolators holds the decoded feature set of a manifest. Only Container is
// guaranteed non-nil; every other field is nil when the isolator was absent.
type Isolators struct {
	Container   Container
	Scheduler   *Scheduler
	PerfWrapper *PerfWrapper
	Power       *Power
	HwBind      *HwBind
	Monitoring  *Monitoring
}

// Manifest is the fully parsed and validated per-job policy document.
type Manifest struct {
	AcKind      string
	AcVersion   string
	Name        string
	Environment []string
	Isolators   Isolators
}

// wire mirrors the on-disk JSON shape before feature dispatch.
type wireIsolator struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type wireManifest struct {
	AcKind    string `json:"acKind"`
	AcVersion string `json:"acVersion"`
	Name      string `json:"name"`
	App       struct {
		Environment []string       `json:"environment"`
		Isolators   []wireIsolator `json:"isolators"`
	} `json:"app"`
}

var topLevelSchema *jsonschema.Schema

func init() {
	doc := map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"acKind":    map[string]any{"type": "string"},
			"acVersion": map[string]any{"type": "string"},
			"name":      map[string]any{"type": "string"},
			"app": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"isolators": map[string]any{"type": "array"},
				},
				"required": []string{"isolators"},
			},
		},
		"required": []string{"acKind", "acVersion", "name", "app"},
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://nrmd/manifest.json", doc); err != nil {
		panic(fmt.Sprintf("manifest: compile schema: %v", err))
	}
	sch, err := c.Compile("mem://nrmd/manifest.json")
	if err != nil {
		panic(fmt.Sprintf("manifest: compile schema: %v", err))
	}
	topLevelSchema = sch
}

func enabledField(m map[string]any) bool {
	v, ok := m["enabled"]
	if !ok {
		return true
	}
	s, _ := v.(string)
	return s == "1" || s == "True"
}

func asNumber(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	}
	return 0, false
}

func asString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func asInt(m map[string]any, key string) int {
	f, _ := asNumber(m, key)
	return int(f)
}

// Load reads, schema-validates, and decodes the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Load", err)
	}
	return Parse(data)
}

// Parse schema-validates and decodes manifest bytes.
func Parse(data []byte) (Manifest, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse", err)
	}
	if err := topLevelSchema.Validate(instance); err != nil {
		return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse", err)
	}

	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse", err)
	}

	m := Manifest{
		AcKind:      w.AcKind,
		AcVersion:   w.AcVersion,
		Name:        w.Name,
		Environment: w.App.Environment,
	}

	haveContainer := false
	for _, iso := range w.App.Isolators {
		var fields map[string]any
		if len(iso.Value) > 0 {
			vd := json.NewDecoder(bytes.NewReader(iso.Value))
			vd.UseNumber()
			if err := vd.Decode(&fields); err != nil {
				return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse", err)
			}
		}
		if fields == nil {
			fields = map[string]any{}
		}

		switch iso.Name {
		case "argo/container":
			m.Isolators.Container = Container{
				CPUs: asInt(fields, "cpus"),
				Mems: asInt(fields, "mems"),
			}
			haveContainer = true
		case "argo/scheduler":
			policy := SchedulerPolicy(asString(fields, "policy"))
			if policy != SchedFIFO && policy != SchedHPC && policy != SchedOther {
				return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse",
					fmt.Errorf("invalid scheduler policy %q", policy))
			}
			priority := asInt(fields, "priority")
			if policy != SchedOther {
				priority = 0
			}
			m.Isolators.Scheduler = &Scheduler{
				Policy:   policy,
				Priority: priority,
				Enabled:  enabledField(fields),
			}
		case "argo/perfwrapper":
			m.Isolators.PerfWrapper = &PerfWrapper{Enabled: enabledField(fields)}
		case "argo/power":
			policy := PowerPolicy(asString(fields, "policy"))
			switch policy {
			case "", PowerNone, PowerDDCM, PowerDVFS, PowerCombined:
			default:
				return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse",
					fmt.Errorf("invalid power policy %q", policy))
			}
			damperSeconds, _ := asNumber(fields, "damper")
			slowdown, hasSlowdown := asNumber(fields, "slowdown")
			if !hasSlowdown {
				slowdown = 1.0
			}
			if damperSeconds < 0 {
				return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse",
					fmt.Errorf("power damper must be >= 0"))
			}
			if slowdown < 1.0 {
				return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse",
					fmt.Errorf("power slowdown must be >= 1"))
			}
			m.Isolators.Power = &Power{
				Enabled:  enabledField(fields),
				Profile:  asString(fields, "profile"),
				Policy:   policy,
				Damper:   time.Duration(damperSeconds * float64(time.Second)),
				Slowdown: slowdown,
			}
		case "argo/hwbind":
			m.Isolators.HwBind = &HwBind{Enabled: enabledField(fields)}
		case "argo/monitoring":
			rl, _ := asNumber(fields, "ratelimit")
			if rl < 0 {
				return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse",
					fmt.Errorf("monitoring ratelimit must be >= 0"))
			}
			m.Isolators.Monitoring = &Monitoring{Enabled: enabledField(fields), RateLimit: rl}
		}
	}

	if !haveContainer {
		return Manifest{}, nrmerr.New(nrmerr.ManifestInvalid, "manifest.Parse",
			fmt.Errorf("missing mandatory isolator argo/container"))
	}

	return m, nil
}

// IsFeatureEnabled reports whether the named feature (without the "argo/"
// prefix) is present and not explicitly disabled, per spec.md §4.2: "A
// feature counts as enabled iff the isolator is present AND either lacks an
// enabled field or its value is in {"1","True"}."
func (m Manifest) IsFeatureEnabled(feature string) bool {
	switch feature {
	case "scheduler":
		return m.Isolators.Scheduler != nil && m.Isolators.Scheduler.Enabled
	case "perfwrapper":
		return m.Isolators.PerfWrapper != nil && m.Isolators.PerfWrapper.Enabled
	case "power":
		return m.Isolators.Power != nil && m.Isolators.Power.Enabled
	case "hwbind":
		return m.Isolators.HwBind != nil && m.Isolators.HwBind.Enabled
	case "monitoring":
		return m.Isolators.Monitoring != nil && m.Isolators.Monitoring.Enabled
	default:
		return false
	}
}
