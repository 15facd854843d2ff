// Package registry owns Container and Process lifecycle and the
// bidirectional pid<->container index, per spec.md §4.6. Grounded on
// original_source/nrm/containers.py (ContainerManager.create's environment
// and argv assembly) and resources.py/subprograms.py for the scheduling and
// hwloc-bind steps it calls out to.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anlsys/nrmd/internal/check"
	"github.com/anlsys/nrmd/internal/ddcm"
	"github.com/anlsys/nrmd/internal/manifest"
	"github.com/anlsys/nrmd/internal/nrmerr"
	"github.com/anlsys/nrmd/internal/resource"
	"github.com/anlsys/nrmd/internal/runtime"
	"github.com/anlsys/nrmd/internal/topology"
)

// Process is a live child under the daemon.
type Process struct {
	PID      int
	ClientID string
	Stdout   io.ReadCloser
	Stderr   io.ReadCloser
	Exited   bool
}

// PowerConfig is the per-container power configuration of spec.md §3.
type PowerConfig struct {
	Profile  string
	Policy   manifest.PowerPolicy
	Damper   time.Duration
	Slowdown float64
	Manager  *ddcm.Manager
}

// Container is a named compute isolation domain on the node.
type Container struct {
	UUID      string
	Manifest  manifest.Manifest
	Resources resource.Set
	Power     PowerConfig
	HWBind    bool

	Processes map[int]*Process // pid -> process, owned by this container
	ClientOf  map[int]string   // pid -> originating client id
}

// CreateRequest is one `run` RPC's payload, per spec.md §4.1.
type CreateRequest struct {
	ManifestPath  string
	Path          string
	Args          []string
	ContainerUUID string
	Environ       map[string]string
	ClientID      string
}

// CreateResult reports the spawned process and whether this was the first
// process of a brand-new container (the container_start publish trigger).
type CreateResult struct {
	PID           int
	Stdout        io.ReadCloser
	Stderr        io.ReadCloser
	FirstProcess  bool
	ContainerUUID string
}

// Registry is the single owner of Container and Process records.
type Registry struct {
	log       *slog.Logger
	resources *resource.Manager
	runtime   runtime.ContainerRuntime
	topo      topology.Provider

	mu         sync.Mutex
	containers map[string]*Container
	pidIndex   map[int]string // pid -> container uuid
}

// New builds a Registry over the given collaborators.
func New(log *slog.Logger, resources *resource.Manager, rt runtime.ContainerRuntime, topo topology.Provider) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		resources:  resources,
		runtime:    rt,
		topo:       topo,
		containers: make(map[string]*Container),
		pidIndex:   make(map[int]string),
	}
}

// Container looks up a container by uuid for read-only inspection by
// callers outside the registry (e.g. the DDCM dispatch path).
func (r *Registry) Container(uuid string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[uuid]
	return c, ok
}

// List reports every live container and its pids.
func (r *Registry) List() []struct {
	UUID string
	PIDs []int
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]struct {
		UUID string
		PIDs []int
	}, 0, len(r.containers))
	for uuid, c := range r.containers {
		pids := make([]int, 0, len(c.Processes))
		for pid := range c.Processes {
			pids = append(pids, pid)
		}
		out = append(out, struct {
			UUID string
			PIDs []int
		}{UUID: uuid, PIDs: pids})
	}
	return out
}

// Create reuses an existing container if request.ContainerUUID is already
// tracked (an additional process in the same container); otherwise it
// allocates resources, asks the runtime to create the isolation domain, and
// builds the power configuration. In either case it assembles the argv
// prefix, injects environment, and execs the requested process.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	m, err := manifest.Load(req.ManifestPath)
	if err != nil {
		return CreateResult{}, err
	}

	r.mu.Lock()
	c, existing := r.containers[req.ContainerUUID]
	r.mu.Unlock()

	firstProcess := !existing
	if !existing {
		c, err = r.createContainer(ctx, req.ContainerUUID, m)
		if err != nil {
			return CreateResult{}, err
		}
		r.mu.Lock()
		r.containers[req.ContainerUUID] = c
		r.mu.Unlock()
	}

	bindIndex := len(c.Processes)
	argv, err := r.assembleArgv(ctx, c, req.Path, req.Args, bindIndex)
	if err != nil {
		return CreateResult{}, err
	}
	env := r.assembleEnv(c, req.Environ)

	pid, stdout, stderr, err := r.runtime.Exec(ctx, c.UUID, runtime.ExecSpec{
		Path: argv[0],
		Args: argv[1:],
		Env:  env,
	})
	if err != nil {
		return CreateResult{}, nrmerr.New(nrmerr.RuntimeFailure, "registry.Create", err)
	}

	r.mu.Lock()
	c.Processes[pid] = &Process{PID: pid, ClientID: req.ClientID, Stdout: stdout, Stderr: stderr}
	c.ClientOf[pid] = req.ClientID
	r.pidIndex[pid] = c.UUID
	_, inProcesses := c.Processes[pid]
	check.Assertf(inProcesses, "registry consistency: pid %d missing from container %s after Create", pid, c.UUID)
	r.mu.Unlock()

	return CreateResult{
		PID:           pid,
		Stdout:        stdout,
		Stderr:        stderr,
		FirstProcess:  firstProcess,
		ContainerUUID: c.UUID,
	}, nil
}

func (r *Registry) createContainer(ctx context.Context, containerUUID string, m manifest.Manifest) (*Container, error) {
	req := resource.Request{CPUs: m.Isolators.Container.CPUs, Mems: m.Isolators.Container.Mems}
	set := r.resources.Schedule(containerUUID, req)
	if err := resource.Exhausted(req, set); err != nil {
		r.resources.Release(containerUUID)
		return nil, err
	}

	if err := r.runtime.Create(ctx, runtime.CreateSpec{Name: containerUUID, CPUs: set.CPUs, Mems: set.Mems}); err != nil {
		r.resources.Release(containerUUID)
		return nil, err
	}

	power := PowerConfig{Policy: manifest.PowerNone}
	if m.IsFeatureEnabled("power") && m.Isolators.Power != nil {
		p := m.Isolators.Power
		power = PowerConfig{
			Profile:  p.Profile,
			Policy:   p.Policy,
			Damper:   p.Damper,
			Slowdown: p.Slowdown,
		}
		if p.Policy == manifest.PowerDDCM {
			policy := ddcm.New(set.CPUs, p.Damper.Seconds(), p.Slowdown)
			power.Manager = ddcm.NewManager(policy)
		}
	}

	return &Container{
		UUID:      containerUUID,
		Manifest:  m,
		Resources: set,
		Power:     power,
		HWBind:    m.IsFeatureEnabled("hwbind"),
		Processes: make(map[int]*Process),
		ClientOf:  make(map[int]string),
	}, nil
}

func schedulerFlag(policy manifest.SchedulerPolicy) string {
	switch policy {
	case manifest.SchedFIFO:
		return "--fifo"
	case manifest.SchedHPC:
		return "--hpc"
	default:
		return "--other"
	}
}

// assembleArgv builds the scheduler wrapper, perf wrapper, and per-process
// hwloc-bind prefix ahead of the user's command, per spec.md §4.6.
func (r *Registry) assembleArgv(ctx context.Context, c *Container, path string, args []string, bindIndex int) ([]string, error) {
	var argv []string

	if c.Manifest.IsFeatureEnabled("scheduler") && c.Manifest.Isolators.Scheduler != nil {
		sched := c.Manifest.Isolators.Scheduler
		argv = append(argv, "chrt", schedulerFlag(sched.Policy), fmt.Sprintf("%d", sched.Priority))
	}

	if c.Manifest.IsFeatureEnabled("perfwrapper") {
		argv = append(argv, "perf", "stat", "--")
	}

	if c.HWBind {
		sets, err := r.topo.Distrib(len(c.Resources.CPUs), c.Resources.CPUs)
		if err != nil {
			return nil, nrmerr.New(nrmerr.RuntimeFailure, "registry.assembleArgv", err)
		}
		if bindIndex < len(sets) {
			argv = append(argv, "hwloc-bind", fmt.Sprintf("core:%s", intsToCSV(sets[bindIndex].CPUs)),
				"--membind", fmt.Sprintf("numa:%s", intsToCSV(sets[bindIndex].Mems)))
		}
	}

	argv = append(argv, path)
	argv = append(argv, args...)
	return argv, nil
}

func intsToCSV(ids []int) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out
}

const libnrmPreload = "libnrm.so"

// assembleEnv injects the environment variables spec.md §4.6/original
// containers.py set for every process, plus the per-phase power knobs when
// a policy is active. Damper is converted to nanoseconds at this boundary
// only, per the unit-pinning decision in spec.md §9.
func (r *Registry) assembleEnv(c *Container, requested map[string]string) []string {
	env := map[string]string{
		"PATH":                "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"ARGO_CONTAINER_UUID": c.UUID,
		"AC_APP_NAME":         c.Manifest.Name,
		"AC_METADATA_URL":     "localhost",
		"container":           "argo",
	}
	for k, v := range requested {
		env[k] = v
	}
	if c.Power.Policy != manifest.PowerNone && c.Power.Policy != "" {
		env["LD_PRELOAD"] = libnrmPreload
		env["NRM_TRANSMIT"] = "1"
		env["NRM_DAMPER"] = fmt.Sprintf("%d", c.Power.Damper.Nanoseconds())
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Kill best-effort terminates every process in the container. It does not
// remove the container; Reconcile does that once every process has
// actually exited.
func (r *Registry) Kill(ctx context.Context, containerUUID string) error {
	r.mu.Lock()
	c, ok := r.containers[containerUUID]
	r.mu.Unlock()
	if !ok {
		return nrmerr.New(nrmerr.UnknownContainer, "registry.Kill", fmt.Errorf("%s", containerUUID))
	}

	r.mu.Lock()
	pids := make([]int, 0, len(c.Processes))
	for pid := range c.Processes {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	var firstErr error
	for _, pid := range pids {
		if err := r.runtime.Kill(ctx, containerUUID, pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReconcileResult reports the outcome of removing one reaped pid from the
// index, for the daemon core to act on.
type ReconcileResult struct {
	ContainerUUID string
	ClientID      string
	LastProcess   bool
	Container     *Container
}

// Reconcile removes pid from both indices once the process has exited (the
// daemon detects this by its stdout/stderr readers reaching EOF) and reports
// whether it was the container's last process. If so, the container's
// PowerPolicyManager is reset, its resources released, and the underlying
// runtime container torn down via runtime.Remove — per spec.md:176
// ("delete(name, kill_content) removes it"), the container is removed on
// the exit that reconciles its last process, not on kill(uuid) (spec.md:110
// explicitly leaves removal to this path). The caller is responsible for
// publishing container_exit with the energy/time diff (which needs the
// sensor manager, a collaborator the registry does not hold).
func (r *Registry) Reconcile(ctx context.Context, pid int) (ReconcileResult, bool) {
	r.mu.Lock()

	containerUUID, ok := r.pidIndex[pid]
	if !ok {
		r.mu.Unlock()
		return ReconcileResult{}, false
	}
	c := r.containers[containerUUID]
	clientID := c.ClientOf[pid]

	delete(r.pidIndex, pid)
	delete(c.Processes, pid)
	delete(c.ClientOf, pid)

	_, stillIndexed := r.pidIndex[pid]
	_, stillInContainer := c.Processes[pid]
	check.Assertf(!stillIndexed && !stillInContainer, "registry consistency: pid %d survived reconciliation", pid)

	last := len(c.Processes) == 0
	if last {
		if c.Power.Manager != nil {
			c.Power.Manager.ResetAll()
		}
		delete(r.containers, containerUUID)
		r.resources.Release(containerUUID)
	}
	r.mu.Unlock()

	if last {
		if err := r.runtime.Remove(ctx, containerUUID); err != nil {
			r.log.Warn("remove container failed", "container", containerUUID, "err", err)
		}
	}

	return ReconcileResult{
		ContainerUUID: containerUUID,
		ClientID:      clientID,
		LastProcess:   last,
		Container:     c,
	}, true
}

// NewContainerUUID generates a fresh container identity for a client that
// did not supply one (tests and CLI convenience; the wire protocol always
// carries an explicit container_uuid per spec.md §4.1).
func NewContainerUUID() string { return uuid.NewString() }
