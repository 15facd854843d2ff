// Package daemon hosts the single-threaded cooperative event loop of
// spec.md §4.8/§5: it binds the three sockets, owns the Registry and
// ApplicationManager, and registers the periodic sensor/control
// callbacks. Grounded on getployz-ployz/cmd/ployzd's daemon entrypoint
// (signal.NotifyContext-driven shutdown) and the teacher's convention of
// an injected *slog.Logger everywhere rather than a global.
//
// One suspension point named in spec.md §5 — "child stdout/stderr
// readers (complete on EOF)" — is this implementation's sole source of
// child-exit reconciliation: processes run as Docker execs inside a
// cpuset-pinned domain (internal/runtime), never as direct children of
// this process, so no real SIGCHLD is ever delivered for them. Their
// exit is detected when both stdout and stderr readers hit EOF, which is
// exactly the suspension point spec.md already lists alongside SIGCHLD;
// see DESIGN.md for the full justification.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/anlsys/nrmd/internal/config"
	"github.com/anlsys/nrmd/internal/message"
	"github.com/anlsys/nrmd/internal/nrmerr"
	"github.com/anlsys/nrmd/internal/power"
	"github.com/anlsys/nrmd/internal/registry"
	"github.com/anlsys/nrmd/internal/sensor"
	"github.com/anlsys/nrmd/internal/telemetry"
	"github.com/anlsys/nrmd/pkg/nrmapi"
)

// processExit is pushed onto Core.exitCh once a launched process's
// stdout and stderr readers have both reached EOF.
type processExit struct {
	containerUUID string
	pid           int
}

type containerProfile struct {
	startTime time.Time
	startJ    map[string]float64
}

// Core wires every other package together behind the event loop.
type Core struct {
	log *slog.Logger
	cfg config.Config

	registry *registry.Registry
	apps     *registry.ApplicationManager
	sensors  *sensor.Manager
	power    *power.Controller

	rpc   *message.Router
	pub   *message.PubServer
	event *message.Router

	exitCh chan processExit

	mu       sync.Mutex
	profiles map[string]containerProfile
}

// New builds a Core over already-constructed collaborators.
func New(log *slog.Logger, cfg config.Config, reg *registry.Registry, apps *registry.ApplicationManager, sensors *sensor.Manager, pc *power.Controller, rpc *message.Router, pub *message.PubServer, event *message.Router) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		log:      log,
		cfg:      cfg,
		registry: reg,
		apps:     apps,
		sensors:  sensors,
		power:    pc,
		rpc:      rpc,
		pub:      pub,
		event:    event,
		exitCh:   make(chan processExit, 16),
		profiles: make(map[string]containerProfile),
	}
}

// Run drives the event loop until ctx is cancelled (SIGINT/SIGTERM in
// cmd/nrmd), per the single-threaded cooperative model of spec.md §5:
// every branch below runs a handler to completion before the next
// select, so no mutator of the Registry/ApplicationManager ever races
// another.
func (c *Core) Run(ctx context.Context) error {
	if err := c.sensors.Start(); err != nil {
		c.log.Warn("sensor baseline failed", "err", err)
	}

	go c.rpc.Serve(ctx)
	go c.pub.Serve(ctx)
	go c.event.Serve(ctx)

	sensorTicker := time.NewTicker(c.cfg.SensorPeriod)
	defer sensorTicker.Stop()
	controlTicker := time.NewTicker(c.cfg.ControlPeriod)
	defer controlTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("daemon core shutting down")
			return nil

		case in := <-c.rpc.Inbound():
			_ = telemetry.Dispatch(ctx, "rpc", func(ctx context.Context) error {
				return c.handleRPC(ctx, in)
			})

		case in := <-c.event.Inbound():
			_ = telemetry.Dispatch(ctx, "down_event", func(ctx context.Context) error {
				return c.handleEvent(ctx, in)
			})

		case exit := <-c.exitCh:
			_ = telemetry.Dispatch(ctx, "process_exit", func(ctx context.Context) error {
				c.reconcile(ctx, exit)
				return nil
			})

		case <-sensorTicker.C:
			_ = telemetry.Dispatch(ctx, "sensor_tick", func(ctx context.Context) error {
				c.sensorTick()
				return nil
			})

		case <-controlTicker.C:
			_ = telemetry.Dispatch(ctx, "control_tick", func(ctx context.Context) error {
				c.controlTick()
				return nil
			})
		}
	}
}

func errnoFor(err error) int {
	switch {
	case nrmerr.Is(err, nrmerr.ManifestInvalid):
		return 1
	case nrmerr.Is(err, nrmerr.ResourceExhausted):
		return 2
	case nrmerr.Is(err, nrmerr.RuntimeFailure):
		return 3
	case nrmerr.Is(err, nrmerr.UnknownContainer):
		return 4
	case nrmerr.Is(err, nrmerr.UnknownApplication):
		return 5
	default:
		return 255
	}
}

func (c *Core) replyError(clientID string, containerUUID string, err error) {
	raw, encErr := message.Encode(nrmapi.ErrorReply{
		ContainerUUID: containerUUID,
		Errno:         errnoFor(err),
		Message:       err.Error(),
	})
	if encErr != nil {
		c.log.Error("encode error reply failed", "err", encErr)
		return
	}
	if err := c.rpc.Send(clientID, raw); err != nil {
		c.log.Debug("reply send failed, client likely gone", "client", clientID, "err", err)
	}
}

// handleRPC dispatches one upstream RPC frame: list/run/kill/setpower.
// A frame that fails decoding or names an unknown type is logged and
// dropped without a reply; a failing run/kill/setpower is replied with a
// non-zero errno. None of them stop the loop.
func (c *Core) handleRPC(ctx context.Context, in message.Inbound) error {
	env, raw, err := message.Decode(in.Raw)
	if err != nil {
		c.log.Warn("rejected rpc frame", "err", err)
		return err
	}

	switch env.Type {
	case "list":
		return c.handleList(in.ClientID)
	case "run":
		return c.handleRun(ctx, in.ClientID, raw)
	case "kill":
		return c.handleKill(ctx, in.ClientID, raw)
	case "setpower":
		return c.handleSetPower(in.ClientID, raw)
	default:
		c.log.Warn("unknown rpc type", "type", env.Type)
		return nrmerr.New(nrmerr.UnknownMessageType, "daemon.handleRPC", fmt.Errorf("%s", env.Type))
	}
}

func (c *Core) handleList(clientID string) error {
	entries := c.registry.List()
	payload := make([]nrmapi.ContainerEntry, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, nrmapi.ContainerEntry{UUID: e.UUID, PIDs: e.PIDs})
	}
	raw, err := message.Encode(nrmapi.ListReply{Payload: payload})
	if err != nil {
		return err
	}
	return c.rpc.Send(clientID, raw)
}

func (c *Core) handleRun(ctx context.Context, clientID string, raw []byte) error {
	var req nrmapi.RunRequest
	if err := message.Unmarshal(raw, &req); err != nil {
		c.replyError(clientID, "", err)
		return err
	}

	res, err := c.registry.Create(ctx, registry.CreateRequest{
		ManifestPath:  req.Manifest,
		Path:          req.Path,
		Args:          req.Args,
		ContainerUUID: req.ContainerUUID,
		Environ:       req.Environ,
		ClientID:      clientID,
	})
	if err != nil {
		c.replyError(clientID, req.ContainerUUID, err)
		return err
	}

	if res.FirstProcess {
		c.mu.Lock()
		snap, sampleErr := c.sensors.Sample()
		if sampleErr == nil {
			c.profiles[res.ContainerUUID] = containerProfile{startTime: time.Now(), startJ: snap.EnergyJoules}
		}
		c.mu.Unlock()

		pub, encErr := message.Encode(nrmapi.ContainerStartPublish{ContainerUUID: res.ContainerUUID, Errno: 0})
		if encErr == nil {
			c.pub.Send(pub)
		}
	}

	reply, err := message.Encode(nrmapi.ProcessStartReply{ContainerUUID: res.ContainerUUID, PID: res.PID})
	if err != nil {
		return err
	}
	if err := c.rpc.Send(clientID, reply); err != nil {
		c.log.Debug("process_start reply send failed", "err", err)
	}

	c.streamOutput(clientID, res.ContainerUUID, res.PID, res.Stdout, res.Stderr)
	return nil
}

// streamOutput forwards stdout/stderr chunks as RPC replies and pushes a
// processExit once both readers hit EOF — the "complete on EOF"
// suspension point of spec.md §5.
func (c *Core) streamOutput(clientID, containerUUID string, pid int, stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.pump(clientID, containerUUID, stdout, func(payload string) nrmapi.Message {
			return nrmapi.StdoutReply{ContainerUUID: containerUUID, Payload: payload}
		})
	}()
	go func() {
		defer wg.Done()
		c.pump(clientID, containerUUID, stderr, func(payload string) nrmapi.Message {
			return nrmapi.StderrReply{ContainerUUID: containerUUID, Payload: payload}
		})
	}()

	go func() {
		wg.Wait()
		c.exitCh <- processExit{containerUUID: containerUUID, pid: pid}
	}()
}

func (c *Core) pump(clientID, containerUUID string, r io.ReadCloser, build func(string) nrmapi.Message) {
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			raw, encErr := message.Encode(build(string(buf[:n])))
			if encErr == nil {
				if sendErr := c.rpc.Send(clientID, raw); sendErr != nil {
					c.log.Debug("output reply send failed, client gone", "client", clientID, "err", sendErr)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Core) handleKill(ctx context.Context, clientID string, raw []byte) error {
	var req nrmapi.KillRequest
	if err := message.Unmarshal(raw, &req); err != nil {
		c.replyError(clientID, "", err)
		return err
	}
	if err := c.registry.Kill(ctx, req.ContainerUUID); err != nil {
		c.replyError(clientID, req.ContainerUUID, err)
		return err
	}
	return nil
}

func (c *Core) handleSetPower(clientID string, raw []byte) error {
	var req nrmapi.SetPowerRequest
	if err := message.Unmarshal(raw, &req); err != nil {
		c.replyError(clientID, "", err)
		return err
	}
	watts, err := strconv.ParseFloat(req.Limit, 64)
	if err != nil {
		c.replyError(clientID, "", nrmerr.New(nrmerr.SchemaViolation, "daemon.handleSetPower", err))
		return err
	}

	c.power.Command(watts)
	for _, domain := range c.cfg.DomainNames() {
		if setErr := c.sensors.SetPowerLimit(domain, watts); setErr != nil {
			c.log.Warn("set power limit failed", "domain", domain, "err", setErr)
		}
	}

	reply, err := message.Encode(nrmapi.GetPowerReply{Limit: req.Limit})
	if err != nil {
		return err
	}
	return c.rpc.Send(clientID, reply)
}

// reconcile removes an exited process from the registry, replies
// process_exit to the originating client and, for the container's last
// process, publishes container_exit afterwards, preserving the ordering
// guarantee of spec.md §5.
func (c *Core) reconcile(ctx context.Context, exit processExit) {
	res, ok := c.registry.Reconcile(ctx, exit.pid)
	if !ok {
		return
	}

	raw, err := message.Encode(nrmapi.ProcessExitReply{ContainerUUID: res.ContainerUUID, Status: "0"})
	if err == nil {
		if sendErr := c.rpc.Send(res.ClientID, raw); sendErr != nil {
			c.log.Debug("process_exit reply send failed", "err", sendErr)
		}
	}

	if !res.LastProcess {
		return
	}

	c.apps.DeleteByContainer(res.ContainerUUID)

	profileData := c.buildProfileData(res.ContainerUUID, res.Container)
	pub, err := message.Encode(nrmapi.ContainerExitPublish{ContainerUUID: res.ContainerUUID, ProfileData: profileData})
	if err == nil {
		c.pub.Send(pub)
	}
}

func (c *Core) buildProfileData(containerUUID string, cont *registry.Container) map[string]any {
	c.mu.Lock()
	profile, ok := c.profiles[containerUUID]
	delete(c.profiles, containerUUID)
	c.mu.Unlock()

	data := map[string]any{}
	if ok {
		data["duration_seconds"] = time.Since(profile.startTime).Seconds()
		if snap, err := c.sensors.Sample(); err == nil {
			energyDelta := make(map[string]float64, len(snap.EnergyJoules))
			for pkg, end := range snap.EnergyJoules {
				energyDelta[pkg] = end - profile.startJ[pkg]
			}
			data["energy_joules_delta"] = energyDelta
			data["temperature_c"] = snap.TemperatureC
		}
	}
	if cont != nil && cont.Power.Manager != nil {
		data["ddcm_stats"] = cont.Power.Manager.Stats()
	}
	return data
}

func (c *Core) sensorTick() {
	snap, err := c.sensors.Sample()
	if err != nil {
		c.log.Warn("sensor sample malformed, suppressing power publish", "err", err)
		return
	}
	if snap.TotalPowerWatts == nil {
		return
	}

	c.power.FeedPower(snap.Time, *snap.TotalPowerWatts)

	limit := 0.0
	for _, pc := range snap.PowerCaps {
		if pc.Enabled {
			limit += pc.CurrentW
		}
	}
	raw, err := message.Encode(nrmapi.PowerPublish{Total: *snap.TotalPowerWatts, Limit: limit})
	if err != nil {
		return
	}
	c.pub.Send(raw)
}

func (c *Core) controlTick() {
	tel, ok := c.power.Step(time.Now())
	if !ok {
		return
	}
	raw, err := message.Encode(nrmapi.ControlPublish{
		PowerCap:     tel.Cap,
		Power:        tel.Power,
		Performance:  tel.Performance,
		ControlTime:  float64(tel.ControlTime.UnixNano()) / 1e9,
		FeedbackTime: float64(tel.FeedbackTime.UnixNano()) / 1e9,
	})
	if err != nil {
		return
	}
	c.pub.Send(raw)
}

// handleEvent dispatches one downstream event: application_start,
// progress, performance, phase_context, application_exit.
func (c *Core) handleEvent(ctx context.Context, in message.Inbound) error {
	env, raw, err := message.Decode(in.Raw)
	if err != nil {
		c.log.Warn("rejected downstream event", "err", err)
		return err
	}

	switch env.Type {
	case "application_start":
		return c.handleApplicationStart(raw)
	case "application_exit":
		return c.handleApplicationExit(raw)
	case "progress":
		return c.handleProgress(raw)
	case "performance":
		return c.handlePerformance(raw)
	case "phase_context":
		return c.handlePhaseContext(raw)
	default:
		c.log.Warn("unknown downstream event type", "type", env.Type)
		return nrmerr.New(nrmerr.UnknownMessageType, "daemon.handleEvent", fmt.Errorf("%s", env.Type))
	}
}

func (c *Core) handleApplicationStart(raw []byte) error {
	var ev nrmapi.ApplicationStartEvent
	if err := message.Unmarshal(raw, &ev); err != nil {
		return err
	}
	_, err := c.apps.Register(registry.RegisterRequest{UUID: ev.ApplicationUUID, ContainerUUID: ev.ContainerUUID})
	if err != nil {
		c.log.Warn("application_start on unknown container", "err", err)
		return err
	}
	return nil
}

func (c *Core) handleApplicationExit(raw []byte) error {
	var ev nrmapi.ApplicationExitEvent
	if err := message.Unmarshal(raw, &ev); err != nil {
		return err
	}
	c.apps.Delete(ev.ApplicationUUID)
	return nil
}

func payloadNumber(payload json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(payload, &v); err != nil {
		return 0, false
	}
	return v, true
}

func (c *Core) handleProgress(raw []byte) error {
	var ev nrmapi.ProgressEvent
	if err := message.Unmarshal(raw, &ev); err != nil {
		return err
	}
	app, ok := c.apps.Get(ev.ApplicationUUID)
	if !ok {
		return nrmerr.New(nrmerr.UnknownApplication, "daemon.handleProgress", fmt.Errorf("%s", ev.ApplicationUUID))
	}
	if v, ok := payloadNumber(ev.Payload); ok {
		app.Progress = v
		c.power.FeedPerformance(time.Now(), v)
	}

	pub, err := message.Encode(nrmapi.ProgressPublish{ApplicationUUID: ev.ApplicationUUID, Payload: ev.Payload})
	if err != nil {
		return err
	}
	c.pub.Send(pub)
	return nil
}

func (c *Core) handlePerformance(raw []byte) error {
	var ev nrmapi.PerformanceEvent
	if err := message.Unmarshal(raw, &ev); err != nil {
		return err
	}
	app, ok := c.apps.Get(ev.ApplicationUUID)
	if !ok {
		return nrmerr.New(nrmerr.UnknownApplication, "daemon.handlePerformance", fmt.Errorf("%s", ev.ApplicationUUID))
	}
	if v, ok := payloadNumber(ev.Payload); ok {
		app.Progress = v
		c.power.FeedPerformance(time.Now(), v)
	}

	pub, err := message.Encode(nrmapi.PerformancePublish{ContainerUUID: ev.ContainerUUID, Payload: ev.Payload})
	if err != nil {
		return err
	}
	c.pub.Send(pub)
	return nil
}

// handlePhaseContext updates one CPU's phase timing and, once every CPU
// of the container's bound set has reported, invokes the DDCM policy.
// Per spec.md §4.5/§7, an incomplete set or an aggregation mismatch is
// PolicyPreconditionUnmet: the manager either defers or resets, and this
// handler returns a PolicyPreconditionUnmet error, which the event loop
// records on the dispatch span without stopping.
func (c *Core) handlePhaseContext(raw []byte) error {
	var ev nrmapi.PhaseContextEvent
	if err := message.Unmarshal(raw, &ev); err != nil {
		return err
	}
	app, ok := c.apps.Get(ev.ApplicationUUID)
	if !ok {
		return nrmerr.New(nrmerr.UnknownApplication, "daemon.handlePhaseContext", fmt.Errorf("%s", ev.ApplicationUUID))
	}
	if app.PhaseContexts == nil {
		return nil
	}
	pc, ok := app.PhaseContexts[ev.CPU]
	if !ok {
		return nil
	}
	pc.StartCompute = 0
	pc.EndCompute = ev.ComputeTime
	pc.StartBarrier = 0
	pc.EndBarrier = ev.TotalTime - ev.ComputeTime
	pc.Aggregation = ev.Aggregation
	pc.Set = true

	cont, ok := c.registry.Container(app.ContainerUUID)
	if !ok || cont.Power.Manager == nil {
		return nil
	}
	outcomes := cont.Power.Manager.RunPolicy(app.PhaseContexts)
	if outcomes == nil {
		return nrmerr.New(nrmerr.PolicyPreconditionUnmet, "daemon.handlePhaseContext", fmt.Errorf("incomplete phase contexts or aggregation mismatch"))
	}
	for cpu, outcome := range outcomes {
		c.log.Debug("ddcm outcome", "container", app.ContainerUUID, "cpu", cpu, "outcome", outcome)
	}
	return nil
}
