package daemon

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anlsys/nrmd/internal/config"
	"github.com/anlsys/nrmd/internal/message"
	"github.com/anlsys/nrmd/internal/power"
	"github.com/anlsys/nrmd/internal/registry"
	"github.com/anlsys/nrmd/internal/resource"
	"github.com/anlsys/nrmd/internal/runtime"
	"github.com/anlsys/nrmd/internal/sensor"
	"github.com/anlsys/nrmd/internal/topology"
	"github.com/anlsys/nrmd/pkg/nrmapi"
)

type fakeDriver struct {
	energy map[string]float64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{energy: map[string]float64{"package-0": 10}}
}

func (f *fakeDriver) Packages() []string                       { return []string{"package-0"} }
func (f *fakeDriver) EnergyJoules(pkg string) (float64, error) { return f.energy[pkg], nil }
func (f *fakeDriver) TemperatureC(pkg string) (float64, error) { return 40, nil }
func (f *fakeDriver) PackageEnabled(pkg string) bool           { return true }
func (f *fakeDriver) PowerLimits() (map[string]sensor.PowerCap, error) {
	return map[string]sensor.PowerCap{"package-0": {CurrentW: 100, MinW: 10, MaxW: 150, Enabled: true}}, nil
}
func (f *fakeDriver) SetPowerLimit(domain string, watts float64) error { return nil }

type fakeTopo struct{}

func (fakeTopo) Info() (topology.Resources, error) { return topology.Resources{}, nil }
func (fakeTopo) Distrib(n int, restrict []int) ([]topology.Binding, error) {
	out := make([]topology.Binding, n)
	for i := range out {
		out[i] = topology.Binding{CPUs: restrict, Mems: []int{0}}
	}
	return out, nil
}

func writeManifest(t *testing.T) string {
	t.Helper()
	doc := map[string]any{
		"acKind": "ImageManifest", "acVersion": "1.0.0", "name": "job",
		"app": map[string]any{
			"isolators": []any{
				map[string]any{"name": "argo/container", "value": map[string]any{"cpus": 1, "mems": 1}},
			},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "job.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCore(t *testing.T) (*Core, string, string, string) {
	t.Helper()
	cfg := config.Default()

	rpc, err := message.NewRouter("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := message.NewPubServer("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	event, err := message.NewRouter("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}

	rm := resource.New([]int{0, 1, 2, 3}, []int{0, 1})
	rt := runtime.NewFake(runtime.Topology{CPUs: []int{0, 1, 2, 3}, Mems: []int{0, 1}})
	reg := registry.New(nil, rm, rt, fakeTopo{})
	apps := registry.NewApplicationManager(reg)

	sensors := sensor.NewManager(newFakeDriver())
	pc := power.New(100, cfg.ControlPeriod, time.Now())

	core := New(nil, cfg, reg, apps, sensors, pc, rpc, pub, event)
	return core, rpc.Addr().String(), pub.Addr().String(), event.Addr().String()
}

func writeFrame(t *testing.T, conn net.Conn, raw []byte) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatal(err)
	}
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatal(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestRunProducesProcessStartAndExit(t *testing.T) {
	core, rpcAddr, _, _ := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	conn, err := net.Dial("tcp", rpcAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	manifestPath := writeManifest(t)
	raw, err := message.Encode(nrmapi.RunRequest{
		Manifest: manifestPath, Path: "/bin/true", ContainerUUID: "c1", Environ: map[string]string{},
	})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, raw)

	reply := readFrame(t, conn)
	env, body, err := message.Decode(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if env.Type != "process_start" {
		t.Fatalf("expected process_start, got %s", env.Type)
	}
	var start nrmapi.ProcessStartReply
	if err := message.Unmarshal(body, &start); err != nil {
		t.Fatal(err)
	}
	if start.ContainerUUID != "c1" {
		t.Fatalf("unexpected container uuid %q", start.ContainerUUID)
	}

	// The fake runtime's Exec returns already-EOF stdout/stderr, so the
	// process_exit reply should follow shortly after.
	reply = readFrame(t, conn)
	env, _, err = message.Decode(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if env.Type != "process_exit" {
		t.Fatalf("expected process_exit, got %s", env.Type)
	}
}

func TestListReportsNoContainersInitially(t *testing.T) {
	core, rpcAddr, _, _ := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	conn, err := net.Dial("tcp", rpcAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	raw, err := message.Encode(nrmapi.ListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, raw)

	reply := readFrame(t, conn)
	env, body, err := message.Decode(reply)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "list" {
		t.Fatalf("expected list reply, got %s", env.Type)
	}
	var listReply nrmapi.ListReply
	if err := message.Unmarshal(body, &listReply); err != nil {
		t.Fatal(err)
	}
	if len(listReply.Payload) != 0 {
		t.Fatalf("expected empty container list, got %v", listReply.Payload)
	}
}

func TestUnknownRPCTypeIsRejectedWithoutKillingTheLoop(t *testing.T) {
	core, rpcAddr, _, _ := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	conn, err := net.Dial("tcp", rpcAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	raw := []byte(`{"api":"up_rpc_req","type":"frobnicate"}`)
	writeFrame(t, conn, raw)

	// The loop should still answer a subsequent, valid request.
	conn2, err := net.Dial("tcp", rpcAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	raw2, err := message.Encode(nrmapi.ListRequest{})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn2, raw2)
	reply := readFrame(t, conn2)
	env, _, err := message.Decode(reply)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "list" {
		t.Fatalf("expected the loop to keep answering after an unknown rpc type, got %s", env.Type)
	}
}

func TestSetPowerUpdatesControllerCap(t *testing.T) {
	core, rpcAddr, _, _ := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	conn, err := net.Dial("tcp", rpcAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	raw, err := message.Encode(nrmapi.SetPowerRequest{Limit: "90"})
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, raw)

	reply := readFrame(t, conn)
	env, body, err := message.Decode(reply)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "getpower" {
		t.Fatalf("expected getpower reply, got %s", env.Type)
	}
	var getPower nrmapi.GetPowerReply
	if err := message.Unmarshal(body, &getPower); err != nil {
		t.Fatal(err)
	}
	if getPower.Limit != "90" {
		t.Fatalf("unexpected limit %q", getPower.Limit)
	}

	// The handler commands the controller before replying, so the next
	// control step reports the new cap.
	base := time.Now().Add(2 * time.Second)
	core.power.FeedPower(base, 50)
	core.power.FeedPower(base.Add(time.Second), 50)
	core.power.FeedPerformance(base, 1)
	core.power.FeedPerformance(base.Add(time.Second), 1)
	tel, ok := core.power.Step(base.Add(time.Second))
	if !ok || tel.Cap != 90 {
		t.Fatalf("controller cap = %v (step ran: %v), want 90", tel.Cap, ok)
	}
}
