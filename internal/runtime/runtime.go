// Package runtime drives container and process lifecycle through a narrow
// ContainerRuntime interface, per spec.md §6. Grounded on
// getployz-ployz/infra/docker/container.go's CreateAndStart/StopAndRemove
// helpers; adapted from image-based containers to cpuset/cpuset-mems-bound
// isolation domains (spec.md's GLOSSARY: "a cpuset/memset-isolated domain on
// the local node, not an image-based runtime") by pinning a long-lived
// keep-alive container per uuid via HostConfig.Resources and running every
// subsequent `run` as an exec inside it.
package runtime

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/anlsys/nrmd/internal/nrmerr"
)

// KeepAliveImage is the minimal image used to host the isolation domain
// before any process is execed into it.
const KeepAliveImage = "busybox:latest"

// CreateSpec describes the isolation domain to create.
type CreateSpec struct {
	Name string
	CPUs []int
	Mems []int
}

// ExecSpec describes one process to run inside an existing domain.
type ExecSpec struct {
	Path string
	Args []string
	Env  []string
}

// Topology reports the CPU and memory-node ids visible to the runtime.
type Topology struct {
	CPUs []int
	Mems []int
}

// ContainerRuntime is the narrow interface the registry drives; a real
// implementation is backed by the Docker API, a fake backs tests.
type ContainerRuntime interface {
	Create(ctx context.Context, spec CreateSpec) error
	Exec(ctx context.Context, name string, spec ExecSpec) (pid int, stdout, stderr io.ReadCloser, err error)
	Kill(ctx context.Context, name string, pid int) error
	Remove(ctx context.Context, name string) error
	Available(ctx context.Context) (Topology, error)
}

func cpusetString(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

var _ ContainerRuntime = (*Docker)(nil)

// Docker backs ContainerRuntime with the real Docker API client.
type Docker struct {
	cli client.APIClient
}

// NewDocker wraps an existing Docker API client.
func NewDocker(cli client.APIClient) *Docker {
	return &Docker{cli: cli}
}

// Create pulls the keep-alive image if needed, creates a container pinned
// to the requested cpuset/mems, and starts it. A NotFound error from the
// first create triggers an image pull and one retry, mirroring
// CreateAndStart; any other create error, including a name already in use,
// is returned as RuntimeFailure.
func (d *Docker) Create(ctx context.Context, spec CreateSpec) error {
	cfg := &container.Config{
		Image: KeepAliveImage,
		Cmd:   []string{"sleep", "infinity"},
		Tty:   false,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			CpusetCpus: cpusetString(spec.CPUs),
			CpusetMems: cpusetString(spec.Mems),
		},
	}

	_, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Create", err)
		}
		if err := d.pullImage(ctx); err != nil {
			return err
		}
		if _, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name); err != nil {
			return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Create", err)
		}
	}

	if err := d.cli.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
		return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Create", err)
	}
	return nil
}

func (d *Docker) pullImage(ctx context.Context) error {
	resp, err := d.cli.ImagePull(ctx, KeepAliveImage, image.PullOptions{})
	if err != nil {
		return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.pullImage", err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.pullImage", err)
	}
	return nil
}

// Exec runs one process inside an already-created domain and returns its
// pid via ContainerExecInspect. Stdout/stderr are demultiplexed from the
// single attached stream with stdcopy, same as the container exec helper
// this is grounded on.
func (d *Docker) Exec(ctx context.Context, name string, spec ExecSpec) (int, io.ReadCloser, io.ReadCloser, error) {
	cmd := append([]string{spec.Path}, spec.Args...)
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return 0, nil, nil, nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Exec", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return 0, nil, nil, nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Exec", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		attach.Close()
		return 0, nil, nil, nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Exec", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer attach.Close()
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
	}()

	return inspect.Pid, stdoutR, stderrR, nil
}

// Kill best-effort terminates one process inside the domain by execing
// `kill` in its namespace: a single process cannot be signaled directly
// through the exec API, only the whole domain can.
func (d *Docker) Kill(ctx context.Context, name string, pid int) error {
	execCfg := container.ExecOptions{
		Cmd: []string{"kill", "-TERM", strconv.Itoa(pid)},
	}
	created, err := d.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Kill", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Kill", err)
	}
	defer attach.Close()
	return nil
}

// Remove stops and force-removes the domain; both steps are idempotent,
// mirroring StopAndRemove.
func (d *Docker) Remove(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Remove", err)
		}
	}
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Remove", err)
		}
	}
	return nil
}

// Available reports CPU ids 0..NCPU-1, with NCPU taken from the Docker
// daemon's Info call, and a single memory node 0; the memory-node topology
// is not queried.
func (d *Docker) Available(ctx context.Context) (Topology, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return Topology{}, nrmerr.New(nrmerr.RuntimeFailure, "runtime.Docker.Available", err)
	}
	cpus := make([]int, info.NCPU)
	for i := range cpus {
		cpus[i] = i
	}
	return Topology{CPUs: cpus, Mems: []int{0}}, nil
}
