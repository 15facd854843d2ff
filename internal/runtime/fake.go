package runtime

import (
	"context"
	"io"
	"strings"
	"sync"
)

var _ ContainerRuntime = (*Fake)(nil)

// Fake is an in-memory ContainerRuntime double for tests: no processes are
// actually spawned, pids are assigned sequentially starting at 1001.
type Fake struct {
	mu      sync.Mutex
	created map[string]CreateSpec
	nextPid int
	topo    Topology

	// FailCreate, if set, makes Create return this error for the named
	// domain instead of succeeding.
	FailCreate map[string]error
}

// NewFake builds a Fake reporting the given topology from Available.
func NewFake(topo Topology) *Fake {
	return &Fake{
		created:    make(map[string]CreateSpec),
		nextPid:    1000,
		topo:       topo,
		FailCreate: make(map[string]error),
	}
}

func (f *Fake) Create(ctx context.Context, spec CreateSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailCreate[spec.Name]; ok {
		return err
	}
	f.created[spec.Name] = spec
	return nil
}

func (f *Fake) Exec(ctx context.Context, name string, spec ExecSpec) (int, io.ReadCloser, io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	pid := f.nextPid
	stdout := io.NopCloser(strings.NewReader(""))
	stderr := io.NopCloser(strings.NewReader(""))
	return pid, stdout, stderr, nil
}

func (f *Fake) Kill(ctx context.Context, name string, pid int) error {
	return nil
}

func (f *Fake) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, name)
	return nil
}

func (f *Fake) Available(ctx context.Context) (Topology, error) {
	return f.topo, nil
}

// Created reports whether name currently has a live domain, for test
// assertions.
func (f *Fake) Created(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.created[name]
	return ok
}
