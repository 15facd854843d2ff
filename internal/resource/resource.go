// Package resource tracks free CPU and memory-node ids and schedules them
// against container requests, per spec.md §4.3. Grounded on
// original_source/nrm/resources.py's ResourceManager, with one deliberate
// deviation: release actually returns resources to the free pool rather than
// being a no-op, which the conservation invariant in spec.md §8 requires.
package resource

import (
	"errors"
	"sync"

	"github.com/anlsys/nrmd/internal/check"
	"github.com/anlsys/nrmd/internal/nrmerr"
)

// Set is an ordered allocation of CPU ids and memory-node ids.
type Set struct {
	CPUs []int
	Mems []int
}

// Request asks for a count of CPUs and memory nodes, decoded from a
// manifest's argo/container isolator.
type Request struct {
	CPUs int
	Mems int
}

// Manager maintains the free pool and the allocations handed out, keyed by
// the uuid a caller scheduled under.
type Manager struct {
	mu sync.Mutex

	freeCPUs []int
	freeMems []int

	initCPUs []int
	initMems []int

	allocated map[string]Set
}

// New builds a Manager starting from the full set of CPU and memory-node ids
// discovered on the node (typically from a topology provider).
func New(cpus, mems []int) *Manager {
	freeCPUs := append([]int(nil), cpus...)
	freeMems := append([]int(nil), mems...)
	return &Manager{
		freeCPUs:  freeCPUs,
		freeMems:  freeMems,
		initCPUs:  append([]int(nil), cpus...),
		initMems:  append([]int(nil), mems...),
		allocated: make(map[string]Set),
	}
}

// conserved reports whether the union of the free pool and every live
// allocation still covers exactly the initial CPU and memory-node id sets,
// the resource-conservation invariant of spec.md §8 (the §4.3 exception
// lets a shared memory node appear in both the free pool and an
// allocation at once, so this checks coverage via union, not a count).
// Caller must hold mu.
func (m *Manager) conserved() bool {
	return union(m.freeCPUs, allocatedCPUs(m.allocated)) == len(m.initCPUs) &&
		coversAll(m.initMems, m.freeMems, allocatedMems(m.allocated))
}

func allocatedCPUs(allocated map[string]Set) []int {
	var out []int
	for _, set := range allocated {
		out = append(out, set.CPUs...)
	}
	return out
}

func allocatedMems(allocated map[string]Set) []int {
	var out []int
	for _, set := range allocated {
		out = append(out, set.Mems...)
	}
	return out
}

// union returns the size of the distinct-id union of a and b, used where
// no id should ever appear twice (CPUs are always allocated exclusively).
func union(a, b []int) int {
	seen := make(map[int]struct{}, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// coversAll reports whether every id in want appears in at least one of
// free or allocated, tolerating the shared-memory overlap between them.
func coversAll(want, free, allocated []int) bool {
	present := make(map[int]struct{}, len(free)+len(allocated))
	for _, id := range free {
		present[id] = struct{}{}
	}
	for _, id := range allocated {
		present[id] = struct{}{}
	}
	for _, id := range want {
		if _, ok := present[id]; !ok {
			return false
		}
	}
	return true
}

// Available reports the current free pool, for diagnostics.
func (m *Manager) Available() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Set{
		CPUs: append([]int(nil), m.freeCPUs...),
		Mems: append([]int(nil), m.freeMems...),
	}
}

// Schedule allocates a Set for uuid against the free pool. CPUs are taken as
// an exclusive prefix only when the free sequence is long enough to satisfy
// the request in full; otherwise the caller receives nothing and the free
// pool is untouched for CPUs. Memories: while more than one node is free,
// the first req.Mems nodes (all of them, if req.Mems is at least the free
// count) are taken out of the pool; once at most one node is free, the
// whole free sequence is returned without shrinking the pool, so later
// requests share that node. If uuid was already scheduled,
// its existing allocation is returned unchanged (re-run of the same
// request).
func (m *Manager) Schedule(uuid string, req Request) Set {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.allocated[uuid]; ok {
		return existing
	}

	var retCPUs []int
	if len(m.freeCPUs) >= req.CPUs {
		retCPUs = append([]int(nil), m.freeCPUs[:req.CPUs]...)
		m.freeCPUs = m.freeCPUs[req.CPUs:]
	} else {
		retCPUs = nil
	}

	var retMems []int
	if len(m.freeMems) > 1 {
		n := req.Mems
		if n > len(m.freeMems) {
			n = len(m.freeMems)
		}
		retMems = append([]int(nil), m.freeMems[:n]...)
		m.freeMems = m.freeMems[n:]
	} else {
		retMems = append([]int(nil), m.freeMems...)
	}

	set := Set{CPUs: retCPUs, Mems: retMems}
	m.allocated[uuid] = set
	check.Assert(m.conserved(), "resource conservation violated after Schedule")
	return set
}

// Release returns uuid's allocation to the free pool. Releasing an unknown
// uuid is a no-op: callers may race a kill against a container that never
// reached resource allocation.
func (m *Manager) Release(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.allocated[uuid]
	if !ok {
		return
	}
	delete(m.allocated, uuid)
	m.freeCPUs = append(m.freeCPUs, set.CPUs...)
	m.freeMems = append(m.freeMems, set.Mems...)
	check.Assert(m.conserved(), "resource conservation violated after Release")
}

var errNoCPUs = errors.New("no cpus available to satisfy request")

// Exhausted reports ErrorKind::ResourceExhausted when a schedule request
// could not be satisfied at all (zero CPUs returned for a nonzero request).
func Exhausted(req Request, got Set) error {
	if req.CPUs > 0 && len(got.CPUs) == 0 {
		return nrmerr.New(nrmerr.ResourceExhausted, "resource.Schedule", errNoCPUs)
	}
	return nil
}
