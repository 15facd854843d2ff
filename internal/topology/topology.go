// Package topology discovers the node's CPU and memory-node ids and
// computes exclusive cpuset/memset distributions, standing in for the
// hwloc-backed HwlocClient in original_source/nrm/subprograms.py. No Go
// hwloc binding exists anywhere in the example pack, so Info/Distrib are
// implemented directly against the Linux sysfs topology files instead of
// shelling out to hwloc-ls/hwloc-distrib and parsing their XML/text output
// (see DESIGN.md for why this is stdlib rather than a pack dependency).
package topology

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Resources is the CPU and memory-node id set the rest of the daemon
// schedules against.
type Resources struct {
	CPUs []int
	Mems []int
}

// Binding is one disjoint share of a Distrib split: the cpus assigned to it,
// and the memory nodes those cpus are local to, per spec.md:176 ("n disjoint
// bindings each reporting {cpus[], mems[]}").
type Binding struct {
	CPUs []int
	Mems []int
}

// Provider is the narrow external-collaborator interface the Resource
// Manager and Registry depend on.
type Provider interface {
	Info() (Resources, error)
	Distrib(n int, restrict []int) ([]Binding, error)
}

var cpuDirRe = regexp.MustCompile(`^cpu(\d+)$`)
var nodeDirRe = regexp.MustCompile(`^node(\d+)$`)

// Sysfs is the default Provider, reading /sys/devices/system/{cpu,node}.
type Sysfs struct {
	SysRoot string
}

// NewSysfs builds a Sysfs provider rooted at /sys.
func NewSysfs() *Sysfs {
	return &Sysfs{SysRoot: "/sys"}
}

// Info lists every present CPU and NUMA node, falling back to a single
// memory node 0 when the system reports none (hwloc does the same for
// single-node machines).
func (s *Sysfs) Info() (Resources, error) {
	cpus, err := s.listIDs(filepath.Join(s.SysRoot, "devices/system/cpu"), cpuDirRe)
	if err != nil {
		return Resources{}, err
	}
	mems, err := s.listIDs(filepath.Join(s.SysRoot, "devices/system/node"), nodeDirRe)
	if err != nil {
		return Resources{}, err
	}
	if len(mems) == 0 {
		mems = []int{0}
	}
	return Resources{CPUs: cpus, Mems: mems}, nil
}

func (s *Sysfs) listIDs(dir string, re *regexp.Regexp) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// cpuNodes maps each cpu id to the NUMA node ids it belongs to, read from
// every node's cpulist file (e.g. "0-3,8"). A cpu absent from every cpulist
// (no node directories, or a node directory missing the file) is left
// unmapped; callers fall back to every known memory node in that case,
// mirroring hwloc's own behavior on single-node machines.
func (s *Sysfs) cpuNodes() (map[int][]int, error) {
	dir := filepath.Join(s.SysRoot, "devices/system/node")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[int][]int)
	for _, e := range entries {
		m := nodeDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		node, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name(), "cpulist"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, cpu := range parseCPUList(string(raw)) {
			out[cpu] = append(out[cpu], node)
		}
	}
	return out, nil
}

// parseCPUList parses the kernel's list format ("0-3,8,10-11") into ids.
func parseCPUList(s string) []int {
	var ids []int
	for _, field := range strings.Split(strings.TrimSpace(s), ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(field, "-"); ok {
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			for i := a; i <= b; i++ {
				ids = append(ids, i)
			}
		} else if id, err := strconv.Atoi(field); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Distrib splits restrict (or the full CPU set, if restrict is empty) into
// n roughly-equal, non-overlapping exclusive cpusets, the same contract
// hwloc-distrib's --taskset mode provides for a flat (non-NUMA-aware)
// request, and pairs each with the memory nodes its cpus are local to (the
// "curmem" lookup HwlocClient.distrib does against hwloc-ls's cpuset
// annotations in original_source/nrm/subprograms.py). A binding whose cpus
// span no mapped node, or whose node mapping is unavailable (no
// devices/system/node/nodeN/cpulist files present), falls back to every
// known memory node rather than none.
func (s *Sysfs) Distrib(n int, restrict []int) ([]Binding, error) {
	if n <= 0 {
		return nil, nil
	}
	info, err := s.Info()
	if err != nil {
		return nil, err
	}
	pool := restrict
	if len(pool) == 0 {
		pool = info.CPUs
	}
	if len(pool) == 0 {
		return nil, nil
	}

	nodes, err := s.cpuNodes()
	if err != nil {
		return nil, err
	}

	cpuSets := make([][]int, n)
	for i := range cpuSets {
		cpuSets[i] = []int{}
	}
	for i, cpu := range pool {
		bucket := i * n / len(pool)
		cpuSets[bucket] = append(cpuSets[bucket], cpu)
	}

	out := make([]Binding, n)
	for i, cpus := range cpuSets {
		mems := memsFor(cpus, nodes, info.Mems)
		out[i] = Binding{CPUs: cpus, Mems: mems}
	}
	return out, nil
}

// memsFor returns the sorted, deduplicated set of memory nodes the given
// cpus are local to, falling back to every known memory node when the
// mapping has nothing to say about any of them.
func memsFor(cpus []int, nodes map[int][]int, allMems []int) []int {
	seen := make(map[int]struct{})
	for _, cpu := range cpus {
		for _, node := range nodes[cpu] {
			seen[node] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return append([]int(nil), allMems...)
	}
	mems := make([]int, 0, len(seen))
	for node := range seen {
		mems = append(mems, node)
	}
	sort.Ints(mems)
	return mems
}
