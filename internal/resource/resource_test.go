package resource

import "testing"

func TestScheduleExclusiveCPUPrefix(t *testing.T) {
	m := New([]int{0, 1, 2, 3}, []int{0, 1})
	set := m.Schedule("a", Request{CPUs: 2, Mems: 1})
	if len(set.CPUs) != 2 || set.CPUs[0] != 0 || set.CPUs[1] != 1 {
		t.Fatalf("cpus = %v", set.CPUs)
	}
	avail := m.Available()
	if len(avail.CPUs) != 2 || avail.CPUs[0] != 2 {
		t.Fatalf("remaining cpus = %v", avail.CPUs)
	}
}

func TestScheduleInsufficientCPUsReturnsNone(t *testing.T) {
	m := New([]int{0, 1}, []int{0})
	set := m.Schedule("a", Request{CPUs: 4, Mems: 1})
	if len(set.CPUs) != 0 {
		t.Fatalf("cpus = %v, want none", set.CPUs)
	}
	avail := m.Available()
	if len(avail.CPUs) != 2 {
		t.Fatalf("free pool shrank on a failed request: %v", avail.CPUs)
	}
}

func TestScheduleLastMemoryNodeIsSharedNotRemoved(t *testing.T) {
	m := New([]int{0}, []int{0})
	set := m.Schedule("a", Request{CPUs: 1, Mems: 1})
	if len(set.Mems) != 1 || set.Mems[0] != 0 {
		t.Fatalf("mems = %v", set.Mems)
	}
	avail := m.Available()
	if len(avail.Mems) != 1 {
		t.Fatalf("last memory node was removed from the free pool: %v", avail.Mems)
	}

	set2 := m.Schedule("b", Request{CPUs: 0, Mems: 1})
	if len(set2.Mems) != 1 {
		t.Fatalf("second allocation did not also get the shared last memory node: %v", set2.Mems)
	}
}

func TestScheduleMemoriesTakenWhenMoreThanOneFree(t *testing.T) {
	m := New([]int{0, 1}, []int{0, 1, 2})
	set := m.Schedule("a", Request{CPUs: 1, Mems: 2})
	if len(set.Mems) != 2 || set.Mems[0] != 0 || set.Mems[1] != 1 {
		t.Fatalf("mems = %v", set.Mems)
	}
	avail := m.Available()
	if len(avail.Mems) != 1 || avail.Mems[0] != 2 {
		t.Fatalf("remaining mems = %v", avail.Mems)
	}
}

func TestReleaseReturnsResourcesToFreePool(t *testing.T) {
	m := New([]int{0, 1, 2, 3}, []int{0, 1, 2})
	m.Schedule("a", Request{CPUs: 2, Mems: 2})
	m.Release("a")

	avail := m.Available()
	if len(avail.CPUs) != 4 {
		t.Fatalf("cpus not conserved after release: %v", avail.CPUs)
	}
	if len(avail.Mems) != 3 {
		t.Fatalf("mems not conserved after release: %v", avail.Mems)
	}
}

func TestReleaseUnknownUUIDIsNoop(t *testing.T) {
	m := New([]int{0, 1}, []int{0})
	m.Release("never-scheduled")
	avail := m.Available()
	if len(avail.CPUs) != 2 {
		t.Fatalf("unexpected mutation from releasing an unknown uuid: %v", avail.CPUs)
	}
}

func TestScheduleIsIdempotentForSameUUID(t *testing.T) {
	m := New([]int{0, 1, 2, 3}, []int{0, 1})
	first := m.Schedule("a", Request{CPUs: 2, Mems: 1})
	second := m.Schedule("a", Request{CPUs: 2, Mems: 1})
	if len(second.CPUs) != len(first.CPUs) || second.CPUs[0] != first.CPUs[0] {
		t.Fatalf("re-scheduling the same uuid produced a different set: %v vs %v", first, second)
	}
	avail := m.Available()
	if len(avail.CPUs) != 2 {
		t.Fatalf("re-scheduling the same uuid double-allocated: %v", avail.CPUs)
	}
}

func TestExhaustedReportsResourceExhausted(t *testing.T) {
	m := New([]int{0}, []int{0})
	req := Request{CPUs: 4, Mems: 1}
	set := m.Schedule("a", req)
	if err := Exhausted(req, set); err == nil {
		t.Fatal("expected ResourceExhausted for an unsatisfiable cpu request")
	}
}
