package affinity

import (
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// Tracker records which mask and original priority belong to which pid, and
// owns the per-process handles. One mutex guards all three tables.
type Tracker struct {
	alive func(pid int) bool

	mu         sync.Mutex
	masks      map[int]string
	priorities map[int]int
	handles    map[int]Handle
}

func NewTracker(alive func(pid int) bool) *Tracker {
	return &Tracker{
		alive:      alive,
		masks:      make(map[int]string),
		priorities: make(map[int]int),
		handles:    make(map[int]Handle),
	}
}

func (t *Tracker) TrackAppliedMask(pid int, maskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.masks[pid] = maskID
}

// SwapMask replaces the mask of pid with to, but only while it is still
// from. An empty to forgets the assignment. It reports whether it changed
// anything.
func (t *Tracker) SwapMask(pid int, from, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.masks[pid]; !ok || id != from {
		return false
	}
	if to == "" {
		delete(t.masks, pid)
	} else {
		t.masks[pid] = to
	}
	return true
}

// TrackPriorityChange records the original priority of pid. Only the first
// call per pid is kept.
func (t *Tracker) TrackPriorityChange(pid int, original int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.priorities[pid]; ok {
		return false
	}
	t.priorities[pid] = original
	return true
}

// UntrackProcess forgets pid and closes its handle.
func (t *Tracker) UntrackProcess(pid int) {
	t.mu.Lock()
	h := t.handles[pid]
	delete(t.masks, pid)
	delete(t.priorities, pid)
	delete(t.handles, pid)
	t.mu.Unlock()

	closeHandle(pid, h)
}

func (t *Tracker) AppliedMask(pid int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.masks[pid]
	return id, ok
}

func (t *Tracker) OriginalPriority(pid int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.priorities[pid]
	return p, ok
}

// IsMaskApplied prunes dead processes, then reports whether any remaining
// pid has maskID.
func (t *Tracker) IsMaskApplied(maskID string) bool {
	t.Prune()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.masks {
		if id == maskID {
			return true
		}
	}
	return false
}

// Prune drops every tracked pid that is no longer alive and returns them.
func (t *Tracker) Prune() []int {
	var dead []int
	for _, pid := range t.TrackedPIDs() {
		if !t.alive(pid) {
			dead = append(dead, pid)
		}
	}
	for _, pid := range dead {
		t.UntrackProcess(pid)
	}
	if len(dead) > 0 {
		klog.V(2).InfoS("pruned exited processes from tracking", "pids", dead)
	}
	return dead
}

// TrackedPIDs returns every pid present in any table, sorted.
func (t *Tracker) TrackedPIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[int]struct{}, len(t.masks)+len(t.priorities)+len(t.handles))
	for pid := range t.masks {
		seen[pid] = struct{}{}
	}
	for pid := range t.priorities {
		seen[pid] = struct{}{}
	}
	for pid := range t.handles {
		seen[pid] = struct{}{}
	}
	return sortedKeys(seen)
}

// MaskAssignments returns a copy of the pid to mask table.
func (t *Tracker) MaskAssignments() map[int]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]string, len(t.masks))
	for pid, id := range t.masks {
		out[pid] = id
	}
	return out
}

func (t *Tracker) priorityPIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[int]struct{}, len(t.priorities))
	for pid := range t.priorities {
		seen[pid] = struct{}{}
	}
	return sortedKeys(seen)
}

func (t *Tracker) forgetMask(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.masks, pid)
}

func (t *Tracker) forgetPriority(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.priorities, pid)
}

// HandleFor returns the handle for pid, opening one with open if none is
// held. open runs without the lock; when two callers race, the first insert
// wins and the other handle is closed.
func (t *Tracker) HandleFor(pid int, open func(int) (Handle, error)) (Handle, error) {
	t.mu.Lock()
	h, ok := t.handles[pid]
	t.mu.Unlock()
	if ok {
		return h, nil
	}

	opened, err := open(pid)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if h, ok := t.handles[pid]; ok {
		t.mu.Unlock()
		closeHandle(pid, opened)
		return h, nil
	}
	t.handles[pid] = opened
	t.mu.Unlock()
	return opened, nil
}

// DropHandle closes and forgets the handle of pid, if any.
func (t *Tracker) DropHandle(pid int) {
	t.mu.Lock()
	h := t.handles[pid]
	delete(t.handles, pid)
	t.mu.Unlock()

	closeHandle(pid, h)
}

func (t *Tracker) takeHandle(pid int) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.handles[pid]
	delete(t.handles, pid)
	return h
}

func closeHandle(pid int, h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		klog.V(4).InfoS("closing process handle failed", "pid", pid, "err", err)
	}
}

func sortedKeys(m map[int]struct{}) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
