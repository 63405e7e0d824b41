package coremask

import (
	"regexp"
	"strconv"

	"k8s.io/apimachinery/pkg/util/sets"

	"coremask/internal/topology"
)

// threadSuffix matches the trailing thread index of a display name such as
// "P-Core 3 T1", "Core 2 Thread 1" or "CPU 5 #1". Thread 0 is the primary.
var threadSuffix = regexp.MustCompile(`(?i)(?:\bT|\bthread\s*|#)(\d+)\s*$`)

// StripSMT clears every bit that selects a secondary hardware thread. The
// returned flag reports whether any bit was cleared. bits is not modified.
//
// With a confident snapshot secondaries are exact: cores are grouped by
// physical core and every member but the lowest id is secondary. Otherwise
// the display name's thread suffix is used and, failing that, the higher id
// of a sibling pair is taken as secondary. The fallback is an approximation.
func StripSMT(bits []bool, snap *topology.Snapshot) ([]bool, bool) {
	out := append([]bool(nil), bits...)
	if snap == nil {
		return out, false
	}

	secondary := secondaryThreads(snap)
	changed := false
	for i, set := range out {
		if set && secondary.Has(i) {
			out[i] = false
			changed = true
		}
	}
	return out, changed
}

func secondaryThreads(snap *topology.Snapshot) sets.Int {
	if snap.Confident {
		return exactSecondaries(snap)
	}

	secondary := sets.NewInt()
	for _, core := range snap.Cores {
		if isHeuristicSecondary(core) {
			secondary.Insert(core.ID)
		}
	}
	return secondary
}

func exactSecondaries(snap *topology.Snapshot) sets.Int {
	groups := make(map[int][]int)
	for _, core := range snap.Cores {
		groups[core.PhysicalID] = append(groups[core.PhysicalID], core.ID)
	}

	secondary := sets.NewInt()
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		primary := members[0]
		for _, id := range members[1:] {
			if id < primary {
				primary = id
			}
		}
		for _, id := range members {
			if id != primary {
				secondary.Insert(id)
			}
		}
	}
	return secondary
}

func isHeuristicSecondary(core topology.LogicalCore) bool {
	if m := threadSuffix.FindStringSubmatch(core.Name); m != nil {
		thread, err := strconv.Atoi(m[1])
		if err == nil {
			return thread != 0
		}
	}
	return core.SiblingID >= 0 && core.ID > core.SiblingID
}
