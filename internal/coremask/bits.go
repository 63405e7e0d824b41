package coremask

import (
	"k8s.io/utils/cpuset"
)

// ToAffinityMask converts a bit vector into the CPU set it selects.
func ToAffinityMask(bits []bool) cpuset.CPUSet {
	cpus := make([]int, 0, len(bits))
	for i, set := range bits {
		if set {
			cpus = append(cpus, i)
		}
	}
	return cpuset.New(cpus...)
}

// FromAffinityMask expands a CPU set into a bit vector of length n.
// CPUs at or beyond n are dropped.
func FromAffinityMask(mask cpuset.CPUSet, n int) []bool {
	bits := make([]bool, n)
	for _, cpu := range mask.List() {
		if cpu >= 0 && cpu < n {
			bits[cpu] = true
		}
	}
	return bits
}

// Resize truncates or zero-extends bits to length n.
func Resize(bits []bool, n int) []bool {
	if n < 0 {
		n = 0
	}
	out := make([]bool, n)
	copy(out, bits)
	return out
}

func AllTrue(n int) []bool {
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = true
	}
	return bits
}

func CountSet(bits []bool) int {
	count := 0
	for _, set := range bits {
		if set {
			count++
		}
	}
	return count
}

// FormatBits renders the selected CPUs as a range list, e.g. "0-3,8".
func FormatBits(bits []bool) string {
	return ToAffinityMask(bits).String()
}

func bitsFromCPUs(cpus []int, n int) []bool {
	return FromAffinityMask(cpuset.New(cpus...), n)
}

func equalBits(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
