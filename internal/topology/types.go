package topology

import "strings"

type Architecture string

const (
	ArchAMD         Architecture = "amd"
	ArchIntelHybrid Architecture = "intel_hybrid"
	ArchGeneric     Architecture = "generic"
)

// HybridClass is the heterogeneous-core class of a logical CPU. The zero
// value is Unknown. Classes are totally ordered:
// Performance > Efficiency > LowPowerEfficiency > Unknown.
type HybridClass int

const (
	ClassUnknown HybridClass = iota
	ClassLowPowerEfficiency
	ClassEfficiency
	ClassPerformance
)

func (c HybridClass) String() string {
	switch c {
	case ClassPerformance:
		return "performance"
	case ClassEfficiency:
		return "efficiency"
	case ClassLowPowerEfficiency:
		return "low_power_efficiency"
	default:
		return "unknown"
	}
}

// Label is the short prefix used in display names and mask names.
func (c HybridClass) Label() string {
	switch c {
	case ClassPerformance:
		return "P-Core"
	case ClassEfficiency:
		return "E-Core"
	case ClassLowPowerEfficiency:
		return "LPE-Core"
	default:
		return "Core"
	}
}

// Rank maps a class onto the hybrid rank used for mask grouping.
// Low-power efficiency and unknown cores share rank 0.
func (c HybridClass) Rank() int {
	switch c {
	case ClassPerformance:
		return 2
	case ClassEfficiency:
		return 1
	default:
		return 0
	}
}

func (c HybridClass) Less(other HybridClass) bool {
	return c < other
}

func (c HybridClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *HybridClass) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "performance":
		*c = ClassPerformance
	case "efficiency":
		*c = ClassEfficiency
	case "low_power_efficiency":
		*c = ClassLowPowerEfficiency
	default:
		*c = ClassUnknown
	}
	return nil
}

// LogicalCore is one schedulable CPU. ID is also its bit position in every mask.
type LogicalCore struct {
	ID            int         `json:"id"`
	PhysicalID    int         `json:"physical_id"`
	DieID         int         `json:"die_id"`
	PackageID     int         `json:"package_id"`
	Class         HybridClass `json:"class"`
	Hyperthreaded bool        `json:"hyperthreaded"`
	SiblingID     int         `json:"sibling_id"`
	Name          string      `json:"name"`
}

// Snapshot is an immutable view of the machine topology. Cores are dense and
// ordered: Cores[i].ID == i.
type Snapshot struct {
	Architecture    Architecture  `json:"architecture"`
	Brand           string        `json:"brand"`
	Vendor          string        `json:"vendor"`
	TotalLogical    int           `json:"total_logical"`
	TotalPhysical   int           `json:"total_physical"`
	HasHybrid       bool          `json:"has_hybrid"`
	HasMultipleDies bool          `json:"has_multiple_dies"`
	HasSMT          bool          `json:"has_smt"`
	Confident       bool          `json:"confident"`
	DetectMethod    string        `json:"detect_method"`
	Cores           []LogicalCore `json:"cores"`
}

// LogicalCount returns the number of logical CPUs, tolerating a nil snapshot.
func (s *Snapshot) LogicalCount() int {
	if s == nil {
		return 0
	}
	return len(s.Cores)
}

func (s *Snapshot) Core(id int) (LogicalCore, bool) {
	if s == nil || id < 0 || id >= len(s.Cores) {
		return LogicalCore{}, false
	}
	return s.Cores[id], true
}

// IsIntel reports whether the brand string names an Intel part.
func (s *Snapshot) IsIntel() bool {
	return s != nil && (strings.Contains(strings.ToLower(s.Brand), "intel") || s.Vendor == "GenuineIntel")
}

// IsAMD reports whether the brand string names an AMD part.
func (s *Snapshot) IsAMD() bool {
	return s != nil && (strings.Contains(strings.ToLower(s.Brand), "amd") || s.Vendor == "AuthenticAMD")
}

// CPUInfo is the raw per-CPU record read from sysfs before classification.
type CPUInfo struct {
	ID             int
	PackageID      int
	CoreID         int
	ClusterID      int
	DieID          int
	L3CacheID      int
	ThreadSiblings []int
	Capacity       int
	Class          HybridClass
	// Defaulted is set when a topology file was missing and a fallback was used.
	Defaulted bool
}

// NewSnapshot derives the aggregate flags of a snapshot from its cores.
// Cores must already be ordered by ID.
func NewSnapshot(brand string, confident bool, cores []LogicalCore) *Snapshot {
	physical := make(map[int]bool)
	dies := make(map[int]bool)
	classes := make(map[HybridClass]bool)
	for _, c := range cores {
		physical[c.PhysicalID] = true
		dies[c.DieID] = true
		classes[c.Class] = true
	}

	snap := &Snapshot{
		Architecture:    ArchGeneric,
		Brand:           brand,
		TotalLogical:    len(cores),
		TotalPhysical:   len(physical),
		HasHybrid:       len(classes) > 1,
		HasMultipleDies: len(dies) > 1,
		HasSMT:          len(cores) > len(physical),
		Confident:       confident,
		DetectMethod:    "static",
		Cores:           cores,
	}
	switch {
	case snap.HasHybrid:
		snap.Architecture = ArchIntelHybrid
	case snap.IsAMD():
		snap.Architecture = ArchAMD
	}
	return snap
}
