package topology

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/sets"
)

var ErrTopologyUnavailable = errors.New("topology unavailable")

const defaultCoresPerCCD = 8

// Detect reads the CPU topology from sysfs and /proc/cpuinfo on fs.
func Detect(fs afero.Fs) (*Snapshot, error) {
	s := sysfs{fs: fs}

	info, err := fs.Stat(SysfsBasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrTopologyUnavailable, "sysfs base path not found")
		}
		if os.IsPermission(err) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrTopologyUnavailable, "%v", err)
	}
	if !info.IsDir() {
		return nil, errors.Wrap(ErrTopologyUnavailable, "sysfs base path not a directory")
	}

	cpuIDs, err := s.listCPUs()
	if err != nil {
		return nil, errors.Wrapf(ErrTopologyUnavailable, "%v", err)
	}
	if len(cpuIDs) == 0 {
		return nil, errors.Wrap(ErrTopologyUnavailable, "no CPUs found")
	}
	for i, id := range cpuIDs {
		if id != i {
			return nil, errors.Wrapf(ErrTopologyUnavailable, "cpu ids are not contiguous at cpu%d", i)
		}
	}

	infos := make([]CPUInfo, 0, len(cpuIDs))
	for _, id := range cpuIDs {
		info, err := s.readCPUInfo(id)
		if err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil, err
			}
			return nil, errors.Wrapf(ErrTopologyUnavailable, "%v", err)
		}
		infos = append(infos, *info)
	}

	vendor := s.readCPUInfoField("vendor_id")
	hybrid := classifyHybrid(s, infos)
	arch := detectArchitecture(vendor, hybrid, infos)

	var method string
	var dieIDs []int
	if arch == ArchAMD {
		method = detectCCDMethod(infos)
		dieIDs = groupByCCD(infos, method)
	} else {
		method = string(arch)
		dieIDs = groupByDie(infos)
	}

	return buildSnapshot(infos, dieIDs, arch, method, vendor, s.readCPUInfoField("model name"), hybrid), nil
}

func buildSnapshot(infos []CPUInfo, dieIDs []int, arch Architecture, method, vendor, brand string, hybrid bool) *Snapshot {
	type coreKey struct {
		pkgID  int
		coreID int
	}
	physical := make(map[coreKey]int)
	confident := true
	cores := make([]LogicalCore, len(infos))
	dies := sets.NewInt()

	for i, info := range infos {
		key := coreKey{pkgID: info.PackageID, coreID: info.CoreID}
		physID, ok := physical[key]
		if !ok {
			physID = len(physical)
			physical[key] = physID
		}
		if info.Defaulted || !siblingsConsistent(infos, info) {
			confident = false
		}

		siblingID := -1
		thread := 0
		for pos, sib := range info.ThreadSiblings {
			if sib == info.ID {
				thread = pos
			} else if siblingID < 0 {
				siblingID = sib
			}
		}

		class := info.Class
		if !hybrid {
			class = ClassUnknown
		}
		name := fmt.Sprintf("%s %d", class.Label(), physID)
		if len(info.ThreadSiblings) > 1 {
			name = fmt.Sprintf("%s T%d", name, thread)
		}

		cores[i] = LogicalCore{
			ID:            info.ID,
			PhysicalID:    physID,
			DieID:         dieIDs[i],
			PackageID:     info.PackageID,
			Class:         class,
			Hyperthreaded: len(info.ThreadSiblings) > 1,
			SiblingID:     siblingID,
			Name:          name,
		}
		dies.Insert(dieIDs[i])
	}

	return &Snapshot{
		Architecture:    arch,
		Brand:           brand,
		Vendor:          vendor,
		TotalLogical:    len(cores),
		TotalPhysical:   len(physical),
		HasHybrid:       hybrid,
		HasMultipleDies: dies.Len() > 1,
		HasSMT:          len(cores) > len(physical),
		Confident:       confident,
		DetectMethod:    method,
		Cores:           cores,
	}
}

func siblingsConsistent(infos []CPUInfo, info CPUInfo) bool {
	for _, sib := range info.ThreadSiblings {
		if sib < 0 || sib >= len(infos) {
			return false
		}
		found := false
		for _, back := range infos[sib].ThreadSiblings {
			if back == info.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func detectArchitecture(vendor string, hybrid bool, cpus []CPUInfo) Architecture {
	switch vendor {
	case "AuthenticAMD", "AMD":
		return ArchAMD
	case "GenuineIntel":
		if hybrid {
			return ArchIntelHybrid
		}
		return ArchGeneric
	default:
		if hybrid {
			return ArchIntelHybrid
		}
		if hasMultipleL3(cpus) {
			return ArchAMD
		}
		return ArchGeneric
	}
}

// classifyHybrid sets CPUInfo.Class and reports whether more than one class
// was found. The cpu_core/cpu_atom PMU lists are preferred; atom cores that
// do not share the P-cores' L3 are low-power efficiency cores. Without them,
// distinct cpu_capacity tiers are ranked from the top.
func classifyHybrid(s sysfs, infos []CPUInfo) bool {
	if s.exists(intelCoreCPUsPath) && s.exists(intelAtomCPUsPath) {
		pcores, errCore := s.readList(intelCoreCPUsPath)
		atoms, errAtom := s.readList(intelAtomCPUsPath)
		if errCore == nil && errAtom == nil && len(pcores) > 0 && len(atoms) > 0 {
			pSet := sets.NewInt(pcores...)
			aSet := sets.NewInt(atoms...)
			pL3 := sets.NewInt()
			for _, info := range infos {
				if pSet.Has(info.ID) && info.L3CacheID >= 0 {
					pL3.Insert(info.L3CacheID)
				}
			}
			for i := range infos {
				switch {
				case pSet.Has(infos[i].ID):
					infos[i].Class = ClassPerformance
				case aSet.Has(infos[i].ID) && pL3.Has(infos[i].L3CacheID):
					infos[i].Class = ClassEfficiency
				case aSet.Has(infos[i].ID):
					infos[i].Class = ClassLowPowerEfficiency
				}
			}
			return true
		}
	}

	capacities := sets.NewInt()
	for _, info := range infos {
		if info.Capacity > 0 {
			capacities.Insert(info.Capacity)
		}
	}
	if capacities.Len() < 2 {
		return false
	}

	tiers := capacities.List()
	sort.Sort(sort.Reverse(sort.IntSlice(tiers)))
	for i := range infos {
		switch {
		case infos[i].Capacity <= 0:
			infos[i].Class = ClassUnknown
		case infos[i].Capacity == tiers[0]:
			infos[i].Class = ClassPerformance
		case infos[i].Capacity == tiers[1]:
			infos[i].Class = ClassEfficiency
		default:
			infos[i].Class = ClassLowPowerEfficiency
		}
	}
	return true
}

func hasMultipleL3(cpus []CPUInfo) bool {
	l3Values := sets.NewInt()
	for _, cpu := range cpus {
		if cpu.L3CacheID >= 0 {
			l3Values.Insert(cpu.L3CacheID)
		}
	}
	return l3Values.Len() > 1
}

func (s sysfs) readCPUInfo(cpuID int) (*CPUInfo, error) {
	defaulted := false
	readOptional := func(element string, defaultValue int) (int, error) {
		value, err := s.readInt(cpuPath(cpuID, element))
		if err != nil {
			if os.IsNotExist(err) {
				defaulted = true
				return defaultValue, nil
			}
			return 0, err
		}
		return value, nil
	}

	packageID, err := readOptional("physical_package_id", 0)
	if err != nil {
		return nil, err
	}
	coreID, err := readOptional("core_id", cpuID)
	if err != nil {
		return nil, err
	}

	// cluster_id and die_id are absent on older kernels; that is not a
	// reason to distrust the rest of the topology.
	clusterID, err := s.readInt(cpuPath(cpuID, "cluster_id"))
	if err != nil {
		clusterID = -1
	}
	dieID, err := s.readInt(cpuPath(cpuID, "die_id"))
	if err != nil {
		dieID = -1
	}

	siblings, err := s.readList(cpuPath(cpuID, "thread_siblings_list"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		defaulted = true
		siblings = []int{cpuID}
	}

	capacity, err := s.readInt(cpuCapacityPath(cpuID))
	if err != nil {
		capacity = 0
	}

	return &CPUInfo{
		ID:             cpuID,
		PackageID:      packageID,
		CoreID:         coreID,
		ClusterID:      clusterID,
		DieID:          dieID,
		L3CacheID:      s.readL3CacheID(cpuID),
		ThreadSiblings: siblings,
		Capacity:       capacity,
		Defaulted:      defaulted,
	}, nil
}

// groupByCCD returns, for each entry of cpus, a machine-wide CCD index.
func groupByCCD(cpus []CPUInfo, method string) []int {
	type key struct {
		pkgID int
		ccdID int
	}

	keyOf := func(cpu CPUInfo) key {
		ccdID := 0
		switch method {
		case "l3_cache":
			ccdID = cpu.L3CacheID
		case "cluster_id":
			ccdID = cpu.ClusterID
		case "die_id":
			ccdID = cpu.DieID
		default:
			ccdID = cpu.CoreID / defaultCoresPerCCD
		}
		return key{pkgID: cpu.PackageID, ccdID: ccdID}
	}

	var keys []key
	seen := make(map[key]bool)
	for _, cpu := range cpus {
		k := keyOf(cpu)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pkgID == keys[j].pkgID {
			return keys[i].ccdID < keys[j].ccdID
		}
		return keys[i].pkgID < keys[j].pkgID
	})

	index := make(map[key]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}

	ids := make([]int, len(cpus))
	for i, cpu := range cpus {
		ids[i] = index[keyOf(cpu)]
	}
	return ids
}

// groupByDie groups by (package, die_id); a missing die_id counts as die 0.
func groupByDie(cpus []CPUInfo) []int {
	normalized := make([]CPUInfo, len(cpus))
	copy(normalized, cpus)
	for i := range normalized {
		if normalized[i].DieID < 0 {
			normalized[i].DieID = 0
		}
	}
	return groupByCCD(normalized, "die_id")
}

func detectCCDMethod(cpus []CPUInfo) string {
	if len(cpus) == 0 {
		return "inferred"
	}

	hasL3 := true
	l3Values := sets.NewInt()
	for _, cpu := range cpus {
		if cpu.L3CacheID < 0 {
			hasL3 = false
			break
		}
		l3Values.Insert(cpu.L3CacheID)
	}
	// A single shared L3 still means a single CCD; x86 cluster_id tracks L2
	// and would split every core into its own group.
	if hasL3 && l3Values.Len() > 0 {
		return "l3_cache"
	}

	if allSet(cpus, func(c CPUInfo) int { return c.ClusterID }) {
		return "cluster_id"
	}
	if allSet(cpus, func(c CPUInfo) int { return c.DieID }) {
		return "die_id"
	}
	return "inferred"
}

func allSet(cpus []CPUInfo, field func(CPUInfo) int) bool {
	for _, cpu := range cpus {
		if field(cpu) < 0 {
			return false
		}
	}
	return true
}

// Describe renders a one-line summary used in logs.
func (s *Snapshot) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d logical / %d physical", s.TotalLogical, s.TotalPhysical)
	if s.HasSMT {
		b.WriteString(", smt")
	}
	if s.HasHybrid {
		b.WriteString(", hybrid")
	}
	if s.HasMultipleDies {
		b.WriteString(", multi-die")
	}
	if !s.Confident {
		b.WriteString(", low confidence")
	}
	return b.String()
}
