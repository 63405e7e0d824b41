package coremask

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"coremask/internal/topology"
)

// Template is a generated mask before it is given an id and timestamps.
type Template struct {
	Name        string
	Description string
	Bits        []bool
	IsDefault   bool
	// NoCompanion marks masks that never get an SMT-stripped variant.
	NoCompanion bool
}

var rankNames = []string{"P-Cores", "E-Cores", "LPE-Cores"}

var rankDescriptions = []string{
	"Performance cores",
	"Efficiency cores",
	"Low-power efficiency cores",
}

// GenerateDefaults derives the topology-aware default masks in order:
// baseline, hybrid classes, dies, SMT-stripped companions, global no-SMT.
func GenerateDefaults(snap *topology.Snapshot) []Template {
	n := snap.LogicalCount()
	if n == 0 {
		return nil
	}

	baseline := Template{
		Name:        BaselineName,
		Description: "All logical processors",
		Bits:        AllTrue(n),
		IsDefault:   true,
	}
	templates := []Template{baseline}

	var grouped []Template
	if snap.HasHybrid {
		grouped = append(grouped, generateHybrid(snap)...)
	}
	if snap.HasMultipleDies {
		grouped = append(grouped, generateDies(snap)...)
	}
	templates = append(templates, grouped...)

	if !snap.HasSMT || !snap.Confident {
		return templates
	}

	suffix := smtSuffix(snap)
	for _, t := range grouped {
		if t.NoCompanion {
			continue
		}
		stripped, changed := StripSMT(t.Bits, snap)
		if !changed || CountSet(stripped) == 0 {
			continue
		}
		templates = append(templates, Template{
			Name:        t.Name + " " + suffix,
			Description: t.Description + ", one thread per physical core",
			Bits:        stripped,
			NoCompanion: true,
		})
	}

	if stripped, changed := StripSMT(baseline.Bits, snap); changed {
		templates = append(templates, Template{
			Name:        "All " + suffix,
			Description: "One thread per physical core",
			Bits:        stripped,
			NoCompanion: true,
		})
	}
	return templates
}

// generateHybrid emits one mask per observed hybrid rank, highest first.
// Only the highest rank keeps an SMT companion; efficiency cores have no
// hyperthread siblings.
func generateHybrid(snap *topology.Snapshot) []Template {
	members := make(map[int][]int)
	ranks := sets.NewInt()
	for _, core := range snap.Cores {
		rank := core.Class.Rank()
		members[rank] = append(members[rank], core.ID)
		ranks.Insert(rank)
	}

	observed := ranks.List()
	sort.Sort(sort.Reverse(sort.IntSlice(observed)))

	var templates []Template
	// The label comes from the position in the rank order, not the rank
	// itself. Rank has three values, so rankNames always covers i.
	for i, rank := range observed {
		templates = append(templates, Template{
			Name:        rankNames[i],
			Description: fmt.Sprintf("%s (%d logical)", rankDescriptions[i], len(members[rank])),
			Bits:        bitsFromCPUs(members[rank], snap.LogicalCount()),
			NoCompanion: i > 0,
		})
	}
	return templates
}

func generateDies(snap *topology.Snapshot) []Template {
	members := make(map[int][]int)
	dies := sets.NewInt()
	for _, core := range snap.Cores {
		members[core.DieID] = append(members[core.DieID], core.ID)
		dies.Insert(core.DieID)
	}

	label := "Die"
	if snap.IsAMD() {
		label = "CCD"
	}

	var templates []Template
	for _, id := range dies.List() {
		templates = append(templates, Template{
			Name:        fmt.Sprintf("%s %d", label, id),
			Description: fmt.Sprintf("Cores sharing %s %d (%d logical)", label, id, len(members[id])),
			Bits:        bitsFromCPUs(members[id], snap.LogicalCount()),
		})
	}
	return templates
}

func smtSuffix(snap *topology.Snapshot) string {
	if snap.IsIntel() {
		return "(no HT)"
	}
	return "(no SMT)"
}
