package coremask

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coremask/internal/topology"
)

func templateNames(templates []Template) []string {
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	return names
}

func templateByName(t *testing.T, templates []Template, name string) Template {
	t.Helper()
	for _, tpl := range templates {
		if tpl.Name == name {
			return tpl
		}
	}
	require.Failf(t, "template not found", "%q in %v", name, templateNames(templates))
	return Template{}
}

func hybridSnapshot(classes ...topology.HybridClass) *topology.Snapshot {
	cores := make([]topology.LogicalCore, 0, len(classes))
	for i, c := range classes {
		cores = append(cores, topology.LogicalCore{
			ID:         i,
			PhysicalID: i,
			SiblingID:  -1,
			Class:      c,
			Name:       fmt.Sprintf("%s %d", c.Label(), i),
		})
	}
	return topology.NewSnapshot("Intel(R) Core(TM) i5-12400", true, cores)
}

func TestGenerateDefaults_Baseline(t *testing.T) {
	t.Parallel()

	got := GenerateDefaults(flatSnapshot("Generic", 4))
	require.Len(t, got, 1)
	assert.Equal(t, BaselineName, got[0].Name)
	assert.True(t, got[0].IsDefault)
	assert.Equal(t, AllTrue(4), got[0].Bits)

	assert.Nil(t, GenerateDefaults(nil))
}

func TestGenerateDefaults_HybridTwoClasses(t *testing.T) {
	t.Parallel()

	P, E := topology.ClassPerformance, topology.ClassEfficiency
	snap := hybridSnapshot(P, P, P, P, P, P, E, E)

	got := GenerateDefaults(snap)
	assert.Equal(t, []string{BaselineName, "P-Cores", "E-Cores"}, templateNames(got))

	pcores := templateByName(t, got, "P-Cores")
	assert.Equal(t, "0-5", FormatBits(pcores.Bits))
	ecores := templateByName(t, got, "E-Cores")
	assert.Equal(t, "6-7", FormatBits(ecores.Bits))
}

func TestGenerateDefaults_HybridThreeClasses(t *testing.T) {
	t.Parallel()

	P, E, L := topology.ClassPerformance, topology.ClassEfficiency, topology.ClassLowPowerEfficiency
	got := GenerateDefaults(hybridSnapshot(P, P, E, E, L, L))

	assert.Equal(t, []string{BaselineName, "P-Cores", "E-Cores", "LPE-Cores"}, templateNames(got))
	assert.Equal(t, "4-5", FormatBits(templateByName(t, got, "LPE-Cores").Bits))
}

func TestGenerateDefaults_HybridLabelsByRankPosition(t *testing.T) {
	t.Parallel()

	// Performance and low-power cores only: the second rank is labelled
	// E-Cores and no LPE-Cores mask appears.
	P, L := topology.ClassPerformance, topology.ClassLowPowerEfficiency
	got := GenerateDefaults(hybridSnapshot(P, P, L, L))

	assert.Equal(t, []string{BaselineName, "P-Cores", "E-Cores"}, templateNames(got))
	assert.Equal(t, "2-3", FormatBits(templateByName(t, got, "E-Cores").Bits))
}

func TestGenerateDefaults_HybridWithHT(t *testing.T) {
	t.Parallel()

	P, E := topology.ClassPerformance, topology.ClassEfficiency
	cores := []topology.LogicalCore{
		{ID: 0, PhysicalID: 0, SiblingID: 1, Hyperthreaded: true, Class: P, Name: "P-Core 0 T0"},
		{ID: 1, PhysicalID: 0, SiblingID: 0, Hyperthreaded: true, Class: P, Name: "P-Core 0 T1"},
		{ID: 2, PhysicalID: 1, SiblingID: 3, Hyperthreaded: true, Class: P, Name: "P-Core 1 T0"},
		{ID: 3, PhysicalID: 1, SiblingID: 2, Hyperthreaded: true, Class: P, Name: "P-Core 1 T1"},
		{ID: 4, PhysicalID: 2, SiblingID: -1, Class: E, Name: "E-Core 2"},
		{ID: 5, PhysicalID: 3, SiblingID: -1, Class: E, Name: "E-Core 3"},
	}
	snap := topology.NewSnapshot("Intel(R) Core(TM) i7-12700", true, cores)

	got := GenerateDefaults(snap)
	assert.Equal(t, []string{BaselineName, "P-Cores", "E-Cores", "P-Cores (no HT)", "All (no HT)"}, templateNames(got))
	assert.Equal(t, "0,2", FormatBits(templateByName(t, got, "P-Cores (no HT)").Bits))
	assert.Equal(t, "0,2,4-5", FormatBits(templateByName(t, got, "All (no HT)").Bits))
}

func TestGenerateDefaults_Dies(t *testing.T) {
	t.Parallel()

	cores := make([]topology.LogicalCore, 0, 8)
	for i := 0; i < 8; i++ {
		cores = append(cores, topology.LogicalCore{
			ID:         i,
			PhysicalID: i,
			DieID:      i / 4,
			SiblingID:  -1,
			Name:       fmt.Sprintf("Core %d", i),
		})
	}
	snap := topology.NewSnapshot("AMD Ryzen 7 5800X", true, cores)

	got := GenerateDefaults(snap)
	assert.Equal(t, []string{BaselineName, "CCD 0", "CCD 1"}, templateNames(got))
	for _, name := range []string{"CCD 0", "CCD 1"} {
		assert.Equal(t, 4, CountSet(templateByName(t, got, name).Bits))
	}
	assert.Equal(t, "0-3", FormatBits(templateByName(t, got, "CCD 0").Bits))
	assert.Equal(t, "4-7", FormatBits(templateByName(t, got, "CCD 1").Bits))
}

func TestGenerateDefaults_DiesWithSMT(t *testing.T) {
	t.Parallel()

	cores := make([]topology.LogicalCore, 0, 8)
	for i := 0; i < 8; i++ {
		cores = append(cores, topology.LogicalCore{
			ID:            i,
			PhysicalID:    i / 2,
			DieID:         i / 4,
			Hyperthreaded: true,
			SiblingID:     i ^ 1,
			Name:          fmt.Sprintf("Core %d T%d", i/2, i%2),
		})
	}
	snap := topology.NewSnapshot("AMD EPYC", true, cores)

	got := GenerateDefaults(snap)
	assert.Equal(t, []string{
		BaselineName, "CCD 0", "CCD 1",
		"CCD 0 (no SMT)", "CCD 1 (no SMT)", "All (no SMT)",
	}, templateNames(got))
	assert.Equal(t, "0,2", FormatBits(templateByName(t, got, "CCD 0 (no SMT)").Bits))
	assert.Equal(t, "4,6", FormatBits(templateByName(t, got, "CCD 1 (no SMT)").Bits))
	assert.Equal(t, "0,2,4,6", FormatBits(templateByName(t, got, "All (no SMT)").Bits))
}

func TestGenerateDefaults_NoCompanions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap *topology.Snapshot
	}{
		{name: "no smt", snap: flatSnapshot("Intel", 4)},
		{name: "low confidence", snap: smtSnapshot("Intel", 4, false)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for _, tpl := range GenerateDefaults(tt.snap) {
				assert.NotContains(t, tpl.Name, "(no ")
			}
		})
	}

	got := GenerateDefaults(smtSnapshot("Intel", 4, true))
	assert.Equal(t, []string{BaselineName, "All (no HT)"}, templateNames(got))
}
