package ui

import (
	"fmt"
	"os"
	"strings"

	"coremask/internal/affinity"
	"coremask/internal/coremask"
	"coremask/internal/engine"
	"coremask/internal/topology"
)

func PrintTopology(topo *topology.Snapshot) {
	if topo == nil {
		fmt.Println(errorBoxStyle.Render("CPU topology unavailable"))
		return
	}
	fmt.Println(boxStyle.Render(RenderTopology(topo)))
}

func RenderTopology(topo *topology.Snapshot) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("CPU Topology"))
	b.WriteString("\n\n")
	if topo.Brand != "" {
		b.WriteString("  " + highlightStyle.Render(topo.Brand) + "\n\n")
	}

	b.WriteString(fmt.Sprintf("  %s %d    %s %d    %s %s    %s %s    %s %s\n",
		countStyle.Render("Cores:"), topo.TotalPhysical,
		countStyle.Render("Threads:"), topo.TotalLogical,
		dimStyle.Render("SMT:"), formatBool(topo.HasSMT),
		dimStyle.Render("Hybrid:"), formatBool(topo.HasHybrid),
		dimStyle.Render("Method:"), highlightStyle.Render(topo.DetectMethod)))
	if !topo.Confident {
		b.WriteString("  " + highlightStyle.Render("Topology detection incomplete; SMT grouping is approximate") + "\n")
	}
	b.WriteString("\n")

	dies := make(map[int][]topology.LogicalCore)
	var order []int
	for _, c := range topo.Cores {
		if _, ok := dies[c.DieID]; !ok {
			order = append(order, c.DieID)
		}
		dies[c.DieID] = append(dies[c.DieID], c)
	}

	label := "Die"
	if topo.IsAMD() {
		label = "CCD"
	}
	for _, id := range order {
		cores := dies[id]
		b.WriteString(fmt.Sprintf("  %s %d  %s\n",
			dieStyle.Render(label), id,
			dimStyle.Render(fmt.Sprintf("(%d threads)", len(cores)))))

		for i, c := range cores {
			prefix := "├─"
			if i == len(cores)-1 {
				prefix = "└─"
			}
			class := ""
			if topo.HasHybrid {
				class = dimStyle.Render(" [" + c.Class.String() + "]")
			}
			b.WriteString(fmt.Sprintf("     %s %s %s%s\n",
				prefix, coreStyle.Render(fmt.Sprintf("cpu%-3d", c.ID)), c.Name, class))
		}
	}
	return b.String()
}

// PrintMasks lists masks; assignments maps pid to mask id.
func PrintMasks(masks []*coremask.CoreMask, assignments map[int]string) {
	fmt.Println(RenderMasks(masks, assignments))
}

func RenderMasks(masks []*coremask.CoreMask, assignments map[int]string) string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("Core Masks"))
	b.WriteString("\n\n")

	if len(masks) == 0 {
		b.WriteString(dimStyle.Render("  No masks"))
		return b.String()
	}

	inUse := make(map[string][]int)
	for pid, id := range assignments {
		inUse[id] = append(inUse[id], pid)
	}

	for _, m := range masks {
		status := coreStyle.Render("✓")
		if !m.IsEnabled {
			status = dimStyle.Render("✗")
		}
		name := highlightStyle.Render(m.Name)
		if m.IsDefault {
			name += dimStyle.Render(" (baseline)")
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", status, name))
		if m.Description != "" {
			b.WriteString("      " + dimStyle.Render(m.Description) + "\n")
		}
		b.WriteString(fmt.Sprintf("      CPUs: %s  (%d/%d)\n",
			cpuListStyle.Render(emptyDash(coremask.FormatBits(m.Bits))), m.SelectedCount(), len(m.Bits)))
		b.WriteString("      " + renderBits(m.Bits) + "\n")
		if pids := inUse[m.ID]; len(pids) > 0 {
			b.WriteString(fmt.Sprintf("      %s %v\n", highlightStyle.Render("Applied to:"), pids))
		}
		b.WriteString(dimStyle.Render("      id "+m.ID) + "\n\n")
	}
	return b.String()
}

func renderBits(bits []bool) string {
	var b strings.Builder
	for i, set := range bits {
		if i > 0 && i%8 == 0 {
			b.WriteString(" ")
		}
		if set {
			b.WriteString(coreStyle.Render("■"))
		} else {
			b.WriteString(dimStyle.Render("□"))
		}
	}
	return b.String()
}

func PrintApplied(p *affinity.Process, mask *coremask.CoreMask) {
	content := fmt.Sprintf("✓ Applied %q to %s (pid %d)\n\n  Requested: %s\n  Granted:   %s",
		mask.Name, p.Name, p.PID, coremask.FormatBits(mask.Bits), emptyDash(p.Affinity.String()))
	fmt.Println()
	fmt.Println(successBoxStyle.Render(content))
	fmt.Println()
}

func PrintReleased(p *affinity.Process) {
	content := fmt.Sprintf("✓ Released %s (pid %d)\n\n  Affinity: %s", p.Name, p.PID, emptyDash(p.Affinity.String()))
	fmt.Println()
	fmt.Println(successBoxStyle.Render(content))
	fmt.Println()
}

func PrintSuccess(message string) {
	fmt.Println()
	fmt.Println(successBoxStyle.Render("✓ " + message))
	fmt.Println()
}

func PrintShutdown(report engine.ShutdownReport) {
	content := fmt.Sprintf("Reverted on exit\n\n  Affinity:   %s\n  Priorities: %s",
		formatResult(report.Affinity), formatResult(report.Priorities))
	fmt.Println(boxStyle.Render(content))
}

func PrintError(err error) {
	content := fmt.Sprintf("✗ Error: %v", err)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, errorBoxStyle.Render(content))
	fmt.Fprintln(os.Stderr)
}

func formatResult(r affinity.Result) string {
	return fmt.Sprintf("%d ok, %d failed, %d exited", r.Succeeded, r.Failed, r.Skipped)
}

func emptyDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatBool(b bool) string {
	if b {
		return coreStyle.Render("Yes")
	}
	return dimStyle.Render("No")
}
