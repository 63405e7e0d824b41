package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"coremask/internal/affinity"
	"coremask/internal/coremask"
	"coremask/internal/engine"
	"coremask/internal/procfs"
)

type step int

const (
	stepMasks step = iota
	stepEdit
	stepNewName
	stepSelectProcess
	stepConfirmDelete
)

// bitsPerRow is the width of the CPU grid in the editor.
const bitsPerRow = 8

// processRows is how many processes the picker shows at once.
const processRows = 12

type Model struct {
	eng        *engine.Engine
	step       step
	masks      []*coremask.CoreMask
	cursor     int
	editing    *coremask.CoreMask
	bitCursor  int
	deleting   *coremask.CoreMask
	referenced []string
	textInput  textinput.Model
	status     string
	err        error
	width      int
	height     int

	// saving is set while an editor save is in flight; pending holds the
	// latest edit made meanwhile, written once the current save returns.
	saving  bool
	pending *coremask.CoreMask

	procs         []procfs.Process
	procsLoading  bool
	processCursor int

	// active counts tracked processes per mask id, refreshed off the
	// event loop after every reconcile.
	active  map[string]int
	tracked int
}

func NewModel(eng *engine.Engine) Model {
	ti := textinput.New()
	ti.CharLimit = 64
	ti.Width = 30
	ti.TextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#c0caf5"))
	ti.PromptStyle = lipgloss.NewStyle().Foreground(secondaryColor)
	ti.Cursor.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return Model{
		eng:       eng,
		step:      stepMasks,
		masks:     eng.Masks().Masks(),
		textInput: ti,
		active:    make(map[string]int),
		width:     80,
		height:    24,
	}
}

func (m Model) Init() tea.Cmd {
	return reconcile(m.eng, true)
}

type masksMsg struct {
	masks  []*coremask.CoreMask
	status string
	err    error
}

type maskCreatedMsg struct {
	masks   []*coremask.CoreMask
	created *coremask.CoreMask
	err     error
}

type maskSavedMsg struct {
	masks []*coremask.CoreMask
	err   error
}

type deleteCheckMsg struct {
	mask       *coremask.CoreMask
	inUse      bool
	referenced []string
	err        error
}

type processesMsg struct {
	procs []procfs.Process
	err   error
}

type applyResultMsg struct {
	process *affinity.Process
	mask    *coremask.CoreMask
	err     error
}

type activeMsg struct {
	active  map[string]int
	tracked int
	// tick is set on the periodic refresh, which schedules the next one.
	tick bool
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case activeMsg:
		m.active = msg.active
		m.tracked = msg.tracked
		if msg.tick {
			return m, scheduleReconcile(m.eng)
		}
		return m, nil

	case masksMsg:
		m = m.report(msg.status, msg.err)
		m = m.setMasks(msg.masks)
		return m, nil

	case maskCreatedMsg:
		m = m.setMasks(msg.masks)
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		for i, mask := range m.masks {
			if mask.ID == msg.created.ID {
				m.cursor = i
			}
		}
		m.editing = msg.created.Clone()
		m.bitCursor = 0
		m.step = stepEdit
		m.err = nil
		return m, nil

	case maskSavedMsg:
		m.saving = false
		m.err = msg.err
		m = m.setMasks(msg.masks)
		if m.pending != nil {
			next := m.pending
			m.pending = nil
			m.saving = true
			return m, saveMask(m.eng, next)
		}
		return m, nil

	case deleteCheckMsg:
		switch {
		case msg.err != nil:
			m.err = msg.err
		case msg.inUse:
			m.err = fmt.Errorf("%q is applied to a running process", msg.mask.Name)
		default:
			m.deleting = msg.mask
			m.referenced = msg.referenced
			m.err = nil
			m.step = stepConfirmDelete
		}
		return m, nil

	case processesMsg:
		m.procsLoading = false
		if msg.err != nil {
			m.err = msg.err
			m.step = stepMasks
			m.textInput.Blur()
			return m, nil
		}
		m.procs = msg.procs
		m.processCursor = 0
		return m, nil

	case applyResultMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = ""
		} else {
			m.err = nil
			m.status = fmt.Sprintf("Applied %q to %s (pid %d), granted %s",
				msg.mask.Name, msg.process.Name, msg.process.PID, emptyDash(msg.process.Affinity.String()))
		}
		return m, reconcile(m.eng, false)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.step {
		case stepMasks:
			return m.updateMasks(msg)
		case stepEdit:
			return m.updateEdit(msg)
		case stepNewName:
			return m.updateNewName(msg)
		case stepSelectProcess:
			return m.updateSelectProcess(msg)
		case stepConfirmDelete:
			return m.updateConfirmDelete(msg)
		}
	}

	return m, nil
}

func (m Model) updateMasks(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit

	case "up", "k":
		m.cursor = wrap(m.cursor-1, len(m.masks))

	case "down", "j":
		m.cursor = wrap(m.cursor+1, len(m.masks))

	case "enter":
		if sel := m.selected(); sel != nil {
			m.editing = sel.Clone()
			m.bitCursor = 0
			m.step = stepEdit
			m.err = nil
			m.status = ""
		}

	case "n":
		m.err = nil
		m.status = ""
		return m.startInput(stepNewName, "Mask name...")

	case "a":
		sel := m.selected()
		if sel == nil {
			break
		}
		if !sel.IsEnabled {
			m.err = fmt.Errorf("%q is disabled", sel.Name)
			break
		}
		m.err = nil
		m.status = ""
		m.procs = nil
		m.procsLoading = true
		model, blink := m.startInput(stepSelectProcess, "Filter by name or pid...")
		return model, tea.Batch(blink, loadProcesses(m.eng))

	case "d":
		sel := m.selected()
		if sel == nil {
			break
		}
		if sel.IsDefault {
			m.err = fmt.Errorf("%q cannot be deleted", sel.Name)
			break
		}
		m.err = nil
		return m, checkDelete(m.eng, sel)

	case "g":
		m.err = nil
		return m, createDefaults(m.eng)
	}
	return m, nil
}

func (m Model) updateEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	n := len(m.editing.Bits)
	switch msg.String() {
	case "q":
		return m, tea.Quit

	case "esc":
		m.step = stepMasks
		m.editing = nil
		return m, nil

	case "left", "h":
		m.bitCursor = wrap(m.bitCursor-1, n)
	case "right", "l":
		m.bitCursor = wrap(m.bitCursor+1, n)
	case "up", "k":
		if m.bitCursor-bitsPerRow >= 0 {
			m.bitCursor -= bitsPerRow
		}
	case "down", "j":
		if m.bitCursor+bitsPerRow < n {
			m.bitCursor += bitsPerRow
		}

	case " ":
		if m.editing.IsDefault {
			m.err = fmt.Errorf("%q always covers every CPU", m.editing.Name)
			break
		}
		if m.bitCursor < n {
			m.editing.Bits[m.bitCursor] = !m.editing.Bits[m.bitCursor]
			return m.queueSave()
		}

	case "a":
		if !m.editing.IsDefault {
			m.editing.Bits = coremask.AllTrue(n)
			return m.queueSave()
		}

	case "e":
		if !m.editing.IsDefault {
			m.editing.IsEnabled = !m.editing.IsEnabled
			return m.queueSave()
		}
	}
	return m, nil
}

func (m Model) updateNewName(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.textInput.Blur()
		m.step = stepMasks
		return m, nil

	case "enter":
		name := strings.TrimSpace(m.textInput.Value())
		m.textInput.Blur()
		m.step = stepMasks
		n := m.eng.Topology().LogicalCount()
		return m, createMask(m.eng, name, coremask.AllTrue(n))
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m Model) updateSelectProcess(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	visible := m.visibleProcesses()
	switch msg.String() {
	case "esc":
		m.textInput.Blur()
		m.step = stepMasks
		return m, nil

	case "up":
		m.processCursor = wrap(m.processCursor-1, len(visible))
		return m, nil

	case "down":
		m.processCursor = wrap(m.processCursor+1, len(visible))
		return m, nil

	case "enter":
		if m.processCursor >= len(visible) {
			return m, nil
		}
		target := visible[m.processCursor]
		m.textInput.Blur()
		m.step = stepMasks
		m.status = fmt.Sprintf("Applying to %s (pid %d)...", target.Name, target.PID)
		return m, applyMask(m.eng, target.PID, m.selected())
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	m.processCursor = 0
	return m, cmd
}

func (m Model) updateConfirmDelete(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "enter":
		target := m.deleting
		m.deleting = nil
		m.step = stepMasks
		if target == nil {
			return m, nil
		}
		return m, deleteMask(m.eng, target)

	case "n", "esc":
		m.deleting = nil
		m.step = stepMasks
	}
	return m, nil
}

func (m Model) startInput(s step, placeholder string) (tea.Model, tea.Cmd) {
	m.step = s
	m.textInput.Reset()
	m.textInput.Placeholder = placeholder
	m.textInput.Focus()
	return m, textinput.Blink
}

// queueSave writes the mask being edited. Only one save runs at a time; the
// newest edit made during a save is written after it.
func (m Model) queueSave() (tea.Model, tea.Cmd) {
	m.err = nil
	if m.saving {
		m.pending = m.editing.Clone()
		return m, nil
	}
	m.saving = true
	return m, saveMask(m.eng, m.editing.Clone())
}

// visibleProcesses applies the picker filter: a case-insensitive match on
// the name or a prefix match on the pid.
func (m Model) visibleProcesses() []procfs.Process {
	filter := strings.ToLower(strings.TrimSpace(m.textInput.Value()))
	if filter == "" {
		return m.procs
	}
	var out []procfs.Process
	for _, p := range m.procs {
		if strings.Contains(strings.ToLower(p.Name), filter) || strings.HasPrefix(strconv.Itoa(p.PID), filter) {
			out = append(out, p)
		}
	}
	return out
}

func (m Model) report(status string, err error) Model {
	m.err = err
	if err == nil {
		m.status = status
	} else {
		m.status = ""
	}
	return m
}

func (m Model) setMasks(masks []*coremask.CoreMask) Model {
	if masks == nil {
		return m
	}
	m.masks = masks
	if m.cursor >= len(m.masks) {
		m.cursor = len(m.masks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	return m
}

func (m Model) selected() *coremask.CoreMask {
	if m.cursor < 0 || m.cursor >= len(m.masks) {
		return nil
	}
	return m.masks[m.cursor]
}

func wrap(i, n int) int {
	if n == 0 {
		return 0
	}
	return ((i % n) + n) % n
}

func saveMask(eng *engine.Engine, mask *coremask.CoreMask) tea.Cmd {
	return func() tea.Msg {
		err := eng.Masks().UpdateMask(mask)
		return maskSavedMsg{masks: eng.Masks().Masks(), err: err}
	}
}

func createMask(eng *engine.Engine, name string, bits []bool) tea.Cmd {
	return func() tea.Msg {
		created, err := eng.Masks().CreateMask(name, "", bits)
		return maskCreatedMsg{masks: eng.Masks().Masks(), created: created, err: err}
	}
}

func createDefaults(eng *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		n, err := eng.Masks().CreateDefaultMasks()
		return masksMsg{
			masks:  eng.Masks().Masks(),
			status: fmt.Sprintf("Added %d default mask(s)", n),
			err:    err,
		}
	}
}

func checkDelete(eng *engine.Engine, mask *coremask.CoreMask) tea.Cmd {
	return func() tea.Msg {
		if eng.Masks().IsMaskActivelyApplied(mask.ID) {
			return deleteCheckMsg{mask: mask, inUse: true}
		}
		names, err := eng.Masks().ProfilesReferencingMask(mask.ID)
		return deleteCheckMsg{mask: mask, referenced: names, err: err}
	}
}

func deleteMask(eng *engine.Engine, mask *coremask.CoreMask) tea.Cmd {
	return func() tea.Msg {
		err := eng.DeleteMask(mask.ID, true)
		return masksMsg{
			masks:  eng.Masks().Masks(),
			status: fmt.Sprintf("Deleted %q", mask.Name),
			err:    err,
		}
	}
}

func loadProcesses(eng *engine.Engine) tea.Cmd {
	return func() tea.Msg {
		procs, err := eng.Processes()
		return processesMsg{procs: procs, err: err}
	}
}

func applyMask(eng *engine.Engine, pid int, mask *coremask.CoreMask) tea.Cmd {
	return func() tea.Msg {
		if mask == nil {
			return applyResultMsg{err: coremask.ErrMaskNotFound}
		}
		p, err := eng.ApplyMask(pid, mask.ID)
		return applyResultMsg{process: p, mask: mask, err: err}
	}
}

// reconcile prunes exited processes and reports which masks are in use.
func reconcile(eng *engine.Engine, tick bool) tea.Cmd {
	return func() tea.Msg {
		eng.Reconcile()
		return activeMsg{
			active:  eng.ActiveMasks(),
			tracked: len(eng.Tracker().TrackedPIDs()),
			tick:    tick,
		}
	}
}

func scheduleReconcile(eng *engine.Engine) tea.Cmd {
	return tea.Tick(eng.ReconcileInterval(), func(time.Time) tea.Msg {
		return reconcile(eng, true)()
	})
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	switch m.step {
	case stepMasks:
		b.WriteString(m.renderMaskList())
	case stepEdit:
		b.WriteString(m.renderEditor())
	case stepNewName:
		b.WriteString(m.renderInput("? Name of the new mask"))
	case stepSelectProcess:
		b.WriteString(m.renderProcessSelection())
	case stepConfirmDelete:
		b.WriteString(m.renderConfirmDelete())
	}

	b.WriteString("\n\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("✗ Error: %v", m.err)))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString(coreStyle.Render("✓ " + m.status))
		b.WriteString("\n")
	}
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m Model) renderHelp() string {
	keyStyle := lipgloss.NewStyle().Foreground(secondaryColor)
	sepStyle := helpStyle

	key := func(k, desc string) string {
		return keyStyle.Render(k) + sepStyle.Render(" "+desc)
	}

	var parts []string
	switch m.step {
	case stepMasks:
		parts = append(parts,
			key("↑/↓", "navigate"),
			key("enter", "edit"),
			key("n", "new"),
			key("a", "apply"),
			key("d", "delete"),
			key("g", "add defaults"),
			key("q", "quit"))
	case stepEdit:
		parts = append(parts,
			key("←/→/↑/↓", "move"),
			key("space", "toggle"),
			key("a", "all"),
			key("e", "enable/disable"),
			key("esc", "back"),
			key("q", "quit"))
	case stepNewName:
		parts = append(parts, key("enter", "confirm"), key("esc", "back"))
	case stepSelectProcess:
		parts = append(parts, key("↑/↓", "navigate"), key("type", "filter"), key("enter", "apply"), key("esc", "back"))
	case stepConfirmDelete:
		parts = append(parts, key("y", "delete"), key("n", "cancel"))
	}

	return strings.Join(parts, dimStyle.Render(" • "))
}

func (m Model) renderHeader() string {
	var b strings.Builder
	topo := m.eng.Topology()

	b.WriteString(titleStyle.Render(" Core Mask Manager "))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  %s %d    %s %d    %s %s    %s %s",
		countStyle.Render("Cores:"), topo.TotalPhysical,
		countStyle.Render("Threads:"), topo.TotalLogical,
		dimStyle.Render("SMT:"), formatBool(topo.HasSMT),
		dimStyle.Render("Hybrid:"), formatBool(topo.HasHybrid)))
	if m.tracked > 0 {
		b.WriteString(fmt.Sprintf("    %s %d", highlightStyle.Render("Tracked:"), m.tracked))
	}
	if m.saving {
		b.WriteString("    " + dimStyle.Render("saving..."))
	}

	return b.String()
}

func (m Model) renderMaskList() string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("? Select a mask"))
	b.WriteString("\n\n")

	if len(m.masks) == 0 {
		b.WriteString(dimStyle.Render("  No masks"))
		return b.String()
	}

	for i, mask := range m.masks {
		label := mask.Name
		if !mask.IsEnabled {
			label += " (disabled)"
		}
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("  ▸ "))
			b.WriteString(selectedStyle.Render(label))
		} else {
			b.WriteString("    ")
			if mask.IsEnabled {
				b.WriteString(label)
			} else {
				b.WriteString(dimStyle.Render(label))
			}
		}
		b.WriteString(fmt.Sprintf("  %s", cpuListStyle.Render(emptyDash(coremask.FormatBits(mask.Bits)))))
		if n := m.active[mask.ID]; n > 0 {
			b.WriteString(highlightStyle.Render(fmt.Sprintf("  ● %d", n)))
		}
		b.WriteString("\n")
		if mask.Description != "" {
			b.WriteString("      " + dimStyle.Render(mask.Description) + "\n")
		}
	}

	return b.String()
}

func (m Model) renderEditor() string {
	var b strings.Builder
	mask := m.editing

	b.WriteString(subtitleStyle.Render(fmt.Sprintf("? Edit %s", mask.Name)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  Selected: %d / %d", mask.SelectedCount(), len(mask.Bits))))
	if !mask.IsEnabled {
		b.WriteString(highlightStyle.Render("  disabled"))
	}
	b.WriteString("\n\n")

	topo := m.eng.Topology()
	for row := 0; row*bitsPerRow < len(mask.Bits); row++ {
		b.WriteString("  ")
		for col := 0; col < bitsPerRow; col++ {
			i := row*bitsPerRow + col
			if i >= len(mask.Bits) {
				break
			}
			cell := fmt.Sprintf("%3d", i)
			if mask.Bits[i] {
				cell = coreStyle.Render("[" + cell + "]")
			} else {
				cell = dimStyle.Render(" " + cell + " ")
			}
			if i == m.bitCursor {
				cell = selectedStyle.Render("▸") + cell
			} else {
				cell = " " + cell
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}

	if core, ok := topo.Core(m.bitCursor); ok {
		b.WriteString("\n  ")
		b.WriteString(dimStyle.Render(fmt.Sprintf("cpu%d: %s", core.ID, core.Name)))
	}

	return b.String()
}

func (m Model) renderInput(title string) string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render(title))
	b.WriteString("\n\n")
	b.WriteString("  > ")
	b.WriteString(m.textInput.View())
	return b.String()
}

func (m Model) renderProcessSelection() string {
	var b strings.Builder
	name := ""
	if sel := m.selected(); sel != nil {
		name = sel.Name
	}
	b.WriteString(m.renderInput(fmt.Sprintf("? Apply %q to which process?", name)))
	b.WriteString("\n\n")

	if m.procsLoading {
		b.WriteString(dimStyle.Render("  Loading processes..."))
		return b.String()
	}
	visible := m.visibleProcesses()
	if len(visible) == 0 {
		b.WriteString(dimStyle.Render("  No processes found"))
		return b.String()
	}

	start := 0
	if m.processCursor >= processRows {
		start = m.processCursor - processRows + 1
	}
	end := start + processRows
	if end > len(visible) {
		end = len(visible)
	}
	for i := start; i < end; i++ {
		p := visible[i]
		pid := fmt.Sprintf("%7d", p.PID)
		if i == m.processCursor {
			b.WriteString(cursorStyle.Render("  ▸ "))
			b.WriteString(selectedStyle.Render(pid))
		} else {
			b.WriteString("    ")
			b.WriteString(pid)
		}
		b.WriteString("  " + p.Name + "\n")
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d of %d", len(visible), len(m.procs))))
	return b.String()
}

func (m Model) renderConfirmDelete() string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render(fmt.Sprintf("? Delete %q?", m.deleting.Name)))
	b.WriteString("\n\n")
	if len(m.referenced) > 0 {
		b.WriteString(highlightStyle.Render(fmt.Sprintf("  Used by %d profile(s): %s",
			len(m.referenced), strings.Join(m.referenced, ", "))))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("  They will be moved to %q.", coremask.BaselineName)))
	} else {
		b.WriteString(dimStyle.Render("  No profiles reference this mask."))
	}
	return b.String()
}

// Run starts the interactive editor. Reverting applied masks on exit is left
// to the caller.
func Run(eng *engine.Engine) error {
	model := NewModel(eng)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
