// Package engine wires the mask store, the affinity applier and the shared
// tracking tables together, and owns the reconcile and shutdown lifecycle.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"coremask/internal/affinity"
	"coremask/internal/association"
	"coremask/internal/coremask"
	"coremask/internal/procfs"
	"coremask/internal/topology"
)

var ErrMaskReferenced = errors.New("mask is referenced by profiles")

const DefaultReconcileInterval = 10 * time.Second

type Config struct {
	MaskFile          string
	UseCapabilityPath bool
	ReconcileInterval time.Duration
}

type Deps struct {
	// Files holds the mask file.
	Files afero.Fs
	// Proc is the filesystem that holds /proc.
	Proc     afero.Fs
	Topology topology.Provider
	System   affinity.System
	Profiles association.Provider
}

type Engine struct {
	cfg     Config
	proc    afero.Fs
	topo    topology.Provider
	tracker *affinity.Tracker
	applier *affinity.Applier
	masks   *coremask.Service
}

// ShutdownReport summarizes the best-effort revert done on shutdown.
type ShutdownReport struct {
	Affinity   affinity.Result
	Priorities affinity.Result
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}

	tracker := affinity.NewTracker(deps.System.Alive)
	allCPUs := func() cpuset.CPUSet {
		return coremask.ToAffinityMask(coremask.AllTrue(deps.Topology.Snapshot().LogicalCount()))
	}
	applier := affinity.NewApplier(deps.System, tracker, allCPUs,
		affinity.WithCapabilityPath(cfg.UseCapabilityPath))

	var opts []coremask.Option
	if deps.Profiles != nil {
		opts = append(opts, coremask.WithProfiles(deps.Profiles))
	}
	masks := coremask.NewService(deps.Files, cfg.MaskFile, deps.Topology, tracker, opts...)

	return &Engine{
		cfg:     cfg,
		proc:    deps.Proc,
		topo:    deps.Topology,
		tracker: tracker,
		applier: applier,
		masks:   masks,
	}
}

// Start loads or generates the masks.
func (e *Engine) Start() error {
	return e.masks.Initialize()
}

func (e *Engine) Masks() *coremask.Service     { return e.masks }
func (e *Engine) Applier() *affinity.Applier   { return e.applier }
func (e *Engine) Tracker() *affinity.Tracker   { return e.tracker }
func (e *Engine) Topology() *topology.Snapshot { return e.topo.Snapshot() }

func (e *Engine) ReconcileInterval() time.Duration { return e.cfg.ReconcileInterval }

// Processes lists the running processes a mask can be applied to.
func (e *Engine) Processes() ([]procfs.Process, error) {
	return procfs.List(e.proc)
}

// ActiveMasks counts tracked processes per applied mask id. It
// does not prune; call Reconcile first for a live view.
func (e *Engine) ActiveMasks() map[string]int {
	active := make(map[string]int)
	for _, id := range e.tracker.MaskAssignments() {
		active[id]++
	}
	return active
}

// ResolveMask finds a mask by id, then by case-insensitive name.
func (e *Engine) ResolveMask(ref string) (*coremask.CoreMask, error) {
	ref = strings.TrimSpace(ref)
	if m, ok := e.masks.MaskByID(ref); ok {
		return m, nil
	}
	if m, ok := e.masks.MaskByName(ref); ok {
		return m, nil
	}
	return nil, errors.Wrapf(coremask.ErrMaskNotFound, "%q", ref)
}

func (e *Engine) process(pid int) (*affinity.Process, error) {
	p, err := procfs.Lookup(e.proc, pid)
	if err != nil {
		if errors.Is(err, procfs.ErrProcessNotFound) {
			return nil, errors.Wrapf(affinity.ErrProcessNotFound, "pid %d", pid)
		}
		return nil, err
	}
	return affinity.NewProcess(p.PID, p.Name), nil
}

// ApplyMask applies the referenced mask to pid and tracks the assignment.
// The assignment is recorded before the OS call, so a concurrent DeleteMask
// sees the mask as in use; a failed apply puts the previous assignment back.
func (e *Engine) ApplyMask(pid int, ref string) (*affinity.Process, error) {
	resolved, err := e.ResolveMask(ref)
	if err != nil {
		return nil, err
	}
	p, err := e.process(pid)
	if err != nil {
		return nil, err
	}

	previous, hadPrevious := e.tracker.AppliedMask(pid)
	m, err := e.masks.Reserve(resolved.ID, func(m *coremask.CoreMask) error {
		if !m.IsEnabled {
			return errors.Wrapf(coremask.ErrInvalidMask, "mask %q is disabled", m.Name)
		}
		e.applier.TrackAppliedMask(pid, m.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.applier.SetMaskAffinity(p, m.ID, coremask.ToAffinityMask(m.Bits)); err != nil {
		e.restoreAssignment(pid, m.ID, previous, hadPrevious)
		return p, err
	}
	klog.InfoS("mask applied", "pid", pid, "process", p.Name, "mask", m.Name, "granted", p.Affinity.String())
	return p, nil
}

// restoreAssignment undoes a reservation made by ApplyMask, unless another
// apply has replaced it since.
func (e *Engine) restoreAssignment(pid int, reserved, previous string, hadPrevious bool) {
	if hadPrevious {
		_, err := e.masks.Reserve(previous, func(*coremask.CoreMask) error {
			e.tracker.SwapMask(pid, reserved, previous)
			return nil
		})
		if err == nil {
			return
		}
	}
	e.tracker.SwapMask(pid, reserved, "")
}

// SetPriority changes the nice value of pid; the original is kept for revert.
func (e *Engine) SetPriority(pid int, nice int) (*affinity.Process, error) {
	p, err := e.process(pid)
	if err != nil {
		return nil, err
	}
	return p, e.applier.SetProcessPriority(p, nice)
}

// Release returns pid to unrestricted scheduling and stops tracking it.
func (e *Engine) Release(pid int) (*affinity.Process, error) {
	p, err := e.process(pid)
	if err != nil {
		return nil, err
	}
	if err := e.applier.ClearProcessCpuSet(p); err != nil {
		return p, err
	}
	e.applier.UntrackProcess(pid)
	return p, nil
}

// DeleteMask deletes the referenced mask. If profiles still point at it the
// call fails with ErrMaskReferenced unless rebind is set, in which case they
// are moved to the baseline first.
func (e *Engine) DeleteMask(ref string, rebind bool) error {
	m, err := e.ResolveMask(ref)
	if err != nil {
		return err
	}
	if m.IsDefault {
		return errors.Wrapf(coremask.ErrProtectedMask, "%q", m.Name)
	}
	if e.masks.IsMaskActivelyApplied(m.ID) {
		return errors.Wrapf(coremask.ErrMaskInUse, "%q", m.Name)
	}

	names, err := e.masks.ProfilesReferencingMask(m.ID)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		if !rebind {
			return errors.Wrapf(ErrMaskReferenced, "%q used by %s", m.Name, strings.Join(names, ", "))
		}
		if _, err := e.masks.UpdateProfilesToDefaultMask(m.ID); err != nil {
			return err
		}
	}
	return e.masks.DeleteMask(m.ID)
}

// Reconcile drops exited processes from tracking.
func (e *Engine) Reconcile() []int {
	return e.tracker.Prune()
}

// Run reconciles periodically until ctx is done, then reverts everything the
// engine applied.
func (e *Engine) Run(ctx context.Context) ShutdownReport {
	wait.UntilWithContext(ctx, func(context.Context) {
		e.Reconcile()
	}, e.cfg.ReconcileInterval)
	return e.Shutdown()
}

// Shutdown releases every tracked process and restores original priorities.
func (e *Engine) Shutdown() ShutdownReport {
	return ShutdownReport{
		Affinity:   e.applier.ClearAllAppliedMasks(),
		Priorities: e.applier.ResetAllProcessPriorities(),
	}
}
