package affinity

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"
)

// Applier applies CPU masks to processes. It prefers the per-process handle
// path and falls back to the legacy single call when the handle path fails.
type Applier struct {
	sys     System
	tracker *Tracker
	// allCPUs returns the full online CPU set used to release processes.
	allCPUs       func() cpuset.CPUSet
	useCapability bool

	listenerMu sync.RWMutex
	listeners  []func(ApplyEvent)
}

type ApplierOption func(*Applier)

// WithCapabilityPath enables or disables the handle path. It is on by default.
func WithCapabilityPath(enabled bool) ApplierOption {
	return func(a *Applier) { a.useCapability = enabled }
}

func NewApplier(sys System, tracker *Tracker, allCPUs func() cpuset.CPUSet, opts ...ApplierOption) *Applier {
	a := &Applier{
		sys:           sys,
		tracker:       tracker,
		allCPUs:       allCPUs,
		useCapability: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Applier) Tracker() *Tracker {
	return a.tracker
}

// OnApplied registers a listener for apply outcomes.
func (a *Applier) OnApplied(fn func(ApplyEvent)) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Applier) publish(ev ApplyEvent) {
	a.listenerMu.RLock()
	listeners := append(([]func(ApplyEvent))(nil), a.listeners...)
	a.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// SetProcessorAffinity restricts p to mask. An empty mask is rejected without
// touching the OS. On return p.Affinity holds what the OS reports, which may
// differ from mask.
func (a *Applier) SetProcessorAffinity(p *Process, mask cpuset.CPUSet) error {
	return a.setAffinity(p, mask, "")
}

// SetMaskAffinity is SetProcessorAffinity with the mask id carried into the
// published ApplyEvent.
func (a *Applier) SetMaskAffinity(p *Process, maskID string, mask cpuset.CPUSet) error {
	return a.setAffinity(p, mask, maskID)
}

func (a *Applier) setAffinity(p *Process, mask cpuset.CPUSet, maskID string) error {
	if mask.IsEmpty() {
		err := errors.Wrap(ErrInvalidMask, "at least one CPU must be selected")
		a.publish(ApplyEvent{PID: p.PID, MaskID: maskID, Mask: mask, Err: err})
		return err
	}

	err := a.apply(p.PID, mask, func(h Handle) error { return h.SetAffinity(mask) })
	a.refresh(p)
	a.publish(ApplyEvent{PID: p.PID, MaskID: maskID, Mask: mask, Granted: p.Affinity, Err: err})
	if err != nil {
		klog.V(2).InfoS("affinity apply failed", "pid", p.PID, "mask", mask.String(), "err", err)
		return err
	}
	klog.V(2).InfoS("affinity applied", "pid", p.PID, "mask", mask.String(), "granted", p.Affinity.String())
	return nil
}

// ClearProcessCpuSet releases p back to every online CPU.
func (a *Applier) ClearProcessCpuSet(p *Process) error {
	all := a.allCPUs()
	err := a.apply(p.PID, all, func(h Handle) error { return h.Reset(all) })
	a.refresh(p)
	return err
}

// apply runs the handle path, then the legacy call if that failed. The
// caller sees one outcome.
func (a *Applier) apply(pid int, mask cpuset.CPUSet, viaHandle func(Handle) error) error {
	if a.useCapability {
		err := a.applyWithHandle(pid, viaHandle)
		if err == nil {
			return nil
		}
		klog.V(4).InfoS("handle path failed, using legacy affinity call", "pid", pid, "err", err)
	}

	if err := a.sys.SetAffinity(pid, mask); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Applier) applyWithHandle(pid int, viaHandle func(Handle) error) error {
	h, err := a.tracker.HandleFor(pid, a.sys.OpenHandle)
	if err != nil {
		return errors.Wrapf(ErrHandleInvalid, "open: %v", err)
	}
	if !h.Valid() {
		a.tracker.DropHandle(pid)
		return errors.Wrapf(ErrHandleInvalid, "pid %d", pid)
	}
	if err := viaHandle(h); err != nil {
		a.tracker.DropHandle(pid)
		return err
	}
	return nil
}

// refresh re-reads the affinity the OS actually holds for p.
func (a *Applier) refresh(p *Process) {
	granted, err := a.sys.GetAffinity(p.PID)
	if err != nil {
		klog.V(4).InfoS("unable to read back affinity", "pid", p.PID, "err", err)
		return
	}
	p.Affinity = granted
}

// classify maps OS failures onto the typed errors callers check for.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrInvalidMask),
		errors.Is(err, ErrProcessNotFound), errors.Is(err, ErrUnsupported):
		return err
	default:
		return errors.Wrapf(ErrApplyFailed, "%v", err)
	}
}

// SetProcessPriority sets the nice value of p. The value read before the
// first successful change is kept as the original.
func (a *Applier) SetProcessPriority(p *Process, nice int) error {
	original, err := a.sys.GetPriority(p.PID)
	if err != nil {
		return classify(err)
	}
	if err := a.sys.SetPriority(p.PID, nice); err != nil {
		p.Priority = original
		return classify(err)
	}
	a.tracker.TrackPriorityChange(p.PID, original)
	if current, err := a.sys.GetPriority(p.PID); err == nil {
		p.Priority = current
	} else {
		p.Priority = nice
	}
	return nil
}

func (a *Applier) TrackAppliedMask(pid int, maskID string) {
	a.tracker.TrackAppliedMask(pid, maskID)
}

func (a *Applier) TrackPriorityChange(pid int, original int) {
	a.tracker.TrackPriorityChange(pid, original)
}

func (a *Applier) UntrackProcess(pid int) {
	a.tracker.UntrackProcess(pid)
}

// ClearAllAppliedMasks releases every tracked process to all CPUs. Exited
// processes are dropped from tracking; failures are counted, never returned.
func (a *Applier) ClearAllAppliedMasks() Result {
	var res Result
	all := a.allCPUs()
	for pid := range a.tracker.MaskAssignments() {
		h := a.tracker.takeHandle(pid)
		if !a.sys.Alive(pid) {
			closeHandle(pid, h)
			a.tracker.forgetMask(pid)
			res.Skipped++
			continue
		}

		err := errors.Wrapf(ErrHandleInvalid, "pid %d", pid)
		if h != nil && h.Valid() {
			err = h.Reset(all)
		}
		closeHandle(pid, h)
		if err != nil {
			err = a.sys.SetAffinity(pid, all)
		}
		a.tracker.forgetMask(pid)

		if err != nil {
			klog.ErrorS(err, "failed to release process affinity", "pid", pid)
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	klog.InfoS("cleared applied masks", "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	return res
}

// ResetAllProcessPriorities restores each tracked process's original
// priority and forgets it.
func (a *Applier) ResetAllProcessPriorities() Result {
	var res Result
	for _, pid := range a.tracker.priorityPIDs() {
		original, ok := a.tracker.OriginalPriority(pid)
		a.tracker.forgetPriority(pid)
		if !ok {
			continue
		}
		if !a.sys.Alive(pid) {
			res.Skipped++
			continue
		}
		if err := a.sys.SetPriority(pid, original); err != nil {
			klog.ErrorS(err, "failed to restore process priority", "pid", pid, "nice", original)
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	klog.InfoS("reset process priorities", "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	return res
}
