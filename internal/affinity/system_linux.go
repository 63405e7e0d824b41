//go:build linux

package affinity

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"

	"coremask/internal/procfs"
)

// cpuSetSize is CPU_SETSIZE, the number of CPUs a unix.CPUSet can address.
const cpuSetSize = 1024

type linuxSystem struct {
	proc afero.Fs
}

// NewSystem returns the Linux backend. proc is the filesystem that holds
// /proc, normally afero.NewOsFs().
func NewSystem(proc afero.Fs) System {
	return &linuxSystem{proc: proc}
}

func (s *linuxSystem) OpenHandle(pid int) (Handle, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, classifyErrno(err, "pidfd_open")
	}
	return &pidfdHandle{pid: pid, fd: fd, proc: s.proc}, nil
}

func (s *linuxSystem) SetAffinity(pid int, mask cpuset.CPUSet) error {
	set, err := toUnixSet(mask)
	if err != nil {
		return err
	}
	return classifyErrno(unix.SchedSetaffinity(pid, &set), "sched_setaffinity")
}

func (s *linuxSystem) GetAffinity(pid int) (cpuset.CPUSet, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &set); err != nil {
		return cpuset.New(), classifyErrno(err, "sched_getaffinity")
	}
	return fromUnixSet(&set), nil
}

// GetPriority returns the nice value of pid. The raw syscall reports
// 20 - nice so that the result is never negative.
func (s *linuxSystem) GetPriority(pid int) (int, error) {
	raw, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	if err != nil {
		return 0, classifyErrno(err, "getpriority")
	}
	return 20 - raw, nil
}

func (s *linuxSystem) SetPriority(pid int, nice int) error {
	return classifyErrno(unix.Setpriority(unix.PRIO_PROCESS, pid, nice), "setpriority")
}

func (s *linuxSystem) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// pidfdHandle pins the process identity with a pidfd and applies affinity
// to every thread listed under /proc/<pid>/task, where the legacy call only
// reaches the thread whose id equals pid.
type pidfdHandle struct {
	pid     int
	fd      int
	proc    afero.Fs
	invalid bool
}

func (h *pidfdHandle) Valid() bool {
	if h.invalid {
		return false
	}
	if err := unix.PidfdSendSignal(h.fd, unix.Signal(0), nil, 0); err != nil && !errors.Is(err, unix.EPERM) {
		h.invalid = true
	}
	return !h.invalid
}

func (h *pidfdHandle) SetAffinity(mask cpuset.CPUSet) error {
	return h.applyToThreads(mask)
}

func (h *pidfdHandle) Reset(all cpuset.CPUSet) error {
	return h.applyToThreads(all)
}

func (h *pidfdHandle) applyToThreads(mask cpuset.CPUSet) error {
	if !h.Valid() {
		return errors.Wrapf(ErrHandleInvalid, "pid %d", h.pid)
	}
	set, err := toUnixSet(mask)
	if err != nil {
		return err
	}
	tids, err := procfs.Tasks(h.proc, h.pid)
	if err != nil {
		h.invalid = true
		return errors.Wrapf(ErrHandleInvalid, "list threads of %d: %v", h.pid, err)
	}

	applied := 0
	for _, tid := range tids {
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			// Threads may exit between listing and applying.
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			h.invalid = true
			return classifyErrno(err, "sched_setaffinity")
		}
		applied++
	}
	// The pid may have been reused while the threads were listed.
	if applied == 0 || !h.Valid() {
		h.invalid = true
		return errors.Wrapf(ErrHandleInvalid, "pid %d exited during apply", h.pid)
	}
	return nil
}

func (h *pidfdHandle) Close() error {
	h.invalid = true
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func toUnixSet(mask cpuset.CPUSet) (unix.CPUSet, error) {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range mask.List() {
		if cpu < 0 || cpu >= cpuSetSize {
			return set, errors.Wrapf(ErrInvalidMask, "cpu %d out of range", cpu)
		}
		set.Set(cpu)
	}
	return set, nil
}

func fromUnixSet(set *unix.CPUSet) cpuset.CPUSet {
	cpus := make([]int, 0, set.Count())
	for cpu := 0; cpu < cpuSetSize; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpuset.New(cpus...)
}

func classifyErrno(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errors.Wrapf(ErrAccessDenied, "%s: %v", op, err)
	case errors.Is(err, unix.EINVAL):
		return errors.Wrapf(ErrInvalidMask, "%s: %v", op, err)
	case errors.Is(err, unix.ESRCH):
		return errors.Wrapf(ErrProcessNotFound, "%s: %v", op, err)
	case errors.Is(err, unix.ENOSYS):
		return errors.Wrapf(ErrUnsupported, "%s: %v", op, err)
	default:
		return errors.Wrap(err, op)
	}
}
