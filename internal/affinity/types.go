package affinity

import (
	"github.com/pkg/errors"
	"k8s.io/utils/cpuset"
)

var (
	ErrInvalidMask     = errors.New("invalid affinity mask")
	ErrAccessDenied    = errors.New("access denied")
	ErrProcessNotFound = errors.New("process not found")
	ErrApplyFailed     = errors.New("failed to apply affinity")
	ErrUnsupported     = errors.New("not supported on this platform")

	// ErrHandleInvalid is recovered internally by falling back to the
	// legacy call and is never returned by the Applier.
	ErrHandleInvalid = errors.New("process handle invalid")
)

// Process is the caller's view of a live process. Affinity and Priority
// hold what the OS reported after the last operation.
type Process struct {
	PID      int
	Name     string
	Affinity cpuset.CPUSet
	Priority int
}

func NewProcess(pid int, name string) *Process {
	return &Process{PID: pid, Name: name}
}

// Handle is a per-process capability used for the preferred apply path.
// Once Valid reports false the handle must be closed and discarded.
type Handle interface {
	Valid() bool
	SetAffinity(mask cpuset.CPUSet) error
	// Reset releases every thread of the process to the given CPUs.
	Reset(all cpuset.CPUSet) error
	Close() error
}

// System is the OS surface the Applier drives.
type System interface {
	OpenHandle(pid int) (Handle, error)
	// SetAffinity is the legacy single-call path.
	SetAffinity(pid int, mask cpuset.CPUSet) error
	GetAffinity(pid int) (cpuset.CPUSet, error)
	GetPriority(pid int) (int, error)
	SetPriority(pid int, nice int) error
	Alive(pid int) bool
}

// ApplyEvent is published after every affinity apply attempt.
type ApplyEvent struct {
	PID     int
	MaskID  string
	Mask    cpuset.CPUSet
	Granted cpuset.CPUSet
	Err     error
}

// Result counts the outcome of a bulk operation.
type Result struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Nice values used as priority classes.
const (
	PriorityIdle        = 19
	PriorityBelowNormal = 10
	PriorityNormal      = 0
	PriorityAboveNormal = -5
	PriorityHigh        = -10
	PriorityRealtime    = -20
)
