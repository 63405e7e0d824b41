//go:build !linux

package affinity

import (
	"github.com/spf13/afero"
	"k8s.io/utils/cpuset"
)

type unsupportedSystem struct{}

// NewSystem returns a backend whose every OS call fails with ErrUnsupported.
func NewSystem(afero.Fs) System {
	return unsupportedSystem{}
}

func (unsupportedSystem) OpenHandle(int) (Handle, error) { return nil, ErrUnsupported }

func (unsupportedSystem) SetAffinity(int, cpuset.CPUSet) error { return ErrUnsupported }

func (unsupportedSystem) GetAffinity(int) (cpuset.CPUSet, error) {
	return cpuset.New(), ErrUnsupported
}

func (unsupportedSystem) GetPriority(int) (int, error) { return 0, ErrUnsupported }

func (unsupportedSystem) SetPriority(int, int) error { return ErrUnsupported }

func (unsupportedSystem) Alive(int) bool { return false }
