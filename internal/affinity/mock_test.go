package affinity

import (
	"github.com/stretchr/testify/mock"
	"k8s.io/utils/cpuset"
)

type mockSystem struct {
	mock.Mock
}

func (m *mockSystem) OpenHandle(pid int) (Handle, error) {
	args := m.Called(pid)
	h, _ := args.Get(0).(Handle)
	return h, args.Error(1)
}

func (m *mockSystem) SetAffinity(pid int, mask cpuset.CPUSet) error {
	args := m.Called(pid, mask)
	return args.Error(0)
}

func (m *mockSystem) GetAffinity(pid int) (cpuset.CPUSet, error) {
	args := m.Called(pid)
	return args.Get(0).(cpuset.CPUSet), args.Error(1)
}

func (m *mockSystem) GetPriority(pid int) (int, error) {
	args := m.Called(pid)
	return args.Int(0), args.Error(1)
}

func (m *mockSystem) SetPriority(pid int, nice int) error {
	args := m.Called(pid, nice)
	return args.Error(0)
}

func (m *mockSystem) Alive(pid int) bool {
	args := m.Called(pid)
	return args.Bool(0)
}

type mockHandle struct {
	mock.Mock
}

func (m *mockHandle) Valid() bool {
	return m.Called().Bool(0)
}

func (m *mockHandle) SetAffinity(mask cpuset.CPUSet) error {
	return m.Called(mask).Error(0)
}

func (m *mockHandle) Reset(all cpuset.CPUSet) error {
	return m.Called(all).Error(0)
}

func (m *mockHandle) Close() error {
	return m.Called().Error(0)
}
