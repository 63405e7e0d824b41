package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	"coremask/internal/affinity"
	"coremask/internal/association"
	"coremask/internal/coremask"
	"coremask/internal/procfs"
	"coremask/internal/topology"
)

// fakeSystem keeps per-pid affinity and nice values in memory. It never
// hands out handles, so every apply takes the legacy path.
type fakeSystem struct {
	mu       sync.Mutex
	all      cpuset.CPUSet
	affinity map[int]cpuset.CPUSet
	nice     map[int]int
	dead     map[int]bool
	denied   map[int]bool
}

func newFakeSystem(all cpuset.CPUSet) *fakeSystem {
	return &fakeSystem{
		all:      all,
		affinity: make(map[int]cpuset.CPUSet),
		nice:     make(map[int]int),
		dead:     make(map[int]bool),
		denied:   make(map[int]bool),
	}
}

func (f *fakeSystem) OpenHandle(int) (affinity.Handle, error) {
	return nil, affinity.ErrUnsupported
}

func (f *fakeSystem) SetAffinity(pid int, mask cpuset.CPUSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[pid] {
		return errors.Wrapf(affinity.ErrProcessNotFound, "pid %d", pid)
	}
	if f.denied[pid] {
		return errors.Wrapf(affinity.ErrAccessDenied, "pid %d", pid)
	}
	f.affinity[pid] = mask
	return nil
}

func (f *fakeSystem) GetAffinity(pid int) (cpuset.CPUSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mask, ok := f.affinity[pid]; ok {
		return mask, nil
	}
	return f.all, nil
}

func (f *fakeSystem) GetPriority(pid int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nice[pid], nil
}

func (f *fakeSystem) SetPriority(pid int, nice int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[pid] {
		return errors.Wrapf(affinity.ErrAccessDenied, "pid %d", pid)
	}
	f.nice[pid] = nice
	return nil
}

func (f *fakeSystem) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[pid]
}

func (f *fakeSystem) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[pid] = true
}

type fixture struct {
	eng      *Engine
	sys      *fakeSystem
	proc     afero.Fs
	profiles *association.Memory
}

func smtSnapshot() *topology.Snapshot {
	cores := make([]topology.LogicalCore, 0, 8)
	for i := 0; i < 8; i++ {
		cores = append(cores, topology.LogicalCore{
			ID:            i,
			PhysicalID:    i % 4,
			Hyperthreaded: true,
			SiblingID:     (i + 4) % 8,
			Name:          fmt.Sprintf("Core %d T%d", i%4, i/4),
		})
	}
	return topology.NewSnapshot("Intel(R) Core(TM) i7-7700K", true, cores)
}

func newFixture(t *testing.T, pids ...int) *fixture {
	t.Helper()

	proc := afero.NewMemMapFs()
	for _, pid := range pids {
		dir := filepath.Join(procfs.Root, strconv.Itoa(pid))
		require.NoError(t, afero.WriteFile(proc, filepath.Join(dir, "comm"), []byte(fmt.Sprintf("proc%d\n", pid)), 0o444))
	}

	f := &fixture{
		sys:      newFakeSystem(cpuset.New(0, 1, 2, 3, 4, 5, 6, 7)),
		proc:     proc,
		profiles: association.NewMemory(association.Association{Name: "game"}, association.Association{Name: "browser"}),
	}
	f.eng = New(Config{MaskFile: "/config/masks.json", UseCapabilityPath: true}, Deps{
		Files:    afero.NewMemMapFs(),
		Proc:     proc,
		Topology: topology.Static(smtSnapshot()),
		System:   f.sys,
		Profiles: f.profiles,
	})
	require.NoError(t, f.eng.Start())
	return f
}

func TestEngine_ApplyMask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)

	p, err := f.eng.ApplyMask(100, "all (no ht)")
	require.NoError(t, err)
	assert.Equal(t, "proc100", p.Name)
	assert.Equal(t, "0-3", p.Affinity.String())

	m, err := f.eng.ResolveMask("All (no HT)")
	require.NoError(t, err)
	id, ok := f.eng.Tracker().AppliedMask(100)
	require.True(t, ok)
	assert.Equal(t, m.ID, id)

	// Resolving by id works too.
	_, err = f.eng.ApplyMask(100, m.ID)
	require.NoError(t, err)
}

func TestEngine_ApplyMaskErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100, 200)
	f.sys.denied[200] = true

	empty, err := f.eng.Masks().CreateMask("Empty", "", make([]bool, 8))
	require.NoError(t, err)

	disabled, err := f.eng.Masks().CreateMask("Off", "", coremask.AllTrue(8))
	require.NoError(t, err)
	disabled.IsEnabled = false
	require.NoError(t, f.eng.Masks().UpdateMask(disabled))

	tests := []struct {
		name    string
		pid     int
		ref     string
		wantErr error
	}{
		{name: "unknown mask", pid: 100, ref: "nope", wantErr: coremask.ErrMaskNotFound},
		{name: "unknown process", pid: 999, ref: coremask.BaselineName, wantErr: affinity.ErrProcessNotFound},
		{name: "empty mask", pid: 100, ref: empty.ID, wantErr: affinity.ErrInvalidMask},
		{name: "disabled mask", pid: 100, ref: "Off", wantErr: coremask.ErrInvalidMask},
		{name: "access denied", pid: 200, ref: coremask.BaselineName, wantErr: affinity.ErrAccessDenied},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.ApplyMask(tt.pid, tt.ref)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.eng.Tracker().MaskAssignments(), "failed applies are not tracked")
}

func TestEngine_DeleteMask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	m, err := f.eng.Masks().CreateMask("Pinned", "", []bool{true, true})
	require.NoError(t, err)

	assert.ErrorIs(t, f.eng.DeleteMask(coremask.BaselineName, true), coremask.ErrProtectedMask)

	_, err = f.eng.ApplyMask(100, m.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.eng.DeleteMask(m.ID, true), coremask.ErrMaskInUse)

	// Once the process exits the mask is free again.
	f.sys.kill(100)
	require.NoError(t, f.eng.DeleteMask(m.ID, false))
	_, err = f.eng.ResolveMask(m.ID)
	assert.ErrorIs(t, err, coremask.ErrMaskNotFound)
}

// blockingSystem holds SetAffinity until release is closed.
type blockingSystem struct {
	*fakeSystem
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSystem) SetAffinity(pid int, mask cpuset.CPUSet) error {
	close(b.entered)
	<-b.release
	return b.fakeSystem.SetAffinity(pid, mask)
}

func TestEngine_DeleteDuringApply(t *testing.T) {
	t.Parallel()

	proc := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(proc, filepath.Join(procfs.Root, "100", "comm"), []byte("game\n"), 0o444))
	sys := &blockingSystem{
		fakeSystem: newFakeSystem(cpuset.New(0, 1, 2, 3, 4, 5, 6, 7)),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	eng := New(Config{MaskFile: "/config/masks.json"}, Deps{
		Files:    afero.NewMemMapFs(),
		Proc:     proc,
		Topology: topology.Static(smtSnapshot()),
		System:   sys,
	})
	require.NoError(t, eng.Start())

	m, err := eng.Masks().CreateMask("Pinned", "", []bool{true, true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := eng.ApplyMask(100, m.ID)
		done <- err
	}()

	<-sys.entered
	assert.ErrorIs(t, eng.DeleteMask(m.ID, false), coremask.ErrMaskInUse)
	assert.ErrorIs(t, eng.Masks().DeleteMask(m.ID), coremask.ErrMaskInUse)

	close(sys.release)
	require.NoError(t, <-done)

	_, ok := eng.Masks().MaskByID(m.ID)
	assert.True(t, ok)
	id, ok := eng.Tracker().AppliedMask(100)
	require.True(t, ok)
	assert.Equal(t, m.ID, id)
}

func TestEngine_FailedApplyRestoresAssignment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	_, err := f.eng.ApplyMask(100, "All (no HT)")
	require.NoError(t, err)
	before, ok := f.eng.Tracker().AppliedMask(100)
	require.True(t, ok)

	f.sys.mu.Lock()
	f.sys.denied[100] = true
	f.sys.mu.Unlock()

	_, err = f.eng.ApplyMask(100, coremask.BaselineName)
	assert.ErrorIs(t, err, affinity.ErrAccessDenied)

	after, ok := f.eng.Tracker().AppliedMask(100)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestEngine_DeleteReferencedMask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m, err := f.eng.Masks().CreateMask("Gaming", "", []bool{true})
	require.NoError(t, err)
	require.NoError(t, f.profiles.UpdateAssociation(association.Association{Name: "game", MaskID: m.ID}))

	err = f.eng.DeleteMask("Gaming", false)
	assert.ErrorIs(t, err, ErrMaskReferenced)
	_, err = f.eng.ResolveMask("Gaming")
	require.NoError(t, err, "refused delete keeps the mask")

	require.NoError(t, f.eng.DeleteMask("Gaming", true))

	items, err := f.profiles.Associations()
	require.NoError(t, err)
	assert.Equal(t, f.eng.Masks().Baseline().ID, items[0].MaskID)
	assert.Empty(t, items[1].MaskID)
}

func TestEngine_Release(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	_, err := f.eng.ApplyMask(100, "All (no HT)")
	require.NoError(t, err)

	p, err := f.eng.Release(100)
	require.NoError(t, err)
	assert.Equal(t, "0-7", p.Affinity.String())
	assert.Empty(t, f.eng.Tracker().TrackedPIDs())
}

func TestEngine_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100, 200, 300)
	f.sys.nice[100] = 0
	f.sys.nice[200] = 5

	_, err := f.eng.ApplyMask(100, "All (no HT)")
	require.NoError(t, err)
	_, err = f.eng.SetPriority(100, affinity.PriorityHigh)
	require.NoError(t, err)
	_, err = f.eng.SetPriority(200, affinity.PriorityIdle)
	require.NoError(t, err)
	_, err = f.eng.ApplyMask(300, "All (no HT)")
	require.NoError(t, err)
	f.sys.kill(300)

	report := f.eng.Shutdown()
	assert.Equal(t, affinity.Result{Succeeded: 1, Skipped: 1}, report.Affinity)
	assert.Equal(t, affinity.Result{Succeeded: 2}, report.Priorities)

	assert.Equal(t, "0-7", f.sys.affinity[100].String())
	assert.Equal(t, 0, f.sys.nice[100])
	assert.Equal(t, 5, f.sys.nice[200])
	assert.Empty(t, f.eng.Tracker().TrackedPIDs())
}

func TestEngine_RunRevertsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	_, err := f.eng.ApplyMask(100, "All (no HT)")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := f.eng.Run(ctx)

	assert.Equal(t, 1, report.Affinity.Succeeded)
	assert.Equal(t, "0-7", f.sys.affinity[100].String())
}

func TestEngine_Reconcile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100, 200)
	_, err := f.eng.ApplyMask(100, coremask.BaselineName)
	require.NoError(t, err)
	_, err = f.eng.ApplyMask(200, coremask.BaselineName)
	require.NoError(t, err)

	f.sys.kill(200)
	assert.Equal(t, []int{200}, f.eng.Reconcile())
	assert.Equal(t, []int{100}, f.eng.Tracker().TrackedPIDs())
}
