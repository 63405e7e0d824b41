package affinity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aliveSet(pids ...int) func(int) bool {
	var mu sync.Mutex
	live := make(map[int]bool)
	for _, pid := range pids {
		live[pid] = true
	}
	return func(pid int) bool {
		mu.Lock()
		defer mu.Unlock()
		return live[pid]
	}
}

func TestTracker_PriorityFirstWriteWins(t *testing.T) {
	t.Parallel()

	tr := NewTracker(aliveSet(10))
	assert.True(t, tr.TrackPriorityChange(10, 0))
	assert.False(t, tr.TrackPriorityChange(10, -5))

	got, ok := tr.OriginalPriority(10)
	require.True(t, ok)
	assert.Equal(t, 0, got)
}

func TestTracker_Prune(t *testing.T) {
	t.Parallel()

	tr := NewTracker(aliveSet(1, 3))
	tr.TrackAppliedMask(1, "a")
	tr.TrackAppliedMask(2, "b")
	tr.TrackPriorityChange(3, 5)
	tr.TrackPriorityChange(4, 5)

	assert.Equal(t, []int{1, 2, 3, 4}, tr.TrackedPIDs())
	assert.Equal(t, []int{2, 4}, tr.Prune())
	assert.Equal(t, []int{1, 3}, tr.TrackedPIDs())
	assert.Equal(t, map[int]string{1: "a"}, tr.MaskAssignments())
}

func TestTracker_IsMaskAppliedIgnoresDeadProcesses(t *testing.T) {
	t.Parallel()

	tr := NewTracker(aliveSet(1))
	tr.TrackAppliedMask(1, "live")
	tr.TrackAppliedMask(2, "dead")

	assert.True(t, tr.IsMaskApplied("live"))
	assert.False(t, tr.IsMaskApplied("dead"))
	assert.False(t, tr.IsMaskApplied("never"))

	_, ok := tr.AppliedMask(2)
	assert.False(t, ok)
}

func TestTracker_HandleLifecycle(t *testing.T) {
	t.Parallel()

	h := &mockHandle{}
	h.On("Close").Return(nil).Once()

	opens := 0
	open := func(int) (Handle, error) {
		opens++
		return h, nil
	}

	tr := NewTracker(aliveSet(5))
	got, err := tr.HandleFor(5, open)
	require.NoError(t, err)
	assert.Same(t, h, got)

	got, err = tr.HandleFor(5, open)
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.Equal(t, 1, opens)

	tr.TrackAppliedMask(5, "m")
	tr.UntrackProcess(5)
	assert.Empty(t, tr.TrackedPIDs())
	h.AssertExpectations(t)
}

func TestTracker_ConcurrentHandleFor(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var opened []*mockHandle
	open := func(int) (Handle, error) {
		h := &mockHandle{}
		h.On("Close").Return(nil).Maybe()
		mu.Lock()
		opened = append(opened, h)
		mu.Unlock()
		return h, nil
	}

	tr := NewTracker(aliveSet(9))
	got := make([]Handle, 16)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = tr.HandleFor(9, open)
		}(i)
	}
	wg.Wait()

	winner, err := tr.HandleFor(9, open)
	require.NoError(t, err)
	for _, h := range got {
		assert.Same(t, winner, h)
	}
	for _, h := range opened {
		if Handle(h) == winner {
			h.AssertNotCalled(t, "Close")
			continue
		}
		h.AssertCalled(t, "Close")
	}
}

func TestTracker_HandleForDoesNotBlockOtherPIDs(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := &mockHandle{}
	fast := &mockHandle{}

	tr := NewTracker(aliveSet(1, 2))
	done := make(chan error, 1)
	go func() {
		_, err := tr.HandleFor(1, func(int) (Handle, error) {
			close(entered)
			<-release
			return slow, nil
		})
		done <- err
	}()

	<-entered
	got, err := tr.HandleFor(2, func(int) (Handle, error) { return fast, nil })
	require.NoError(t, err)
	assert.Same(t, fast, got)
	tr.TrackAppliedMask(2, "m")
	assert.Equal(t, map[int]string{2: "m"}, tr.MaskAssignments())

	close(release)
	require.NoError(t, <-done)
	got, err = tr.HandleFor(1, nil)
	require.NoError(t, err)
	assert.Same(t, slow, got)
}

func TestTracker_SwapMask(t *testing.T) {
	t.Parallel()

	tr := NewTracker(aliveSet(4))
	assert.False(t, tr.SwapMask(4, "a", "b"), "nothing tracked yet")

	tr.TrackAppliedMask(4, "a")
	assert.False(t, tr.SwapMask(4, "other", "b"))
	assert.True(t, tr.SwapMask(4, "a", "b"))
	id, _ := tr.AppliedMask(4)
	assert.Equal(t, "b", id)

	assert.True(t, tr.SwapMask(4, "b", ""))
	_, ok := tr.AppliedMask(4)
	assert.False(t, ok)
}
