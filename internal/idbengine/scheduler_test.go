package idbengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunTaskDrainsMicrotasksInFIFOOrder(t *testing.T) {
	s := NewScheduler()
	var order []int

	s.RunTask(func() {
		s.QueueMicrotask(func() { order = append(order, 1) })
		s.QueueMicrotask(func() { order = append(order, 2) })
	})

	assert.Equal(t, []int{1, 2}, order)
}

func TestMicrotaskQueuedDuringDrainRunsBeforeDrainFinishes(t *testing.T) {
	s := NewScheduler()
	var order []int

	s.RunTask(func() {
		s.QueueMicrotask(func() {
			order = append(order, 1)
			s.QueueMicrotask(func() { order = append(order, 2) })
		})
	})

	assert.Equal(t, []int{1, 2}, order)
}

func TestOnTaskEndRunsBeforeMicrotaskDrain(t *testing.T) {
	s := NewScheduler()
	var order []string

	s.RunTask(func() {
		s.QueueMicrotask(func() { order = append(order, "microtask") })
		s.OnTaskEnd(func() { order = append(order, "end-of-task") })
	})

	assert.Equal(t, []string{"end-of-task", "microtask"}, order)
}

func TestCurrentTaskIncrementsPerRunTask(t *testing.T) {
	s := NewScheduler()
	var seen []int64

	s.RunTask(func() { seen = append(seen, s.CurrentTask()) })
	s.RunTask(func() { seen = append(seen, s.CurrentTask()) })

	assert.Equal(t, []int64{1, 2}, seen)
}

func TestEndOfTaskHooksDoNotCarryOverToTheNextTask(t *testing.T) {
	s := NewScheduler()
	calls := 0

	s.RunTask(func() {
		s.OnTaskEnd(func() { calls++ })
	})
	s.RunTask(func() {})

	assert.Equal(t, 1, calls)
}
