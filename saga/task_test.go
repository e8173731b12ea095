package saga_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/0ZTR/logistics-wizard/saga"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_TerminalStateIsFinal(t *testing.T) {
	sched, _ := newCounterScheduler(t, 0)
	defer sched.Close()

	tasks, err := sched.Run(context.Background(), func(ctx context.Context, yield saga.Yield) error {
		return nil
	})
	require.NoError(t, err)

	task := tasks[0]
	<-task.Done()
	require.Equal(t, saga.StatusDone, task.Status())

	// no transition out of a terminal state
	task.Cancel()
	assert.Equal(t, saga.StatusDone, task.Status())
	assert.NoError(t, task.Err())
}

func TestTask_RoutineErrorMarksErrored(t *testing.T) {
	errBroken := fmt.Errorf("broken routine")
	sched, _ := newCounterScheduler(t, 0, saga.WithErrorBoundary(func(string, error) {}))
	defer sched.Close()

	tasks, err := sched.Run(context.Background(), func(ctx context.Context, yield saga.Yield) error {
		return errBroken
	})
	require.NoError(t, err)

	task := tasks[0]
	<-task.Done()
	assert.Equal(t, saga.StatusErrored, task.Status())
	require.ErrorIs(t, task.Err(), errBroken)
}

func TestTask_RoutinePanicMarksErrored(t *testing.T) {
	sched, _ := newCounterScheduler(t, 0, saga.WithErrorBoundary(func(string, error) {}))
	defer sched.Close()

	tasks, err := sched.Run(context.Background(), func(ctx context.Context, yield saga.Yield) error {
		panic("unexpected")
	})
	require.NoError(t, err)

	task := tasks[0]
	<-task.Done()
	assert.Equal(t, saga.StatusErrored, task.Status())
	require.ErrorContains(t, task.Err(), "routine panic")
}

func TestTask_DeferredCleanupRunsOnCancel(t *testing.T) {
	sched, _ := newCounterScheduler(t, 0)
	defer sched.Close()

	cleaned := make(chan struct{})
	tasks, err := sched.Run(context.Background(), func(ctx context.Context, yield saga.Yield) error {
		defer close(cleaned)
		return saga.Sleep(yield, time.Hour)
	})
	require.NoError(t, err)

	task := tasks[0]
	require.Eventually(t, func() bool { return task.Status() == saga.StatusSuspended }, waitFor, tick)
	task.Cancel()

	select {
	case <-cleaned:
	case <-time.After(waitFor):
		t.Fatal("deferred cleanup did not run")
	}
	assert.Equal(t, saga.StatusCancelled, task.Status())
}

func TestTask_SpanCoversLifetime(t *testing.T) {
	sched, _ := newCounterScheduler(t, 0)
	defer sched.Close()

	tasks, err := sched.Run(context.Background(), func(ctx context.Context, yield saga.Yield) error {
		return saga.Sleep(yield, 30*time.Millisecond)
	})
	require.NoError(t, err)

	task := tasks[0]
	<-task.Done()
	assert.GreaterOrEqual(t, task.Span().Duration(), 30*time.Millisecond)
}

func TestTask_IDsAreUnique(t *testing.T) {
	sched, _ := newCounterScheduler(t, 0)
	defer sched.Close()

	noop := func(ctx context.Context, yield saga.Yield) error { return nil }
	tasks, err := sched.Run(context.Background(), noop, noop)
	require.NoError(t, err)
	assert.NotEqual(t, tasks[0].ID(), tasks[1].ID())
}
