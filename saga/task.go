package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task. Transitions are monotonic:
// Created → Running ⇄ Suspended → {Done | Errored | Cancelled}. There is no
// transition out of a terminal state.
type TaskStatus string

const (
	StatusCreated   TaskStatus = "created"
	StatusRunning   TaskStatus = "running"
	StatusSuspended TaskStatus = "suspended"
	StatusDone      TaskStatus = "done"
	StatusErrored   TaskStatus = "errored"
	StatusCancelled TaskStatus = "cancelled"
)

// Routine is a suspendable unit of sequential logic. It yields effect
// descriptors through yield and receives resumption values or errors back;
// yielding is its only suspension point. Returning nil completes the task,
// returning an error marks it Errored.
type Routine func(ctx context.Context, yield Yield) error

// Yield submits one effect descriptor to the scheduler and blocks the
// routine until the scheduler resumes it with a value or an error.
type Yield func(Effect) (any, error)

// Task is a suspendable unit of sequential logic owned by a scheduler.
// A task owns its routine exclusively and has at most one pending effect
// at any time.
type Task struct {
	id      string
	routine Routine
	sched   *Scheduler
	ctx     context.Context
	cancel  context.CancelFunc

	// rendezvous with the scheduler loop: the runner goroutine sends
	// yields here and blocks on resumeCh until the loop answers.
	yieldCh  chan yieldMsg
	resumeCh chan resumption

	// revoke tears down the pending subscription or timer while the task
	// is Suspended. Loop-owned, nil when nothing is registered.
	revoke func()

	done      chan struct{}
	closeDone sync.Once

	mu      sync.Mutex
	status  TaskStatus
	err     error
	started time.Time
	ended   time.Time
}

// yieldMsg is what the runner goroutine hands to the scheduler loop:
// either the next effect, or completion of the routine.
type yieldMsg struct {
	effect   Effect
	finished bool
	err      error
}

// resumption is what the scheduler loop feeds back into a waiting runner.
type resumption struct {
	value any
	err   error
	// fault forces termination at the yield point; the routine cannot
	// intercept it. Used for malformed descriptors and reducer panics.
	fault error
	// cancel unwinds the routine at the yield point.
	cancel bool
}

// cancelUnwind and faultUnwind are the panic sentinels driving forced
// unwinding out of a routine. They never escape the runner goroutine.
type cancelUnwind struct{}

type faultUnwind struct{ err error }

func newTask(parent context.Context, routine Routine) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:       uuid.New().String(),
		routine:  routine,
		ctx:      ctx,
		cancel:   cancel,
		yieldCh:  make(chan yieldMsg),
		resumeCh: make(chan resumption),
		done:     make(chan struct{}),
		status:   StatusCreated,
	}
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// Status returns the task's current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error that terminated the task, or nil. It is non-nil
// only for Errored tasks.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Span returns the time span the task has been live: from its first step
// to its termination, or to now while it is still live.
func (t *Task) Span() TimeSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.ended
	if end.IsZero() {
		end = time.Now()
	}
	return NewTimeSpan(t.started, end)
}

func (t *Task) setStatus(s TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

func (t *Task) terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusDone || t.status == StatusErrored || t.status == StatusCancelled
}

func (t *Task) markStarted() {
	t.mu.Lock()
	t.status = StatusRunning
	t.started = time.Now()
	t.mu.Unlock()
}

// finalize records the terminal state exactly once, releases the task
// context and closes Done. A task already terminal keeps its first verdict.
func (t *Task) finalize(status TaskStatus, err error) {
	t.mu.Lock()
	switch t.status {
	case StatusDone, StatusErrored, StatusCancelled:
	default:
		t.status = status
		t.err = err
	}
	if t.ended.IsZero() {
		t.ended = time.Now()
	}
	t.mu.Unlock()
	t.cancel()
	t.closeDone.Do(func() { close(t.done) })
}

// run executes the routine on its own goroutine. The routine's synchronous
// code only makes progress while the scheduler loop is blocked waiting on
// yieldCh, which is what keeps exactly one task running at a time.
func (t *Task) run() {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case cancelUnwind:
			t.yieldCh <- yieldMsg{finished: true}
		case faultUnwind:
			t.yieldCh <- yieldMsg{finished: true, err: r.err}
		default:
			t.yieldCh <- yieldMsg{finished: true, err: fmt.Errorf("routine panic: %v", r)}
		}
	}()
	err := t.routine(t.ctx, t.yield)
	t.yieldCh <- yieldMsg{finished: true, err: err}
}

// yield is the Yield handed to the routine. It performs the rendezvous with
// the scheduler loop and converts forced terminations into unwinding panics
// recovered by run.
func (t *Task) yield(e Effect) (any, error) {
	t.yieldCh <- yieldMsg{effect: e}
	r := <-t.resumeCh
	if r.cancel {
		panic(cancelUnwind{})
	}
	if r.fault != nil {
		panic(faultUnwind{err: r.fault})
	}
	return r.value, r.err
}
