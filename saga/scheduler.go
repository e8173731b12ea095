package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StoreAdapter is the external collaborator owning committed state. The
// scheduler never mutates state directly: it requests mutation through
// Put → Dispatch and reads through Select → GetState.
type StoreAdapter interface {
	Dispatch(action Action)
	GetState() any
}

var (
	// ErrUnknownEffect is raised as an effect fault when a task yields a
	// descriptor outside the sealed set built by this package.
	ErrUnknownEffect = fmt.Errorf("unrecognized effect descriptor")

	// ErrMalformedEffect is raised as an effect fault when a descriptor
	// carries a nil function where one is required.
	ErrMalformedEffect = fmt.Errorf("malformed effect descriptor")

	// ErrSchedulerClosed is returned by operations on a scheduler whose
	// loop has stopped or was never started.
	ErrSchedulerClosed = fmt.Errorf("scheduler is closed")
)

// ErrorBoundary receives every task-terminating error. Faults local to a
// single task never abort sibling tasks or the scheduler; the boundary is
// how they are surfaced.
type ErrorBoundary func(taskID string, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the zap logger used for lifecycle logging and as the
// default error boundary sink. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithErrorBoundary replaces the default error boundary, which logs at
// error level.
func WithErrorBoundary(fn ErrorBoundary) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.boundary = fn
		}
	}
}

// WithEventBufferSize sets the capacity of the scheduler's event channel.
// Values below 1 fall back to the default of 64.
func WithEventBufferSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.eventBufferSize = n
		}
	}
}

// Scheduler owns the set of active tasks and drives each one forward by
// interpreting the effects it yields. Scheduling is single-threaded and
// cooperative: one loop goroutine steps exactly one task at a time, and a
// task runs without preemption until its next yield. Timers, futures and
// external dispatches reach the loop only through its event channel.
type Scheduler struct {
	store    StoreAdapter
	channel  *Channel
	logger   *zap.Logger
	boundary ErrorBoundary

	eventBufferSize int
	events          chan schedulerEvent

	// ready holds tasks due for their next step, drained FIFO between
	// events. Loop-owned.
	ready []pendingStep
	// tasks holds all non-terminal tasks. Loop-owned.
	tasks map[string]*Task

	ctx      context.Context
	cancelFn context.CancelFunc
	loopDone chan struct{}

	mu      sync.Mutex
	started bool
	roots   []*Task
}

// sealed event union consumed by the loop.
type schedulerEvent interface {
	schedulerEvent()
}

type resumeEvent struct {
	task *Task
	res  resumption
}

type publishEvent struct {
	action Action
}

type spawnEvent struct {
	task *Task
	ack  chan struct{}
}

type cancelEvent struct {
	task *Task
	ack  chan struct{}
}

func (resumeEvent) schedulerEvent()  {}
func (publishEvent) schedulerEvent() {}
func (spawnEvent) schedulerEvent()   {}
func (cancelEvent) schedulerEvent()  {}

type pendingStep struct {
	task *Task
	// res is the resumption to feed into the task, nil for the first step.
	res *resumption
}

// New builds a scheduler over the given store adapter. Call Start (or Run)
// before dispatching actions or spawning tasks.
func New(store StoreAdapter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:           store,
		channel:         NewChannel(),
		logger:          zap.NewNop(),
		eventBufferSize: 64,
		tasks:           make(map[string]*Task),
		loopDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.boundary == nil {
		s.boundary = func(taskID string, err error) {
			s.logger.Error("saga task failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
	s.events = make(chan schedulerEvent, s.eventBufferSize)
	return s
}

// Start launches the scheduler loop. The loop stops when ctx is cancelled
// or Close is called, cancelling every live task on the way out.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancelFn = context.WithCancel(ctx)
	go s.loop()
	s.logger.Debug("scheduler started")
	return nil
}

// Run starts the scheduler and registers the given routines as root tasks,
// in order. Start order is registration order; once started the roots run
// fully concurrently, interleaved by effect yields.
func (s *Scheduler) Run(ctx context.Context, routines ...Routine) ([]*Task, error) {
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(routines))
	for _, routine := range routines {
		t, err := s.Spawn(routine)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	s.mu.Lock()
	s.roots = append(s.roots, tasks...)
	s.mu.Unlock()
	return tasks, nil
}

// Spawn registers routine as a new root task and returns its handle once
// the scheduler has accepted it.
func (s *Scheduler) Spawn(routine Routine) (*Task, error) {
	if !s.running() {
		return nil, ErrSchedulerClosed
	}
	t := newTask(s.ctx, routine)
	t.sched = s
	ack := make(chan struct{})
	select {
	case s.events <- spawnEvent{task: t, ack: ack}:
	case <-s.loopDone:
		return nil, ErrSchedulerClosed
	}
	select {
	case <-ack:
	case <-s.loopDone:
		return nil, ErrSchedulerClosed
	}
	return t, nil
}

// Dispatch is the external entry point for actions. The store reduces the
// action synchronously on the caller's goroutine; a reducer panic therefore
// propagates to the caller. The action is then forwarded to the action
// channel, resuming at most one task blocked on a matching Take. Channel
// delivery and store update are independent: an action matching no
// subscription still updates state.
func (s *Scheduler) Dispatch(action Action) {
	s.store.Dispatch(action)
	s.post(publishEvent{action: action})
}

// Close stops the scheduler loop and cancels every live task. It is safe
// to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.cancelFn()
	<-s.loopDone
}

// Wait blocks until every root task reaches a terminal state and returns
// the combined errors of the ones that failed.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	roots := make([]*Task, len(s.roots))
	copy(roots, s.roots)
	s.mu.Unlock()

	var err error
	for _, t := range roots {
		<-t.Done()
		err = multierr.Append(err, t.Err())
	}
	return err
}

// Cancel interrupts the task at its current suspension point, revokes any
// pending channel subscription, timer or future registration, and marks it
// Cancelled. Cancellation is idempotent. It must not be called from the
// task's own routine; routines end by returning.
func (t *Task) Cancel() {
	if t.sched == nil || t.terminal() {
		return
	}
	ack := make(chan struct{})
	select {
	case t.sched.events <- cancelEvent{task: t, ack: ack}:
	case <-t.done:
		return
	case <-t.sched.loopDone:
		return
	}
	select {
	case <-ack:
	case <-t.sched.loopDone:
	}
}

func (s *Scheduler) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}

// post hands an event to the loop from any goroutine, dropping it if the
// loop has already stopped.
func (s *Scheduler) post(ev schedulerEvent) {
	select {
	case s.events <- ev:
	case <-s.loopDone:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		for len(s.ready) > 0 {
			next := s.ready[0]
			s.ready = s.ready[1:]
			s.step(next.task, next.res)
		}
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Scheduler) handleEvent(ev schedulerEvent) {
	switch ev := ev.(type) {
	case resumeEvent:
		res := ev.res
		s.ready = append(s.ready, pendingStep{task: ev.task, res: &res})
	case publishEvent:
		s.channel.Publish(ev.action)
	case spawnEvent:
		s.register(ev.task)
		s.ready = append(s.ready, pendingStep{task: ev.task})
		close(ev.ack)
	case cancelEvent:
		s.cancelTask(ev.task)
		close(ev.ack)
	}
}

func (s *Scheduler) register(t *Task) {
	t.sched = s
	s.tasks[t.id] = t
	s.logger.Debug("task registered", zap.String("task_id", t.id))
}

// step drives t until it parks on an asynchronous effect, finishes, or
// unwinds. The loop blocks on t.yieldCh while the routine runs, which is
// what guarantees that exactly one task's synchronous code executes at any
// instant.
func (s *Scheduler) step(t *Task, res *resumption) {
	if t.terminal() {
		// stale resumption: the registration that produced it was revoked
		// or the task terminated first
		return
	}
	if t.Status() == StatusCreated {
		t.markStarted()
		go t.run()
	} else {
		t.revoke = nil
		t.setStatus(StatusRunning)
		t.resumeCh <- *res
	}
	for {
		msg := <-t.yieldCh
		if msg.finished {
			s.finish(t, msg.err)
			return
		}
		r, parked := s.interpret(t, msg.effect)
		if parked {
			t.setStatus(StatusSuspended)
			return
		}
		t.resumeCh <- r
	}
}

// interpret performs one effect on behalf of t. It returns the resumption
// to feed back immediately, or parked=true when the task suspends and will
// be resumed by a later event.
func (s *Scheduler) interpret(t *Task, e Effect) (resumption, bool) {
	switch eff := e.(type) {
	case takeEffect:
		sub, err := s.channel.Subscribe(eff.pattern, func(a Action) {
			t.revoke = nil
			s.ready = append(s.ready, pendingStep{task: t, res: &resumption{value: a}})
		})
		if err != nil {
			return resumption{fault: err}, false
		}
		t.revoke = sub.Cancel
		return resumption{}, true

	case putEffect:
		if err := s.dispatchFromTask(eff.action); err != nil {
			return resumption{fault: err}, false
		}
		// same-turn publish: waiters become ready now but run only after
		// the issuing task parks or finishes
		s.channel.Publish(eff.action)
		return resumption{}, false

	case selectEffect:
		v, err := s.runSelector(eff.selector)
		if err != nil {
			return resumption{fault: err}, false
		}
		return resumption{value: v}, false

	case callEffect:
		if eff.fn == nil {
			return resumption{fault: fmt.Errorf("%w: nil call function", ErrMalformedEffect)}, false
		}
		v, err := invokeCall(t.ctx, eff)
		if err != nil {
			return resumption{err: err}, false
		}
		if fut, ok := v.(Future); ok {
			go s.await(t, fut)
			return resumption{}, true
		}
		return resumption{value: v}, false

	case delayEffect:
		timer := time.AfterFunc(eff.duration, func() {
			s.post(resumeEvent{task: t})
		})
		t.revoke = func() { timer.Stop() }
		return resumption{}, true

	case forkEffect:
		if eff.routine == nil {
			return resumption{fault: fmt.Errorf("%w: nil fork routine", ErrMalformedEffect)}, false
		}
		child := newTask(s.ctx, eff.routine)
		s.register(child)
		s.ready = append(s.ready, pendingStep{task: child})
		return resumption{value: child}, false

	default:
		return resumption{fault: fmt.Errorf("%w: %T", ErrUnknownEffect, e)}, false
	}
}

// await settles a Call future off-loop. A settlement error resumes the
// routine with the error raised at the yield point; a stale settlement for
// a terminated task is dropped by the step guard.
func (s *Scheduler) await(t *Task, fut Future) {
	out, ok := <-fut
	if !ok {
		out = Outcome{Err: ErrFutureClosed}
	}
	s.post(resumeEvent{task: t, res: resumption{value: out.Value, err: out.Err}})
}

// dispatchFromTask reduces an action on behalf of a Put. Reducers must be
// total; a panicking reducer is a programming error surfaced as an effect
// fault of the issuing task, never a scheduler crash.
func (s *Scheduler) dispatchFromTask(a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch of %q panicked: %v", a.Type, r)
		}
	}()
	s.store.Dispatch(a)
	return nil
}

func (s *Scheduler) runSelector(selector func(state any) any) (v any, err error) {
	if selector == nil {
		return nil, fmt.Errorf("%w: nil selector", ErrMalformedEffect)
	}
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("selector panicked: %v", r)
		}
	}()
	return selector(s.store.GetState()), nil
}

func invokeCall(ctx context.Context, eff callEffect) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("call panicked: %v", r)
		}
	}()
	return eff.fn(ctx, eff.args...)
}

func (s *Scheduler) finish(t *Task, err error) {
	status := StatusDone
	if err != nil {
		status = StatusErrored
	}
	t.finalize(status, err)
	delete(s.tasks, t.id)
	if err != nil {
		s.boundary(t.id, err)
	}
	s.logger.Debug("task finished",
		zap.String("task_id", t.id),
		zap.String("status", string(t.Status())),
		zap.Duration("lifetime", t.Span().Duration()),
	)
}

// cancelTask tears down a live task. Cancel events are only processed
// between steps, so a live task is either Created (queued, no runner yet)
// or Suspended (runner blocked on its resume channel).
func (s *Scheduler) cancelTask(t *Task) {
	if t.terminal() {
		return
	}
	if t.Status() == StatusCreated {
		t.finalize(StatusCancelled, nil)
		delete(s.tasks, t.id)
		return
	}
	if t.revoke != nil {
		t.revoke()
		t.revoke = nil
	}
	// terminal before the unwind so in-flight settlements are dropped
	t.setStatus(StatusCancelled)
	t.resumeCh <- resumption{cancel: true}
	for {
		msg := <-t.yieldCh
		if msg.finished {
			break
		}
		// effects yielded from deferred cleanup keep unwinding
		t.resumeCh <- resumption{cancel: true}
	}
	t.finalize(StatusCancelled, nil)
	delete(s.tasks, t.id)
	s.logger.Debug("task cancelled", zap.String("task_id", t.id))
}

func (s *Scheduler) shutdown() {
	live := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		live = append(live, t)
	}
	for _, t := range live {
		s.cancelTask(t)
	}
	s.ready = nil
	s.logger.Debug("scheduler stopped")
}
