package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Effect is a plain-data descriptor of an intended operation. Descriptors
// never execute themselves; the scheduler interprets them on the issuing
// task's behalf and decides how and when the task resumes.
//
// Effect is a sealed interface: only the descriptors built by Take, Put,
// Call, Select, Delay and Fork implement it. Yielding anything else is an
// effect fault that terminates the issuing task.
type Effect interface {
	effect()
}

// CallFunc is a function invoked by the Call effect. It may return an
// immediate value, or a Future that settles later, in which case the
// issuing task suspends until the future settles.
type CallFunc func(ctx context.Context, args ...any) (any, error)

// Outcome is the settled result of a future.
type Outcome struct {
	Value any
	Err   error
}

// Future is a pending asynchronous result. It must settle exactly once.
type Future <-chan Outcome

// ErrFutureClosed indicates a future that was closed without settling.
var ErrFutureClosed = fmt.Errorf("future closed without settling")

// NewFuture returns an unsettled future and its settle function. The settle
// function is safe to call from any goroutine; calls after the first are
// no-ops.
func NewFuture() (Future, func(value any, err error)) {
	ch := make(chan Outcome, 1)
	var once sync.Once
	settle := func(value any, err error) {
		once.Do(func() {
			ch <- Outcome{Value: value, Err: err}
			close(ch)
		})
	}
	return ch, settle
}

// Async adapts a blocking function into a CallFunc that returns a Future,
// so the scheduler keeps stepping other tasks while fn runs.
func Async(fn func(ctx context.Context) (any, error)) CallFunc {
	return func(ctx context.Context, _ ...any) (any, error) {
		fut, settle := NewFuture()
		go func() {
			settle(fn(ctx))
		}()
		return fut, nil
	}
}

type takeEffect struct {
	pattern any
}

type putEffect struct {
	action Action
}

type callEffect struct {
	fn   CallFunc
	args []any
}

type selectEffect struct {
	selector func(state any) any
}

type delayEffect struct {
	duration time.Duration
}

type forkEffect struct {
	routine Routine
}

func (takeEffect) effect()   {}
func (putEffect) effect()    {}
func (callEffect) effect()   {}
func (selectEffect) effect() {}
func (delayEffect) effect()  {}
func (forkEffect) effect()   {}

// Take describes waiting for the next action matching pattern. The pattern
// is an action type string or a Predicate. The task suspends until a
// matching action is published; the matched action is the resumption value.
func Take(pattern any) Effect {
	return takeEffect{pattern: pattern}
}

// Put describes dispatching an action to the store and publishing it to the
// action channel in the same turn. The task resumes immediately with no
// value, and the state update is visible to any Select issued afterwards.
func Put(action Action) Effect {
	return putEffect{action: action}
}

// Call describes invoking fn with args. An immediate value resumes the task
// synchronously; a Future suspends it until settlement. A settlement error
// is delivered at the yield point so the routine can recover locally.
func Call(fn CallFunc, args ...any) Effect {
	return callEffect{fn: fn, args: args}
}

// Select describes reading a derived value from current state. The selector
// must be pure; it runs synchronously and the task never suspends.
func Select(selector func(state any) any) Effect {
	return selectEffect{selector: selector}
}

// Delay describes suspending for the given duration. Other tasks keep
// running while the timer is pending.
func Delay(d time.Duration) Effect {
	return delayEffect{duration: d}
}

// Fork describes spawning routine as a new task. The parent resumes
// immediately with the child *Task; the child runs concurrently,
// interleaved with every other task by effect yields.
func Fork(routine Routine) Effect {
	return forkEffect{routine: routine}
}
