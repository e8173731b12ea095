// Package saga provides an effect-driven cooperative scheduler for
// long-running, side-effecting workflows over a reducer-driven state store.
//
// # What is a saga?
//
// A saga is a suspendable workflow written as a linear procedure instead of
// a callback chain. It yields effect descriptors — plain data describing
// what should happen — and receives resumption values back:
//
//   - Take waits for the next action matching a pattern,
//   - Put dispatches an action to the store,
//   - Call invokes a function, possibly asynchronous,
//   - Select reads a derived value from current state,
//   - Delay suspends for a fixed duration,
//   - Fork spawns a concurrent child task.
//
// Descriptors never execute themselves. The Scheduler interprets each one
// on the issuing task's behalf and decides how and when the task resumes.
//
// # Cooperative scheduling
//
// Go gives us goroutines and channels rather than native coroutine
// suspension, so each task runs on its own goroutine under a strict
// rendezvous protocol: the routine blocks after every yield until the
// scheduler loop answers, and the loop blocks until the routine yields
// again. Exactly one task's synchronous code runs at any instant, no locks
// are needed around effect handling, and a Put followed by a Select within
// one task always observes its own write.
//
// # Error model
//
// A Call whose future rejects delivers the error at the yield point, where
// the routine may recover locally. Uncaught errors, malformed descriptors
// and reducer panics terminate only the issuing task and are surfaced
// through the scheduler's error boundary; sibling tasks and the store stay
// live.
//
// Example:
//
//	st := store.New(reducer, initial)
//	sched := saga.New(st, saga.WithLogger(logger))
//	sched.Run(ctx, saga.TakeEvery("COUNTER_DOUBLE", double))
//	sched.Dispatch(saga.Action{Type: "COUNTER_DOUBLE"})
package saga
