package saga

import (
	"context"
	"time"

	"github.com/0ZTR/logistics-wizard/shared/helper"
)

// TakeAction yields a Take effect and returns the matched action.
func TakeAction(yield Yield, pattern any) (Action, error) {
	return helper.GetTypedValueOf[Action](func() (any, error) {
		return yield(Take(pattern))
	})
}

// PutAction yields a Put effect for the given action.
func PutAction(yield Yield, action Action) error {
	_, err := yield(Put(action))
	return err
}

// SelectAs yields a Select effect and asserts the selected value to T.
// Returns a zero value and error if the type is mismatched.
func SelectAs[T any](yield Yield, selector func(state any) any) (T, error) {
	return helper.GetTypedValueOf[T](func() (any, error) {
		return yield(Select(selector))
	})
}

// CallAs yields a Call effect and asserts its result to T. A rejection is
// returned as-is so the routine can recover locally.
func CallAs[T any](yield Yield, fn CallFunc, args ...any) (T, error) {
	return helper.GetTypedValueOf[T](func() (any, error) {
		return yield(Call(fn, args...))
	})
}

// Sleep yields a Delay effect for the given duration.
func Sleep(yield Yield, d time.Duration) error {
	_, err := yield(Delay(d))
	return err
}

// ForkTask yields a Fork effect and returns the spawned child task.
func ForkTask(yield Yield, routine Routine) (*Task, error) {
	return helper.GetTypedValueOf[*Task](func() (any, error) {
		return yield(Fork(routine))
	})
}

// TakeEvery returns a root routine that forks one worker task per action
// matching pattern, so slow workers never block the trigger loop. It runs
// until the scheduler shuts down.
func TakeEvery(pattern any, worker func(ctx context.Context, yield Yield, action Action) error) Routine {
	return func(ctx context.Context, yield Yield) error {
		for {
			action, err := TakeAction(yield, pattern)
			if err != nil {
				return err
			}
			_, err = ForkTask(yield, func(ctx context.Context, yield Yield) error {
				return worker(ctx, yield, action)
			})
			if err != nil {
				return err
			}
		}
	}
}
