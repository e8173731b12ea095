package saga

import "fmt"

// Action is an immutable record describing something that happened,
// identified by Type. Actions are dispatched to the store's reducers and,
// through the scheduler, published to tasks blocked on a matching Take.
type Action struct {
	Type    string
	Payload any
}

// Predicate decides whether an action matches a Take pattern.
type Predicate func(Action) bool

// ErrInvalidPattern is returned when a Take pattern is neither an action
// type string nor a Predicate.
var ErrInvalidPattern = fmt.Errorf("pattern must be a string or a predicate")

// matcher is the normalized form every pattern is compiled into.
type matcher func(Action) bool

// compilePattern normalizes the two supported pattern kinds.
// A string matches by exact action type, a Predicate by invocation.
func compilePattern(pattern any) (matcher, error) {
	switch p := pattern.(type) {
	case string:
		return func(a Action) bool { return a.Type == p }, nil
	case Predicate:
		return matcher(p), nil
	case func(Action) bool:
		return matcher(p), nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidPattern, pattern)
	}
}
