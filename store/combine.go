package store

import (
	"reflect"
	"sort"

	"github.com/0ZTR/logistics-wizard/saga"
)

// CombineReducers composes per-slice reducers into one reducer over a
// map-shaped state, each key owning its slice. When no slice changes for an
// action the input map is returned unchanged, preserving the identity law
// for unknown action types. Slices are reduced in sorted key order so
// composition is deterministic.
func CombineReducers(reducers map[string]Reducer[any]) Reducer[map[string]any] {
	keys := make([]string, 0, len(reducers))
	for k := range reducers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return func(state map[string]any, action saga.Action) map[string]any {
		next := make(map[string]any, len(keys))
		changed := false
		for _, k := range keys {
			prev := state[k]
			slice := reducers[k](prev, action)
			next[k] = slice
			if !changed && !reflect.DeepEqual(prev, slice) {
				changed = true
			}
		}
		if !changed {
			return state
		}
		return next
	}
}
