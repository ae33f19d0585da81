package domain

import "fmt"

// ActionSize is the number of values in an action vector.
const ActionSize = 4

// Action holds the quantity for buy level 1, buy level 2, buy level 3 and the
// market order, in that order. Whether a slot is read as a quantity or a price
// offset is up to the engine.
type Action [ActionSize]int64

// ParseAction builds an Action from an ordered slice, rejecting any slice whose
// length is not ActionSize.
func ParseAction(values []int64) (Action, error) {
	var a Action
	if len(values) != ActionSize {
		return a, fmt.Errorf("%w: got %d values", ErrMalformedAction, len(values))
	}
	copy(a[:], values)
	return a, nil
}

// Slice returns the action as a slice.
func (a Action) Slice() []int64 {
	return []int64{a[0], a[1], a[2], a[3]}
}

// ReferenceAction is a baseline action vector produced by an engine heuristic.
type ReferenceAction [ActionSize]float64
