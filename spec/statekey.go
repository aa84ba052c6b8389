package spec

import "fmt"

// A StateKeyTuple is the combination of an event type and an event state key.
// It is often used as a key in maps.
type StateKeyTuple struct {
	// The "type" key of a matrix event.
	EventType string
	// The "state_key" of a matrix event.
	// The empty string is a legitimate value for the "state_key" in matrix
	// so take care to initialise this field lest you accidentally request a
	// "state_key" with the go default of the empty string.
	StateKey string
}

// Less orders tuples by event type and then by state key.
func (a StateKeyTuple) Less(b StateKeyTuple) bool {
	if a.EventType != b.EventType {
		return a.EventType < b.EventType
	}
	return a.StateKey < b.StateKey
}

// Compare is a three way version of Less, usable with slices.SortFunc.
func (a StateKeyTuple) Compare(b StateKeyTuple) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

func (a StateKeyTuple) String() string {
	return fmt.Sprintf("(%q, %q)", a.EventType, a.StateKey)
}
