package gomatrixstateres

import (
	"sort"

	"github.com/matrix-org/gomatrixstateres/spec"
)

// A StateMap maps (type, state_key) pairs to the ID of the state event that
// holds them.
type StateMap map[spec.StateKeyTuple]string

// NewStateMap builds a state map from state events. Later events win over
// earlier ones with the same key, and events without a state key are
// skipped.
func NewStateMap(events ...PDU) StateMap {
	m := make(StateMap, len(events))
	for _, event := range events {
		if event.StateKey() == nil {
			continue
		}
		m[spec.StateKeyTuple{EventType: event.Type(), StateKey: *event.StateKey()}] = event.EventID()
	}
	return m
}

// Keys returns the keys of the map sorted by event type and then state key.
func (m StateMap) Keys() []spec.StateKeyTuple {
	keys := make([]spec.StateKeyTuple, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// EventIDs returns the values of the map in key order.
func (m StateMap) EventIDs() []string {
	ids := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		ids = append(ids, m[k])
	}
	return ids
}

func (m StateMap) Clone() StateMap {
	c := make(StateMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (m StateMap) Equal(o StateMap) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
