package gomatrixstateres

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/matrix-org/gomatrixstateres/eventauth"
)

// RoomVersion refers to the room version for a specific room.
type RoomVersion string

// StateResAlgorithm refers to a version of the state resolution algorithm.
type StateResAlgorithm int

// EventFormat refers to the shape of an event's JSON.
type EventFormat int

// Room version constants. These are strings because the version grammar
// allows for future expansion.
// https://spec.matrix.org/v1.8/rooms/#room-version-grammar
const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
	RoomVersionV12 RoomVersion = "12"
)

// Event format constants
const (
	// EventFormatV1 events carry their own event_id and reference other
	// events as [event_id, hashes] pairs.
	EventFormatV1 EventFormat = iota + 1
	// EventFormatV2 events reference other events by ID only, and their
	// event ID is derived from their content hash.
	EventFormatV2
)

// State resolution constants
const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

func (a StateResAlgorithm) String() string {
	switch a {
	case StateResV1:
		return "v1"
	case StateResV2:
		return "v2"
	}
	return "unknown(" + strconv.Itoa(int(a)) + ")"
}

// StateResolutionRules select the state resolution algorithm of a room
// version.
type StateResolutionRules struct {
	Algorithm StateResAlgorithm
	// The power events are checked starting from an empty state map
	// rather than the unconflicted state. Room version 12 onwards.
	BeginIterativeAuthChecksWithEmptyStateMap bool
	// The full conflicted set includes the events on auth_events paths
	// between conflicted events. Room version 12 onwards.
	ConsiderConflictedStateSubgraph bool
}

var (
	stateResV1         = StateResolutionRules{Algorithm: StateResV1}
	stateResV2         = StateResolutionRules{Algorithm: StateResV2}
	stateResV2Subgraph = StateResolutionRules{
		Algorithm: StateResV2,
		BeginIterativeAuthChecksWithEmptyStateMap: true,
		ConsiderConflictedStateSubgraph:           true,
	}
)

type roomVersionImpl struct {
	eventFormat   EventFormat
	stateResRules StateResolutionRules
	authRules     eventauth.Rules
}

var roomVersionMeta = map[RoomVersion]roomVersionImpl{
	RoomVersionV1:  {EventFormatV1, stateResV1, eventauth.RulesV1},
	RoomVersionV2:  {EventFormatV1, stateResV2, eventauth.RulesV1},
	RoomVersionV3:  {EventFormatV2, stateResV2, eventauth.RulesV3},
	RoomVersionV4:  {EventFormatV2, stateResV2, eventauth.RulesV3},
	RoomVersionV5:  {EventFormatV2, stateResV2, eventauth.RulesV3},
	RoomVersionV6:  {EventFormatV2, stateResV2, eventauth.RulesV6},
	RoomVersionV7:  {EventFormatV2, stateResV2, eventauth.RulesV7},
	RoomVersionV8:  {EventFormatV2, stateResV2, eventauth.RulesV8},
	RoomVersionV9:  {EventFormatV2, stateResV2, eventauth.RulesV8},
	RoomVersionV10: {EventFormatV2, stateResV2, eventauth.RulesV10},
	RoomVersionV11: {EventFormatV2, stateResV2, eventauth.RulesV11},
	RoomVersionV12: {EventFormatV2, stateResV2Subgraph, eventauth.RulesV12},
}

// RoomVersions returns every known room version in ascending order.
func RoomVersions() []RoomVersion {
	versions := make([]RoomVersion, 0, len(roomVersionMeta))
	for v := range roomVersionMeta {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		a, _ := strconv.Atoi(string(versions[i]))
		b, _ := strconv.Atoi(string(versions[j]))
		return a < b
	})
	return versions
}

// KnownRoomVersion returns true if the room version is one this package has
// rules for.
func KnownRoomVersion(v RoomVersion) bool {
	_, ok := roomVersionMeta[v]
	return ok
}

func (v RoomVersion) impl() (roomVersionImpl, error) {
	r, ok := roomVersionMeta[v]
	if !ok {
		return roomVersionImpl{}, UnsupportedRoomVersionError{Version: v}
	}
	return r, nil
}

// Rules returns the authorization and state resolution rules of the room
// version.
func (v RoomVersion) Rules() (eventauth.Rules, StateResolutionRules, error) {
	r, err := v.impl()
	if err != nil {
		return eventauth.Rules{}, StateResolutionRules{}, err
	}
	return r.authRules, r.stateResRules, nil
}

// EventFormat returns the event format used by the room version.
func (v RoomVersion) EventFormat() (EventFormat, error) {
	r, err := v.impl()
	if err != nil {
		return 0, err
	}
	return r.eventFormat, nil
}

// MustRules is Rules for room versions known at compile time. It panics on
// unknown versions.
func (v RoomVersion) MustRules() (eventauth.Rules, StateResolutionRules) {
	authRules, stateResRules, err := v.Rules()
	if err != nil {
		panic(fmt.Sprintf("gomatrixstateres: %s", err))
	}
	return authRules, stateResRules
}
