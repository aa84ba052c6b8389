package gomatrixstateres

import (
	"fmt"
)

// NotFoundError is returned when an event needed to resolve state could not
// be obtained from the EventProvider.
type NotFoundError struct {
	EventID string
	// ForEventID is set when the event was referenced from another event's
	// auth_events.
	ForEventID string
}

func (e NotFoundError) Error() string {
	if e.ForEventID != "" {
		return fmt.Sprintf(
			"gomatrixstateres: missing auth event with ID %s for event %s",
			e.EventID, e.ForEventID,
		)
	}
	return fmt.Sprintf("gomatrixstateres: event %s not found", e.EventID)
}

// UnsupportedRoomVersionError is returned for room versions this package
// has no rules for.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("gomatrixstateres: unsupported room version %q", string(e.Version))
}

// UnsupportedAlgorithmError is returned by Resolve when asked to run a state
// resolution algorithm other than v2.
type UnsupportedAlgorithmError struct {
	Algorithm StateResAlgorithm
}

func (e UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("gomatrixstateres: unsupported state resolution algorithm %s", e.Algorithm)
}

type BadJSONError struct {
	err error
}

func (e BadJSONError) Error() string {
	return fmt.Sprintf("gomatrixstateres: bad JSON: %s", e.err.Error())
}

func (e BadJSONError) Unwrap() error {
	return e.err
}
