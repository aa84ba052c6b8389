package gomatrixstateres

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/tidwall/sjson"
)

// A Clock supplies origin_server_ts values to an EventBuilder.
type Clock interface {
	Now() spec.Timestamp
}

type systemClock struct{}

func (systemClock) Now() spec.Timestamp { return spec.AsTimestamp(time.Now()) }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// CounterClock hands out increasing synthetic timestamps. It is safe for
// concurrent use.
type CounterClock struct {
	next atomic.Uint64
}

// NewCounterClock returns a clock whose first timestamp is start.
func NewCounterClock(start spec.Timestamp) *CounterClock {
	c := &CounterClock{}
	c.next.Store(uint64(start))
	return c
}

func (c *CounterClock) Now() spec.Timestamp {
	return spec.Timestamp(c.next.Add(1) - 1)
}

// An EventBuilder is used to build a new event.
type EventBuilder struct {
	// The user ID of the user sending the event.
	Sender string `json:"sender"`
	// The room ID of the room this event is in. Left empty for the
	// m.room.create event of room versions that derive the room ID from it.
	RoomID string `json:"room_id,omitempty"`
	// The type of the event.
	Type string `json:"type"`
	// The state_key of the event if the event is a state event or nil if the event is not a state event.
	StateKey *string `json:"state_key,omitempty"`
	// The events that immediately preceded this event in the room history.
	PrevEvents []string `json:"-"`
	// The events needed to authenticate this event.
	AuthEvents []string `json:"-"`
	// The event ID of the event being redacted if this event is a "m.room.redaction".
	Redacts string `json:"redacts,omitempty"`
	// The depth of the event, This should be one greater than the maximum depth of the previous events.
	// The create event has a depth of 1.
	Depth int64 `json:"depth"`
	// The JSON object for "content" key of the event.
	Content json.RawMessage `json:"content"`
	// The JSON object for the "unsigned" key
	Unsigned json.RawMessage `json:"unsigned,omitempty"`
}

// SetContent sets the JSON content key of the event.
func (eb *EventBuilder) SetContent(content interface{}) (err error) {
	eb.Content, err = json.Marshal(content)
	return
}

// SetUnsigned sets the JSON unsigned key of the event.
func (eb *EventBuilder) SetUnsigned(unsigned interface{}) (err error) {
	eb.Unsigned, err = json.Marshal(unsigned)
	return
}

// Build produces the event with the given ID, stamped with the clock's
// current time. References are written in the format of the room version.
func (eb *EventBuilder) Build(eventID string, clock Clock, roomVersion RoomVersion) (*Event, error) {
	format, err := roomVersion.EventFormat()
	if err != nil {
		return nil, err
	}
	if eb.Content == nil {
		eb.Content = json.RawMessage("{}")
	}
	eventJSON, err := json.Marshal(eb)
	if err != nil {
		return nil, fmt.Errorf("gomatrixstateres: failed to marshal event: %w", err)
	}
	if eventJSON, err = sjson.SetBytes(eventJSON, "origin_server_ts", uint64(clock.Now())); err != nil {
		return nil, err
	}
	for _, refs := range []struct {
		key string
		ids []string
	}{
		{"prev_events", eb.PrevEvents},
		{"auth_events", eb.AuthEvents},
	} {
		if eventJSON, err = sjson.SetBytes(eventJSON, refs.key, references(refs.ids, format)); err != nil {
			return nil, err
		}
	}
	if format == EventFormatV1 {
		if eventJSON, err = sjson.SetBytes(eventJSON, "event_id", eventID); err != nil {
			return nil, err
		}
	}
	return NewEventFromJSON(eventJSON, eventID, roomVersion)
}

// references builds a reference list. Hashes in EventFormatV1 references
// are left empty since nothing here checks them.
func references(ids []string, format EventFormat) interface{} {
	if format != EventFormatV1 {
		if ids == nil {
			return []string{}
		}
		return ids
	}
	refs := make([][]interface{}, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, []interface{}{id, map[string]string{}})
	}
	return refs
}
