/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gomatrixstateres

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/tidwall/gjson"
)

// An Event is a matrix event.
// The event should always contain valid JSON. Fields are read once when the
// event is created and the JSON is never modified afterwards.
type Event struct {
	eventJSON   []byte
	eventID     string
	roomVersion RoomVersion

	roomID         string
	sender         string
	eventType      string
	stateKey       *string
	content        []byte
	redacts        string
	depth          int64
	originServerTS spec.Timestamp
	prevEvents     []string
	authEvents     []string
}

// NewEventFromJSON parses a matrix event of the given room version.
//
// Events in room versions 1 and 2 carry their ID in the "event_id" key; if
// eventID is also given the two must agree. Later room versions derive the
// ID from a hash of the event, which is the caller's job, so eventID is
// required.
//
// From room version 12 the m.room.create event has no room_id. Its RoomID
// is derived from its event ID instead.
func NewEventFromJSON(eventJSON []byte, eventID string, roomVersion RoomVersion) (*Event, error) {
	verImpl, err := roomVersion.impl()
	if err != nil {
		return nil, err
	}
	format := verImpl.eventFormat
	if !gjson.ValidBytes(eventJSON) {
		return nil, BadJSONError{fmt.Errorf("event is not valid JSON")}
	}
	root := gjson.ParseBytes(eventJSON)
	if !root.IsObject() {
		return nil, BadJSONError{fmt.Errorf("event is not a JSON object")}
	}

	e := &Event{
		eventJSON:   eventJSON,
		roomVersion: roomVersion,
	}

	switch format {
	case EventFormatV1:
		idField := root.Get("event_id")
		if idField.Type != gjson.String || idField.Str == "" {
			return nil, BadJSONError{fmt.Errorf("event_id must be a non-empty string in room version %s", roomVersion)}
		}
		if eventID != "" && eventID != idField.Str {
			return nil, fmt.Errorf("gomatrixstateres: event ID %q does not match event_id %q", eventID, idField.Str)
		}
		e.eventID = idField.Str
	default:
		if eventID == "" {
			return nil, fmt.Errorf("gomatrixstateres: an event ID must be supplied for room version %s", roomVersion)
		}
		e.eventID = eventID
	}

	for _, field := range []struct {
		key string
		to  *string
	}{
		{"sender", &e.sender},
		{"type", &e.eventType},
	} {
		value := root.Get(field.key)
		if value.Type != gjson.String {
			return nil, BadJSONError{fmt.Errorf("%s must be a string", field.key)}
		}
		*field.to = value.Str
	}

	roomID := root.Get("room_id")
	switch {
	case verImpl.authRules.RoomCreateEventIDAsRoomID && e.eventType == spec.MRoomCreate:
		if roomID.Exists() {
			return nil, BadJSONError{fmt.Errorf("m.room.create must not have a room_id in room version %s", roomVersion)}
		}
		var ok bool
		if e.roomID, ok = spec.RoomIDFromCreateEventID(e.eventID); !ok {
			return nil, BadJSONError{fmt.Errorf("event ID %q can't name a room", e.eventID)}
		}
	case roomID.Type != gjson.String:
		return nil, BadJSONError{fmt.Errorf("room_id must be a string")}
	default:
		e.roomID = roomID.Str
	}

	if stateKey := root.Get("state_key"); stateKey.Exists() {
		if stateKey.Type != gjson.String {
			return nil, BadJSONError{fmt.Errorf("state_key must be a string")}
		}
		sk := stateKey.Str
		e.stateKey = &sk
	}

	content := root.Get("content")
	switch {
	case !content.Exists():
		e.content = []byte("{}")
	case content.IsObject():
		e.content = []byte(content.Raw)
	default:
		return nil, BadJSONError{fmt.Errorf("content must be an object")}
	}

	if ts := root.Get("origin_server_ts"); ts.Exists() {
		if ts.Type != gjson.Number || ts.Num < 0 {
			return nil, BadJSONError{fmt.Errorf("origin_server_ts must be a non-negative integer")}
		}
		e.originServerTS = spec.Timestamp(ts.Uint())
	}
	if depth := root.Get("depth"); depth.Exists() {
		if depth.Type != gjson.Number {
			return nil, BadJSONError{fmt.Errorf("depth must be an integer")}
		}
		e.depth = depth.Int()
	}

	// From room version 11 the redacts key lives in the content.
	if redacts := root.Get("redacts"); redacts.Type == gjson.String {
		e.redacts = redacts.Str
	} else if redacts := gjson.GetBytes(e.content, "redacts"); redacts.Type == gjson.String {
		e.redacts = redacts.Str
	}

	if e.prevEvents, err = parseReferences(root.Get("prev_events"), format); err != nil {
		return nil, BadJSONError{fmt.Errorf("prev_events: %w", err)}
	}
	if e.authEvents, err = parseReferences(root.Get("auth_events"), format); err != nil {
		return nil, BadJSONError{fmt.Errorf("auth_events: %w", err)}
	}
	return e, nil
}

// MustNewEventFromJSON is NewEventFromJSON for events known to be valid,
// such as test fixtures. It panics on error.
func MustNewEventFromJSON(eventJSON []byte, eventID string, roomVersion RoomVersion) *Event {
	e, err := NewEventFromJSON(eventJSON, eventID, roomVersion)
	if err != nil {
		panic(err)
	}
	return e
}

// parseReferences reads a list of event references, which are
// [["$id", {"sha256": "..."}], ...] in EventFormatV1 and ["$id", ...]
// otherwise.
func parseReferences(value gjson.Result, format EventFormat) ([]string, error) {
	if !value.Exists() {
		return []string{}, nil
	}
	if !value.IsArray() {
		return nil, fmt.Errorf("not an array")
	}
	var err error
	refs := make([]string, 0, len(value.Array()))
	value.ForEach(func(_, ref gjson.Result) bool {
		if format == EventFormatV1 {
			if !ref.IsArray() {
				err = fmt.Errorf("reference %s is not an array", ref.Raw)
				return false
			}
			ref = ref.Get("0")
		}
		if ref.Type != gjson.String {
			err = fmt.Errorf("reference %s is not a string event ID", ref.Raw)
			return false
		}
		refs = append(refs, ref.Str)
		return true
	})
	return refs, err
}

// MarshalJSON implements json.Marshaller
func (e *Event) MarshalJSON() ([]byte, error) {
	if e.eventJSON == nil {
		return nil, fmt.Errorf("gomatrixstateres: cannot serialise uninitialised Event")
	}
	return e.eventJSON, nil
}

var _ json.Marshaler = (*Event)(nil)

func (e *Event) EventID() string { return e.eventID }

func (e *Event) RoomID() string { return e.roomID }

func (e *Event) Sender() string { return e.sender }

func (e *Event) Type() string { return e.eventType }

func (e *Event) StateKey() *string { return e.stateKey }

func (e *Event) StateKeyEquals(s string) bool {
	if e.stateKey == nil {
		return false
	}
	return *e.stateKey == s
}

func (e *Event) Content() []byte { return e.content }

func (e *Event) Redacts() string { return e.redacts }

func (e *Event) Depth() int64 { return e.depth }

func (e *Event) OriginServerTS() spec.Timestamp { return e.originServerTS }

func (e *Event) PrevEventIDs() []string { return e.prevEvents }

func (e *Event) AuthEventIDs() []string { return e.authEvents }

func (e *Event) Version() RoomVersion { return e.roomVersion }

func (e *Event) JSON() []byte { return e.eventJSON }

// Unsigned returns the raw "unsigned" object of the event, or nil.
func (e *Event) Unsigned() []byte { return e.rawField("unsigned") }

// Hashes returns the raw "hashes" object of the event, or nil.
func (e *Event) Hashes() []byte { return e.rawField("hashes") }

// Signatures returns the raw "signatures" object of the event, or nil.
func (e *Event) Signatures() []byte { return e.rawField("signatures") }

func (e *Event) rawField(path string) []byte {
	if res := gjson.GetBytes(e.eventJSON, path); res.Exists() {
		return []byte(res.Raw)
	}
	return nil
}

// Membership returns the value of the content.membership field if this
// event is an "m.room.member" event.
func (e *Event) Membership() (string, error) {
	if e.eventType != spec.MRoomMember {
		return "", fmt.Errorf("gomatrixstateres: not an m.room.member event")
	}
	membership := gjson.GetBytes(e.content, "membership")
	if membership.Type != gjson.String {
		return "", fmt.Errorf("gomatrixstateres: missing or invalid membership")
	}
	return membership.Str, nil
}

func (e *Event) String() string {
	if e.stateKey != nil {
		return fmt.Sprintf("%s(%s, %q)", e.eventID, e.eventType, *e.stateKey)
	}
	return fmt.Sprintf("%s(%s)", e.eventID, e.eventType)
}
