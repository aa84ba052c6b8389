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

// Package eventauth implements the Matrix authorization rules for room
// versions 1 to 12 as a pure predicate over an event and the room state it
// is checked against.
package eventauth

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixstateres/spec"
)

// An Event has the fields necessary to authenticate a matrix event.
type Event interface {
	EventID() string
	// RoomID of an m.room.create event without a room_id is the one
	// derived from its event ID.
	RoomID() string
	Sender() string
	Type() string
	// StateKey returns nil for non-state events.
	StateKey() *string
	Content() []byte
	PrevEventIDs() []string
	// Redacts returns the event ID targeted by an m.room.redaction.
	Redacts() string
}

// AuthEventProvider returns the state events needed to authenticate an
// event. Each method returns a nil Event if the room has no such state.
type AuthEventProvider interface {
	// Create returns the m.room.create event for the room.
	Create() (Event, error)
	// JoinRules returns the m.room.join_rules event for the room.
	JoinRules() (Event, error)
	// PowerLevels returns the m.room.power_levels event for the room.
	PowerLevels() (Event, error)
	// Member returns the m.room.member event for the given user_id state_key.
	Member(stateKey string) (Event, error)
	// ThirdPartyInvite returns the m.room.third_party_invite event for the
	// given state_key
	ThirdPartyInvite(stateKey string) (Event, error)
}

// AuthEvents is an AuthEventProvider backed by a map of state events.
type AuthEvents struct {
	events map[spec.StateKeyTuple]Event
}

// NewAuthEvents returns an AuthEventProvider holding the given state events.
// Events without a state key are skipped.
func NewAuthEvents(events ...Event) *AuthEvents {
	a := &AuthEvents{events: make(map[spec.StateKeyTuple]Event, len(events))}
	for _, e := range events {
		_ = a.AddEvent(e)
	}
	return a
}

// AddEvent adds a state event, replacing any event with the same type and
// state key.
func (a *AuthEvents) AddEvent(event Event) error {
	if event.StateKey() == nil {
		return fmt.Errorf("AddEvent: event %q does not have a state key", event.EventID())
	}
	a.events[spec.StateKeyTuple{EventType: event.Type(), StateKey: *event.StateKey()}] = event
	return nil
}

func (a *AuthEvents) lookup(eventType, stateKey string) (Event, error) {
	if e, ok := a.events[spec.StateKeyTuple{EventType: eventType, StateKey: stateKey}]; ok {
		return e, nil
	}
	return nil, nil
}

func (a *AuthEvents) Create() (Event, error)      { return a.lookup(spec.MRoomCreate, "") }
func (a *AuthEvents) JoinRules() (Event, error)   { return a.lookup(spec.MRoomJoinRules, "") }
func (a *AuthEvents) PowerLevels() (Event, error) { return a.lookup(spec.MRoomPowerLevels, "") }

func (a *AuthEvents) Member(stateKey string) (Event, error) {
	return a.lookup(spec.MRoomMember, stateKey)
}

func (a *AuthEvents) ThirdPartyInvite(stateKey string) (Event, error) {
	return a.lookup(spec.MRoomThirdPartyInvite, stateKey)
}

// StateNeeded lists the event types and state_keys needed to authenticate an event.
type StateNeeded struct {
	// Is the m.room.create event needed to auth the event.
	Create bool
	// Is the m.room.join_rules event needed to auth the event.
	JoinRules bool
	// Is the m.room.power_levels event needed to auth the event.
	PowerLevels bool
	// List of m.room.member state_keys needed to auth the event
	Member []string
	// List of m.room.third_party_invite state_keys
	ThirdPartyInvite []string
}

// Tuples returns the needed state as sorted (type, state_key) pairs.
func (s StateNeeded) Tuples() (res []spec.StateKeyTuple) {
	if s.Create {
		res = append(res, spec.StateKeyTuple{EventType: spec.MRoomCreate})
	}
	if s.JoinRules {
		res = append(res, spec.StateKeyTuple{EventType: spec.MRoomJoinRules})
	}
	if s.PowerLevels {
		res = append(res, spec.StateKeyTuple{EventType: spec.MRoomPowerLevels})
	}
	for _, userID := range s.Member {
		res = append(res, spec.StateKeyTuple{EventType: spec.MRoomMember, StateKey: userID})
	}
	for _, token := range s.ThirdPartyInvite {
		res = append(res, spec.StateKeyTuple{EventType: spec.MRoomThirdPartyInvite, StateKey: token})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Less(res[j]) })
	return
}

// AuthTypesForEvent returns the state keys whose current values are needed
// to authenticate an event with the given fields. An error is returned if a
// member event's content can't be parsed; such an event can never be
// allowed.
func AuthTypesForEvent(rules Rules, eventType, sender string, stateKey *string, content []byte) ([]spec.StateKeyTuple, error) {
	var result StateNeeded
	if err := accumulateStateNeeded(&result, rules, eventType, sender, stateKey, content); err != nil {
		return nil, err
	}
	return result.Tuples(), nil
}

// StateNeededForAuth returns the event types and state_keys needed to authenticate a batch of events.
// Events whose content can't be parsed are skipped, since they will be
// rejected when the actual checks encounter the same error.
func StateNeededForAuth(rules Rules, events []Event) (result StateNeeded) {
	for _, event := range events {
		_ = accumulateStateNeeded(&result, rules, event.Type(), event.Sender(), event.StateKey(), event.Content())
	}
	result.Member = uniqueSorted(result.Member)
	result.ThirdPartyInvite = uniqueSorted(result.ThirdPartyInvite)
	return
}

func accumulateStateNeeded(result *StateNeeded, rules Rules, eventType, sender string, stateKey *string, content []byte) error {
	if eventType == spec.MRoomCreate {
		// The create event doesn't require any state to authenticate.
		return nil
	}
	var members, tokens []string
	if eventType == spec.MRoomMember {
		if stateKey == nil {
			return errorf("m.room.member must be a state event")
		}
		m, err := parseMemberContent(content)
		if err != nil {
			return err
		}
		switch m.Membership {
		case spec.Join, spec.Invite, spec.Knock:
			result.JoinRules = true
		}
		members = append(members, *stateKey)
		if m.Membership == spec.Invite && m.ThirdPartyInvite != nil {
			signed, err := m.ThirdPartyInvite.signed()
			if err != nil {
				return err
			}
			tokens = append(tokens, signed.Token)
		}
		if m.Membership == spec.Join && rules.RestrictedJoinRule && m.AuthorisedVia != "" {
			members = append(members, m.AuthorisedVia)
		}
	}
	// The create event is implied by the room ID rather than looked up.
	result.Create = !rules.RoomCreateEventIDAsRoomID
	result.PowerLevels = true
	result.Member = uniqueSorted(append(append(result.Member, sender), members...))
	result.ThirdPartyInvite = uniqueSorted(append(result.ThirdPartyInvite, tokens...))
	return nil
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	sort.Strings(values)
	j := 0
	for i := 1; i < len(values); i++ {
		if values[i] != values[j] {
			j++
			values[j] = values[i]
		}
	}
	return values[:j+1]
}

// A NotAllowed error is returned if an event does not pass the auth checks.
type NotAllowed struct {
	Message string
}

func (a *NotAllowed) Error() string {
	return "eventauth: " + a.Message
}

func errorf(message string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(message, args...)}
}

// Allowed checks whether an event is allowed by the auth events under the
// given rules. It returns a *NotAllowed error if the event is not allowed.
// If there was an error loading the auth events then it returns that error.
func Allowed(rules Rules, event Event, authEvents AuthEventProvider) error {
	if event.Type() == spec.MRoomCreate {
		return createEventAllowed(rules, event)
	}
	create, err := newCreateContentFromAuthEvents(rules, authEvents)
	if err != nil {
		return err
	}
	if event.RoomID() != create.roomID {
		return errorf("create event has different roomID: %q != %q", event.RoomID(), create.roomID)
	}
	if err = create.userIDAllowed(event.Sender()); err != nil {
		return err
	}
	if rules.SpecialCaseRoomAliases && event.Type() == spec.MRoomAliases {
		return aliasEventAllowed(event)
	}
	if event.Type() == spec.MRoomMember {
		allower, err := newMembershipAllower(rules, create, authEvents, event)
		if err != nil {
			return err
		}
		return allower.membershipAllowed(event)
	}

	allower, err := newEventAllower(rules, create, authEvents, event.Sender())
	if err != nil {
		return err
	}
	if err = allower.commonChecks(event); err != nil {
		return err
	}
	switch event.Type() {
	case spec.MRoomPowerLevels:
		return allower.powerLevelsEventAllowed(event, authEvents)
	case spec.MRoomRedaction:
		if rules.SpecialCaseRoomRedaction {
			return allower.redactEventAllowed(event)
		}
	}
	return nil
}

// createEventAllowed checks whether the m.room.create event is allowed.
func createEventAllowed(rules Rules, event Event) error {
	if event.StateKey() == nil || *event.StateKey() != "" {
		return errorf("create event state key is not empty")
	}
	if n := len(event.PrevEventIDs()); n > 0 {
		return errorf("create event must be the first event in the room: found %d prev_events", n)
	}
	sender, err := spec.NewUserID(event.Sender(), true)
	if err != nil {
		return errorf("create event has invalid sender %q: %s", event.Sender(), err)
	}
	if rules.RoomCreateEventIDAsRoomID {
		if roomID, ok := spec.RoomIDFromCreateEventID(event.EventID()); !ok || roomID != event.RoomID() {
			return errorf("create event room ID %q does not match its event ID %q", event.RoomID(), event.EventID())
		}
	} else {
		roomID, err := spec.NewRoomID(event.RoomID())
		if err != nil {
			return errorf("create event has invalid room ID %q: %s", event.RoomID(), err)
		}
		if sender.Domain() != roomID.Domain() {
			return errorf("create event room ID domain does not match sender: %q != %q", roomID.Domain(), sender.Domain())
		}
	}
	if rules.AdditionalRoomCreators {
		if _, err = parseAdditionalCreators(event.Content()); err != nil {
			return err
		}
	}
	if !rules.UseRoomCreateSender {
		var c createContent
		if err = json.Unmarshal(event.Content(), &c); err != nil {
			return errorf("unparsable create event content: %s", err)
		}
		if c.Creator == "" {
			return errorf("create event content has no creator")
		}
	}
	return nil
}

// aliasEventAllowed checks m.room.aliases for room versions with the
// special case: the state key must be the sender's domain.
func aliasEventAllowed(event Event) error {
	if event.StateKey() == nil {
		return errorf("alias event must be a state event")
	}
	senderDomain, _ := spec.DomainFromID(event.Sender())
	if spec.ServerName(*event.StateKey()) != senderDomain {
		return errorf("alias state_key does not match sender domain, %q != %q", *event.StateKey(), senderDomain)
	}
	return nil
}

// An eventAllower has the information needed to authorise all events types
// other than m.room.create and m.room.member which are special.
type eventAllower struct {
	rules Rules
	// The content of the m.room.create.
	create createContent
	// The content of the m.room.member event for the sender.
	member memberContent
	// The content of the m.room.power_levels event for the room.
	powerLevels PowerLevelContent
}

func newEventAllower(rules Rules, create createContent, authEvents AuthEventProvider, senderID string) (e eventAllower, err error) {
	e.rules = rules
	e.create = create
	if e.member, err = newMemberContentFromAuthEvents(authEvents, senderID); err != nil {
		return
	}
	e.powerLevels, err = NewPowerLevelContentFromAuthEvents(rules, authEvents, create.creators()...)
	return
}

// commonChecks does the checks that are applied to all events types other than
// m.room.create and m.room.member.
func (e *eventAllower) commonChecks(event Event) error {
	if e.member.Membership != spec.Join {
		return errorf("sender %q not in room", event.Sender())
	}

	senderLevel := e.powerLevels.UserLevel(event.Sender())
	if event.Type() == spec.MRoomThirdPartyInvite {
		if senderLevel < e.powerLevels.Invite {
			return errorf("sender %q is not allowed to invite. %d < %d", event.Sender(), senderLevel, e.powerLevels.Invite)
		}
		return nil
	}

	eventLevel := e.powerLevels.EventLevel(event.Type(), event.StateKey() != nil)
	if senderLevel < eventLevel {
		return errorf(
			"sender %q is not allowed to send event. %d < %d",
			event.Sender(), senderLevel, eventLevel,
		)
	}

	// Check that all state_keys that begin with '@' are only updated by users
	// with that ID.
	if sk := event.StateKey(); sk != nil && len(*sk) > 0 && (*sk)[0] == '@' && *sk != event.Sender() {
		return errorf(
			"sender %q is not allowed to modify the state belonging to %q",
			event.Sender(), *sk,
		)
	}
	return nil
}

// powerLevelsEventAllowed checks the changes an m.room.power_levels event
// makes against the current power levels.
func (e *eventAllower) powerLevelsEventAllowed(event Event, authEvents AuthEventProvider) error {
	newPowerLevels, err := NewPowerLevelContentFromEvent(e.rules, event)
	if err != nil {
		return err
	}
	for userID := range newPowerLevels.Users {
		if _, err = spec.NewUserID(userID, true); err != nil {
			return errorf("not a valid user ID in power levels: %q", userID)
		}
	}
	if e.rules.ExplicitlyPrivilegeRoomCreators {
		for _, creator := range e.create.creators() {
			if _, ok := newPowerLevels.Users[creator]; ok {
				return errorf("room creator %q can't be given a power level", creator)
			}
		}
	}

	current, err := authEvents.PowerLevels()
	if err != nil {
		return err
	}
	if current == nil {
		// The first power levels event in a room is always allowed.
		return nil
	}

	oldPowerLevels := e.powerLevels
	senderLevel := oldPowerLevels.UserLevel(event.Sender())
	if err = checkNamedLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}
	if err = checkLevelMap("events", senderLevel, oldPowerLevels.Events, newPowerLevels.Events); err != nil {
		return err
	}
	if e.rules.LimitNotificationsPowerLevels {
		if err = checkLevelMap("notifications", senderLevel, oldPowerLevels.Notifications, newPowerLevels.Notifications); err != nil {
			return err
		}
	}
	return checkUserLevels(senderLevel, event.Sender(), oldPowerLevels, newPowerLevels)
}

func checkNamedLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	for _, level := range []struct {
		name     string
		old, new int64
	}{
		{"ban", oldPowerLevels.Ban, newPowerLevels.Ban},
		{"events_default", oldPowerLevels.EventsDefault, newPowerLevels.EventsDefault},
		{"invite", oldPowerLevels.Invite, newPowerLevels.Invite},
		{"kick", oldPowerLevels.Kick, newPowerLevels.Kick},
		{"redact", oldPowerLevels.Redact, newPowerLevels.Redact},
		{"state_default", oldPowerLevels.StateDefault, newPowerLevels.StateDefault},
		{"users_default", oldPowerLevels.UsersDefault, newPowerLevels.UsersDefault},
	} {
		if level.old == level.new {
			continue
		}
		if senderLevel < level.new || senderLevel < level.old {
			return errorf(
				"sender with level %d is not allowed to change %s from %d to %d",
				senderLevel, level.name, level.old, level.new,
			)
		}
	}
	return nil
}

// checkLevelMap checks entries of the events or notifications maps that are
// added, changed or removed. Neither the old nor the new value may exceed
// the sender's level.
func checkLevelMap(name string, senderLevel int64, oldLevels, newLevels map[string]int64) error {
	for _, key := range sortedKeys(oldLevels, newLevels) {
		oldLevel, hadOld := oldLevels[key]
		newLevel, hasNew := newLevels[key]
		if hadOld == hasNew && oldLevel == newLevel {
			continue
		}
		if hadOld && oldLevel > senderLevel {
			return errorf("sender with level %d is not allowed to change %s %q from %d", senderLevel, name, key, oldLevel)
		}
		if hasNew && newLevel > senderLevel {
			return errorf("sender with level %d is not allowed to set %s %q to %d", senderLevel, name, key, newLevel)
		}
	}
	return nil
}

// checkUserLevels checks that the changes in user levels are allowed. Users
// may lower their own level but may only change the levels of users below
// them, and never above their own.
func checkUserLevels(senderLevel int64, senderID string, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	for _, userID := range sortedKeys(oldPowerLevels.Users, newPowerLevels.Users) {
		oldLevel, hadOld := oldPowerLevels.Users[userID]
		newLevel, hasNew := newPowerLevels.Users[userID]
		if hadOld == hasNew && oldLevel == newLevel {
			continue
		}
		if hadOld && userID != senderID && oldLevel >= senderLevel {
			return errorf(
				"sender %q with level %d is not allowed to change user %q level from %d",
				senderID, senderLevel, userID, oldLevel,
			)
		}
		if hasNew && newLevel > senderLevel {
			return errorf(
				"sender %q with level %d is not allowed to set user %q level to %d",
				senderID, senderLevel, userID, newLevel,
			)
		}
	}
	return nil
}

// redactEventAllowed applies to room versions 1 and 2: servers may redact
// events they sent, otherwise the sender needs the redact level.
func (e *eventAllower) redactEventAllowed(event Event) error {
	senderLevel := e.powerLevels.UserLevel(event.Sender())
	if senderLevel >= e.powerLevels.Redact {
		return nil
	}
	eventDomain, ok1 := spec.DomainFromID(event.EventID())
	redactDomain, ok2 := spec.DomainFromID(event.Redacts())
	if ok1 && ok2 && eventDomain == redactDomain {
		return nil
	}
	return errorf(
		"%q is not allowed to redact message from %q. %d < %d",
		event.Sender(), redactDomain, senderLevel, e.powerLevels.Redact,
	)
}
