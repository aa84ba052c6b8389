// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gomatrixstateres

import (
	"context"
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"
	"github.com/matrix-org/gomatrixstateres/eventauth"
	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/matrix-org/util"
	"github.com/oleiade/lane/v2"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

type stateResolverV2 struct {
	ctx               context.Context
	authRules         eventauth.Rules
	provider          EventProvider
	fullConflictedSet *set.Set[string]
	powerLevels       map[string]int64 // sender power level by event ID
}

// Resolve runs version 2 of the state resolution algorithm over the given
// state sets and returns the resolved state.
//
// authChainSets holds the full auth chain of each state set, in the same
// order. If nil the chains are computed from the provider. All events in
// the state sets must belong to the same room.
//
// With ConsiderConflictedStateSubgraph the full conflicted set also holds
// the events on auth_events paths between conflicted events, and with
// BeginIterativeAuthChecksWithEmptyStateMap the power events are checked
// starting from an empty state map.
//
// Any event that is part of the conflict, of the auth difference or of the
// conflicted state subgraph must be available from the provider or a
// NotFoundError is returned. Events
// that fail authorization while resolving are left out of the result and
// are not an error.
// https://spec.matrix.org/v1.8/rooms/v2/#state-resolution
func Resolve(
	ctx context.Context,
	authRules eventauth.Rules,
	stateResRules StateResolutionRules,
	stateSets []StateMap,
	authChainSets []*set.Set[string],
	provider EventProvider,
) (StateMap, error) {
	if stateResRules.Algorithm != StateResV2 {
		return nil, UnsupportedAlgorithmError{Algorithm: stateResRules.Algorithm}
	}
	logger := util.GetLogger(ctx)

	unconflicted, conflicted := SplitConflicted(stateSets)
	logger.WithFields(logrus.Fields{
		"state_sets":   len(stateSets),
		"unconflicted": len(unconflicted),
		"conflicted":   len(conflicted),
	}).Debug("Resolving state")
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	if authChainSets == nil {
		var err error
		if authChainSets, err = AuthChainSets(ctx, provider, stateSets); err != nil {
			return nil, err
		}
	}

	fullConflictedSet := set.New[string](len(conflicted))
	for _, eventIDs := range conflicted {
		fullConflictedSet.InsertSlice(eventIDs)
	}
	fullConflictedSet.InsertSlice(AuthDifference(authChainSets))
	if stateResRules.ConsiderConflictedStateSubgraph {
		subgraph, err := ConflictedStateSubgraph(ctx, provider, conflicted)
		if err != nil {
			return nil, err
		}
		logger.WithField("subgraph", len(subgraph)).Debug("Found conflicted state subgraph")
		fullConflictedSet.InsertSlice(subgraph)
	}

	r := &stateResolverV2{
		ctx:               ctx,
		authRules:         authRules,
		provider:          provider,
		fullConflictedSet: fullConflictedSet,
		powerLevels:       make(map[string]int64),
	}

	fullConflictedIDs := fullConflictedSet.Slice()
	sort.Strings(fullConflictedIDs)
	var powerEvents []string
	for _, eventID := range fullConflictedIDs {
		event, ok := provider.Event(eventID)
		if !ok {
			return nil, NotFoundError{EventID: eventID}
		}
		if IsPowerEvent(event) {
			powerEvents = append(powerEvents, eventID)
		}
	}

	sortedPowerEvents, err := r.reverseTopologicalPowerSort(powerEvents)
	if err != nil {
		return nil, err
	}
	logger.WithField("power_events", len(sortedPowerEvents)).Debug("Sorted power events")

	powerSeed := unconflicted
	if stateResRules.BeginIterativeAuthChecksWithEmptyStateMap {
		powerSeed = StateMap{}
	}
	resolvedPowerState, err := IterativeAuthChecks(ctx, authRules, sortedPowerEvents, powerSeed, provider)
	if err != nil {
		return nil, err
	}

	sortedPowerEventsSet := set.From(sortedPowerEvents)
	remaining := make([]string, 0, len(fullConflictedIDs))
	for _, eventID := range fullConflictedIDs {
		if !sortedPowerEventsSet.Contains(eventID) {
			remaining = append(remaining, eventID)
		}
	}

	powerLevelsID := resolvedPowerState[spec.StateKeyTuple{EventType: spec.MRoomPowerLevels}]
	sortedRemaining := r.mainlineSort(remaining, powerLevelsID)
	logger.WithFields(logrus.Fields{
		"remaining":    len(sortedRemaining),
		"power_levels": powerLevelsID,
	}).Debug("Sorted remaining events by mainline")

	resolved, err := IterativeAuthChecks(ctx, authRules, sortedRemaining, resolvedPowerState, provider)
	if err != nil {
		return nil, err
	}

	// Unconflicted state always wins, even if an event of the conflicted
	// set made it through the checks for the same key.
	for key, eventID := range unconflicted {
		resolved[key] = eventID
	}
	return resolved, nil
}

// ResolveRoomVersion is Resolve with the rules of the given room version.
func ResolveRoomVersion(
	ctx context.Context,
	roomVersion RoomVersion,
	stateSets []StateMap,
	authChainSets []*set.Set[string],
	provider EventProvider,
) (StateMap, error) {
	authRules, stateResRules, err := roomVersion.Rules()
	if err != nil {
		return nil, err
	}
	return Resolve(ctx, authRules, stateResRules, stateSets, authChainSets, provider)
}

// SplitConflicted separates the keys that every state set agrees on from
// those that are conflicted. A conflicted key maps to the values of the
// state sets that have it, in state set order.
func SplitConflicted(stateSets []StateMap) (StateMap, map[spec.StateKeyTuple][]string) {
	collected := make(map[spec.StateKeyTuple][]string)
	for _, stateSet := range stateSets {
		for key, eventID := range stateSet {
			collected[key] = append(collected[key], eventID)
		}
	}

	unconflicted := make(StateMap)
	conflicted := make(map[spec.StateKeyTuple][]string)
	for key, eventIDs := range collected {
		if len(eventIDs) == len(stateSets) && allEqual(eventIDs) {
			unconflicted[key] = eventIDs[0]
		} else {
			conflicted[key] = eventIDs
		}
	}
	return unconflicted, conflicted
}

func allEqual(values []string) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

// IsPowerEvent returns true if the event is a create, power levels or join
// rules event, or a membership event that kicks or bans another user.
func IsPowerEvent(event PDU) bool {
	switch event.Type() {
	case spec.MRoomCreate, spec.MRoomPowerLevels, spec.MRoomJoinRules:
		return event.StateKeyEquals("")
	case spec.MRoomMember:
		if event.StateKey() == nil || event.StateKeyEquals(event.Sender()) {
			return false
		}
		membership := gjson.GetBytes(event.Content(), "membership")
		return membership.Str == spec.Leave || membership.Str == spec.Ban
	}
	return false
}

// IterativeAuthChecks applies the events in order on top of the seed state.
// Each event is checked against the state built up so far, never against
// its own auth_events, and replaces its key if allowed. Under
// RoomCreateEventIDAsRoomID the m.room.create event named by the room ID
// is used whatever the state holds. Events that can't be found, lack a
// state key or aren't allowed are skipped. Only a cancelled context makes
// it fail.
func IterativeAuthChecks(
	ctx context.Context,
	rules eventauth.Rules,
	events []string,
	seed StateMap,
	provider EventProvider,
) (StateMap, error) {
	logger := util.GetLogger(ctx)
	state := seed.Clone()

	reject := func(eventID string, event PDU, reason string, err error) {
		fields := logrus.Fields{"event_id": eventID}
		if event != nil {
			fields["room_id"] = event.RoomID()
			fields["type"] = event.Type()
		}
		entry := logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Trace(reason)
	}

	for _, eventID := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event, ok := provider.Event(eventID)
		if !ok {
			reject(eventID, nil, "Rejecting missing event", nil)
			continue
		}
		if event.StateKey() == nil {
			reject(eventID, event, "Rejecting event without a state key", nil)
			continue
		}
		authTypes, err := eventauth.AuthTypesForEvent(rules, event.Type(), event.Sender(), event.StateKey(), event.Content())
		if err != nil {
			reject(eventID, event, "Rejecting malformed event", err)
			continue
		}

		authEvents := eventauth.NewAuthEvents()
		if rules.RoomCreateEventIDAsRoomID && event.Type() != spec.MRoomCreate {
			if create := roomCreateEvent(event, provider); create != nil {
				_ = authEvents.AddEvent(create)
			}
		}
		missing := ""
		for _, key := range authTypes {
			authEventID, ok := state[key]
			if !ok {
				continue
			}
			authEvent, ok := provider.Event(authEventID)
			if !ok {
				missing = authEventID
				break
			}
			if err = authEvents.AddEvent(authEvent); err != nil {
				break
			}
		}
		if missing != "" {
			reject(eventID, event, "Rejecting event with missing auth event "+missing, nil)
			continue
		}
		if err != nil {
			reject(eventID, event, "Rejecting event with bad auth event", err)
			continue
		}

		if err = eventauth.Allowed(rules, event, authEvents); err != nil {
			reject(eventID, event, "Rejecting unauthorised event", err)
			continue
		}
		state[spec.StateKeyTuple{EventType: event.Type(), StateKey: *event.StateKey()}] = eventID
	}
	return state, nil
}

// reverseTopologicalPowerSort sorts the power events, together with the
// events of their auth chains that are in the full conflicted set, so that
// auth events come before the events they authorise.
func (r *stateResolverV2) reverseTopologicalPowerSort(powerEvents []string) ([]string, error) {
	graph := make(map[string][]string, len(powerEvents))
	stack := lane.NewStack[string]()
	for _, eventID := range powerEvents {
		stack.Push(eventID)
	}
	for {
		eventID, ok := stack.Pop()
		if !ok {
			break
		}
		if _, ok = graph[eventID]; ok {
			continue
		}
		event, ok := r.provider.Event(eventID)
		if !ok {
			return nil, NotFoundError{EventID: eventID}
		}
		edges := []string{}
		for _, authEventID := range event.AuthEventIDs() {
			if !r.fullConflictedSet.Contains(authEventID) {
				continue
			}
			edges = append(edges, authEventID)
			if _, ok := graph[authEventID]; !ok {
				stack.Push(authEventID)
			}
		}
		graph[eventID] = edges
	}
	return LexicographicalTopologicalSort(graph, r.powerSortKey)
}

func (r *stateResolverV2) powerSortKey(eventID string) (TieBreaker, error) {
	event, ok := r.provider.Event(eventID)
	if !ok {
		return TieBreaker{}, NotFoundError{EventID: eventID}
	}
	return TieBreaker{
		PowerLevel:     r.senderPowerLevel(event),
		OriginServerTS: event.OriginServerTS(),
		EventID:        eventID,
	}, nil
}

// roomCreateEvent returns the m.room.create event whose ID the event's room
// ID is derived from, or nil.
func roomCreateEvent(event PDU, provider EventProvider) PDU {
	createEventID, ok := spec.CreateEventIDFromRoomID(event.RoomID())
	if !ok {
		return nil
	}
	create, ok := provider.Event(createEventID)
	if !ok || create.Type() != spec.MRoomCreate {
		return nil
	}
	return create
}

// senderPowerLevel works out the power level of the event's sender from the
// power levels and create events in its own auth_events, or from the create
// event named by the room ID under RoomCreateEventIDAsRoomID. Unreadable
// power levels count as level 0.
func (r *stateResolverV2) senderPowerLevel(event PDU) int64 {
	if level, ok := r.powerLevels[event.EventID()]; ok {
		return level
	}
	authEvents := eventauth.NewAuthEvents()
	if r.authRules.RoomCreateEventIDAsRoomID {
		if create := roomCreateEvent(event, r.provider); create != nil {
			_ = authEvents.AddEvent(create)
		}
	}
	for _, authEventID := range event.AuthEventIDs() {
		authEvent, ok := r.provider.Event(authEventID)
		if !ok {
			continue
		}
		if (authEvent.Type() == spec.MRoomPowerLevels || authEvent.Type() == spec.MRoomCreate) && authEvent.StateKeyEquals("") {
			_ = authEvents.AddEvent(authEvent)
		}
	}
	level, err := eventauth.UserPowerLevel(r.authRules, authEvents, event.Sender())
	if err != nil {
		util.GetLogger(r.ctx).WithError(err).WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"room_id":  event.RoomID(),
		}).Warn("Failed to work out sender power level")
		level = 0
	}
	r.powerLevels[event.EventID()] = level
	return level
}

// powerLevelsAuthEvent returns the first m.room.power_levels event in the
// event's auth_events, or nil.
func (r *stateResolverV2) powerLevelsAuthEvent(event PDU) PDU {
	for _, authEventID := range event.AuthEventIDs() {
		authEvent, ok := r.provider.Event(authEventID)
		if !ok {
			continue
		}
		if authEvent.Type() == spec.MRoomPowerLevels && authEvent.StateKeyEquals("") {
			return authEvent
		}
	}
	return nil
}

// mainline returns the position of each power levels event on the mainline
// of powerLevelsID. The oldest power levels event has position 0.
func (r *stateResolverV2) mainline(powerLevelsID string) map[string]int {
	var chain []string
	visited := set.New[string](0)
	for eventID := powerLevelsID; eventID != "" && visited.Insert(eventID); {
		chain = append(chain, eventID)
		event, ok := r.provider.Event(eventID)
		if !ok {
			break
		}
		eventID = ""
		if next := r.powerLevelsAuthEvent(event); next != nil {
			eventID = next.EventID()
		}
	}
	positions := make(map[string]int, len(chain))
	for i, eventID := range chain {
		positions[eventID] = len(chain) - 1 - i
	}
	return positions
}

// mainlinePosition walks from the event through power levels auth events
// until it reaches the mainline. Events that never reach it get position 0.
func (r *stateResolverV2) mainlinePosition(event PDU, mainline map[string]int) int {
	visited := set.New[string](0)
	for current := event; current != nil && visited.Insert(current.EventID()); {
		if position, ok := mainline[current.EventID()]; ok {
			return position
		}
		current = r.powerLevelsAuthEvent(current)
	}
	return 0
}

type mainlineSortKey struct {
	position       int
	originServerTS spec.Timestamp
	eventID        string
}

// mainlineSort orders events by mainline position, then origin_server_ts,
// then event ID.
func (r *stateResolverV2) mainlineSort(eventIDs []string, powerLevelsID string) []string {
	if len(eventIDs) == 0 {
		return []string{}
	}
	mainline := r.mainline(powerLevelsID)
	keys := make([]mainlineSortKey, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		key := mainlineSortKey{eventID: eventID}
		if event, ok := r.provider.Event(eventID); ok {
			key.position = r.mainlinePosition(event, mainline)
			key.originServerTS = event.OriginServerTS()
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.position != b.position {
			return a.position < b.position
		}
		if a.originServerTS != b.originServerTS {
			return a.originServerTS < b.originServerTS
		}
		return strings.Compare(a.eventID, b.eventID) < 0
	})
	sorted := make([]string, len(keys))
	for i := range keys {
		sorted[i] = keys[i].eventID
	}
	return sorted
}
