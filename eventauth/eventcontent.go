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

package eventauth

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/tidwall/gjson"
)

// createContent is the JSON content of a m.room.create event along with
// the top level keys needed for auth.
type createContent struct {
	// We need the domain of the create event when checking federatability.
	senderDomain spec.ServerName
	// We need the roomID to check that events are in the same room as the create event.
	roomID string
	// We need the eventID to check the first join event in the room.
	eventID string
	// The "m.federate" flag tells us whether the room can be federated to other servers.
	Federate *bool `json:"m.federate,omitempty"`
	// The creator of the room tells us what the default power levels are.
	// Replaced by the sender of the create event when UseRoomCreateSender is set.
	Creator string `json:"creator"`
	// Users named by the additional_creators key. Only read when
	// AdditionalRoomCreators is set.
	additionalCreators []string
}

func newCreateContentFromAuthEvents(rules Rules, authEvents AuthEventProvider) (c createContent, err error) {
	createEvent, err := authEvents.Create()
	if err != nil {
		return
	}
	if createEvent == nil {
		err = errorf("missing create event")
		return
	}
	if err = json.Unmarshal(createEvent.Content(), &c); err != nil {
		err = errorf("unparsable create event content: %s", err.Error())
		return
	}
	if rules.UseRoomCreateSender {
		c.Creator = createEvent.Sender()
	}
	if rules.AdditionalRoomCreators {
		if c.additionalCreators, err = parseAdditionalCreators(createEvent.Content()); err != nil {
			return
		}
	}
	c.roomID = createEvent.RoomID()
	c.eventID = createEvent.EventID()
	var ok bool
	if c.senderDomain, ok = spec.DomainFromID(createEvent.Sender()); !ok {
		err = errorf("invalid create event sender: %q", createEvent.Sender())
	}
	return
}

// RoomCreator returns the creator of the room whose m.room.create event is
// in authEvents.
func RoomCreator(rules Rules, authEvents AuthEventProvider) (string, error) {
	c, err := newCreateContentFromAuthEvents(rules, authEvents)
	return c.Creator, err
}

// RoomCreators returns the creator of the room followed by any additional
// creators named by the m.room.create event in authEvents.
func RoomCreators(rules Rules, authEvents AuthEventProvider) ([]string, error) {
	c, err := newCreateContentFromAuthEvents(rules, authEvents)
	if err != nil {
		return nil, err
	}
	return c.creators(), nil
}

func (c *createContent) creators() []string {
	return append([]string{c.Creator}, c.additionalCreators...)
}

// parseAdditionalCreators reads the additional_creators key of a
// m.room.create event. If present it must be an array of user IDs.
func parseAdditionalCreators(content []byte) ([]string, error) {
	value := gjson.GetBytes(content, "additional_creators")
	if !value.Exists() {
		return nil, nil
	}
	if !value.IsArray() {
		return nil, errorf("additional_creators is not an array: %s", value.Raw)
	}
	var creators []string
	var err error
	value.ForEach(func(_, creator gjson.Result) bool {
		if creator.Type != gjson.String {
			err = errorf("additional_creators entry is not a string: %s", creator.Raw)
			return false
		}
		if _, parseErr := spec.NewUserID(creator.Str, true); parseErr != nil {
			err = errorf("additional_creators entry is not a valid user ID: %q", creator.Str)
			return false
		}
		creators = append(creators, creator.Str)
		return true
	})
	return creators, err
}

// userIDAllowed checks whether the domain part of the user ID is allowed in
// the room by the "m.federate" flag, which defaults to true.
func (c *createContent) userIDAllowed(id string) error {
	domain, ok := spec.DomainFromID(id)
	if !ok {
		return errorf("invalid user ID: %q", id)
	}
	if domain == c.senderDomain || c.Federate == nil || *c.Federate {
		return nil
	}
	return errorf("room is unfederatable: %q is not on %q", id, c.senderDomain)
}

// memberContent is the JSON content of a m.room.member event needed for auth checks.
type memberContent struct {
	// We use the membership key in order to check if the user is in the room.
	Membership string `json:"membership"`
	// The third_party_invite key is only present on invites which follow up
	// an m.room.third_party_invite event.
	ThirdPartyInvite *memberThirdPartyInvite `json:"third_party_invite,omitempty"`
	// The user who authorised a restricted join, from room version 8.
	AuthorisedVia string `json:"join_authorised_via_users_server,omitempty"`
}

type memberThirdPartyInvite struct {
	DisplayName string          `json:"display_name"`
	Signed      json.RawMessage `json:"signed"`
}

// memberThirdPartyInviteSigned is the "signed" block an identity server
// produces when a third party invite is redeemed.
type memberThirdPartyInviteSigned struct {
	MXID       string                                          `json:"mxid"`
	Token      string                                          `json:"token"`
	Signatures map[spec.ServerName]map[string]spec.Base64Bytes `json:"signatures"`
}

func (t *memberThirdPartyInvite) signed() (s memberThirdPartyInviteSigned, err error) {
	if len(t.Signed) == 0 {
		err = errorf("missing 'third_party_invite.signed' JSON key")
		return
	}
	if err = json.Unmarshal(t.Signed, &s); err != nil {
		err = errorf("unparsable 'third_party_invite.signed': %s", err.Error())
		return
	}
	if s.Token == "" {
		err = errorf("missing 'third_party_invite.signed.token' JSON key")
	}
	return
}

func newMemberContentFromEvent(event Event) (memberContent, error) {
	return parseMemberContent(event.Content())
}

func parseMemberContent(content []byte) (c memberContent, err error) {
	if err = json.Unmarshal(content, &c); err != nil {
		err = errorf("unparsable member event content: %s", err.Error())
		return
	}
	if c.Membership == "" {
		err = errorf("missing membership in member event content")
	}
	return
}

// newMemberContentFromAuthEvents loads the member content of a user. A user
// with no membership event is treated as having left the room.
func newMemberContentFromAuthEvents(authEvents AuthEventProvider, userID string) (c memberContent, err error) {
	memberEvent, err := authEvents.Member(userID)
	if err != nil {
		return
	}
	if memberEvent == nil {
		c.Membership = spec.Leave
		return
	}
	return newMemberContentFromEvent(memberEvent)
}

// joinRuleContent is the JSON content of a m.room.join_rules event needed for auth checks.
type joinRuleContent struct {
	JoinRule string `json:"join_rule"`
}

// newJoinRuleContentFromAuthEvents defaults to "invite" when the room has no
// join rules event.
func newJoinRuleContentFromAuthEvents(authEvents AuthEventProvider) (c joinRuleContent, err error) {
	c.JoinRule = spec.Invite
	joinRulesEvent, err := authEvents.JoinRules()
	if err != nil || joinRulesEvent == nil {
		return
	}
	if err = json.Unmarshal(joinRulesEvent.Content(), &c); err != nil {
		err = errorf("unparsable join_rules event content: %s", err.Error())
	}
	return
}

// thirdPartyInviteContent is the JSON content of a m.room.third_party_invite event.
type thirdPartyInviteContent struct {
	PublicKey  spec.Base64Bytes `json:"public_key"`
	PublicKeys []struct {
		PublicKey spec.Base64Bytes `json:"public_key"`
	} `json:"public_keys"`
}

func (c *thirdPartyInviteContent) keys() []spec.Base64Bytes {
	keys := make([]spec.Base64Bytes, 0, len(c.PublicKeys)+1)
	if len(c.PublicKey) != 0 {
		keys = append(keys, c.PublicKey)
	}
	for _, k := range c.PublicKeys {
		keys = append(keys, k.PublicKey)
	}
	return keys
}

// PowerLevelContent is the JSON content of a m.room.power_levels event with
// defaults applied.
// See https://spec.matrix.org/v1.8/client-server-api/#mroompower_levels for descriptions of the fields.
type PowerLevelContent struct {
	Ban           int64            `json:"ban"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Notifications map[string]int64 `json:"notifications"`
	// Room creators, set when ExplicitlyPrivilegeRoomCreators applies.
	creators map[string]struct{}
}

// CreatorPowerLevel is the level of the room creator while the room has no
// m.room.power_levels event.
const CreatorPowerLevel = 100

// InfinitePowerLevel is the level of room creators in room versions that
// explicitly privilege them.
const InfinitePowerLevel = math.MaxInt64

// UserLevel returns the power level a user has in the room.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	if _, ok := c.creators[userID]; ok {
		return InfinitePowerLevel
	}
	if level, ok := c.Users[userID]; ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send an event in the room.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if eventType == spec.MRoomThirdPartyInvite {
		// Special case third_party_invite events to have the same level as
		// m.room.member invite events.
		return c.Invite
	}
	if level, ok := c.Events[eventType]; ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// NotificationLevel returns the level needed to trigger a notification
// ("room" defaults to 50).
func (c *PowerLevelContent) NotificationLevel(notification string) int64 {
	if level, ok := c.Notifications[notification]; ok {
		return level
	}
	return 50
}

// Defaults sets the power levels to their default values.
func (c *PowerLevelContent) Defaults() {
	c.Invite = 0
	c.Ban = 50
	c.Kick = 50
	c.Redact = 50
	c.UsersDefault = 0
	c.EventsDefault = 0
	c.StateDefault = 50
}

// NewPowerLevelContentFromAuthEvents loads the power level content from the
// power level event in the auth events. Without one, the creators have
// CreatorPowerLevel and every other user has 0. Under
// ExplicitlyPrivilegeRoomCreators the creators have InfinitePowerLevel
// either way.
func NewPowerLevelContentFromAuthEvents(rules Rules, authEvents AuthEventProvider, creatorUserIDs ...string) (c PowerLevelContent, err error) {
	powerLevelsEvent, err := authEvents.PowerLevels()
	if err != nil {
		return
	}
	if powerLevelsEvent != nil {
		if c, err = NewPowerLevelContentFromEvent(rules, powerLevelsEvent); err != nil {
			return
		}
	} else {
		c.Defaults()
		c.Users = map[string]int64{}
		if !rules.ExplicitlyPrivilegeRoomCreators {
			for _, userID := range creatorUserIDs {
				c.Users[userID] = CreatorPowerLevel
			}
		}
	}
	if rules.ExplicitlyPrivilegeRoomCreators {
		c.creators = make(map[string]struct{}, len(creatorUserIDs))
		for _, userID := range creatorUserIDs {
			c.creators[userID] = struct{}{}
		}
	}
	return
}

// UserPowerLevel returns the power level of userID according to the
// m.room.power_levels event in authEvents. Without one, the room creator
// has CreatorPowerLevel, and without a m.room.create event either every
// user has level 0. Room creators have InfinitePowerLevel under
// ExplicitlyPrivilegeRoomCreators.
func UserPowerLevel(rules Rules, authEvents AuthEventProvider, userID string) (int64, error) {
	powerLevelsEvent, err := authEvents.PowerLevels()
	if err != nil {
		return 0, err
	}
	createEvent, err := authEvents.Create()
	if err != nil {
		return 0, err
	}
	var creators []string
	if createEvent != nil && (powerLevelsEvent == nil || rules.ExplicitlyPrivilegeRoomCreators) {
		if creators, err = RoomCreators(rules, authEvents); err != nil {
			return 0, err
		}
	}
	c, err := NewPowerLevelContentFromAuthEvents(rules, authEvents, creators...)
	if err != nil {
		return 0, err
	}
	return c.UserLevel(userID), nil
}

// NewPowerLevelContentFromEvent parses the content of a m.room.power_levels
// event. Which JSON values count as a level depends on the rules: from
// IntegerPowerLevels only integers, otherwise integers and strings
// holding integers, and before StrictCanonicalJSON floats as well.
func NewPowerLevelContentFromEvent(rules Rules, event Event) (c PowerLevelContent, err error) {
	c.Defaults()
	content := gjson.ParseBytes(event.Content())
	if !content.IsObject() {
		err = errorf("power_levels event content is not an object")
		return
	}
	for _, field := range []struct {
		key string
		to  *int64
	}{
		{"ban", &c.Ban},
		{"invite", &c.Invite},
		{"kick", &c.Kick},
		{"redact", &c.Redact},
		{"users_default", &c.UsersDefault},
		{"events_default", &c.EventsDefault},
		{"state_default", &c.StateDefault},
	} {
		value := content.Get(field.key)
		if !value.Exists() {
			continue
		}
		if *field.to, err = parseLevel(rules, field.key, value); err != nil {
			return
		}
	}
	if c.Users, err = parseLevelMap(rules, "users", content.Get("users")); err != nil {
		return
	}
	if c.Events, err = parseLevelMap(rules, "events", content.Get("events")); err != nil {
		return
	}
	c.Notifications, err = parseLevelMap(rules, "notifications", content.Get("notifications"))
	return
}

func parseLevelMap(rules Rules, name string, value gjson.Result) (map[string]int64, error) {
	if !value.Exists() {
		return nil, nil
	}
	if !value.IsObject() {
		return nil, errorf("power_levels %q is not an object", name)
	}
	levels := map[string]int64{}
	var err error
	value.ForEach(func(k, v gjson.Result) bool {
		var level int64
		if level, err = parseLevel(rules, name+"."+k.String(), v); err != nil {
			return false
		}
		levels[k.String()] = level
		return true
	})
	return levels, err
}

func parseLevel(rules Rules, name string, value gjson.Result) (int64, error) {
	switch value.Type {
	case gjson.Number:
		if level, err := strconv.ParseInt(value.Raw, 10, 64); err == nil {
			return level, nil
		}
		if rules.StrictCanonicalJSON {
			return 0, errorf("power level %q is not an integer: %s", name, value.Raw)
		}
		return int64(value.Float()), nil
	case gjson.String:
		if rules.IntegerPowerLevels {
			return 0, errorf("power level %q must be an integer, not a string", name)
		}
		level, err := strconv.ParseInt(strings.TrimSpace(value.Str), 10, 64)
		if err != nil {
			return 0, errorf("power level %q is not an integer string: %q", name, value.Str)
		}
		return level, nil
	default:
		return 0, errorf("power level %q has invalid type: %s", name, value.Raw)
	}
}

// sortedKeys returns the union of the keys of the level maps, sorted so that
// rejections are reported the same way every time.
func sortedKeys(maps ...map[string]int64) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
