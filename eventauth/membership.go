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
	"strings"

	"github.com/matrix-org/gomatrixstateres/spec"
	"golang.org/x/crypto/ed25519"
)

// A membershipAllower has the information needed to authenticate a m.room.member event
type membershipAllower struct {
	rules    Rules
	provider AuthEventProvider
	// The user ID of the user whose membership is changing.
	targetID string
	// The user ID of the user who sent the membership event.
	senderID string
	// The membership of the user who sent the membership event.
	senderMember memberContent
	// The previous membership of the user whose membership is changing.
	oldMember memberContent
	// The new membership of the user if this event is accepted.
	newMember memberContent
	// The m.room.create content for the room.
	create createContent
	// The m.room.power_levels content for the room.
	powerLevels PowerLevelContent
	// The m.room.join_rules content for the room.
	joinRule joinRuleContent
}

func newMembershipAllower(rules Rules, create createContent, authEvents AuthEventProvider, event Event) (m membershipAllower, err error) {
	if event.StateKey() == nil {
		err = errorf("m.room.member must be a state event")
		return
	}
	m.rules = rules
	m.provider = authEvents
	m.create = create
	m.targetID = *event.StateKey()
	m.senderID = event.Sender()
	if m.newMember, err = newMemberContentFromEvent(event); err != nil {
		return
	}
	if m.oldMember, err = newMemberContentFromAuthEvents(authEvents, m.targetID); err != nil {
		return
	}
	if m.senderMember, err = newMemberContentFromAuthEvents(authEvents, m.senderID); err != nil {
		return
	}
	if m.powerLevels, err = NewPowerLevelContentFromAuthEvents(rules, authEvents, create.creators()...); err != nil {
		return
	}
	m.joinRule, err = newJoinRuleContentFromAuthEvents(authEvents)
	return
}

// membershipAllowed checks whether the membership event is allowed
func (m *membershipAllower) membershipAllowed(event Event) error {
	switch m.newMember.Membership {
	case spec.Join:
		return m.joinAllowed(event)
	case spec.Invite:
		if m.newMember.ThirdPartyInvite != nil {
			return m.membershipAllowedFromThirdPartyInvite()
		}
		return m.inviteAllowed()
	case spec.Leave:
		return m.leaveAllowed()
	case spec.Ban:
		return m.banAllowed()
	case spec.Knock:
		if m.rules.Knocking {
			return m.knockAllowed()
		}
	}
	return m.membershipFailed("membership %q is unknown", m.newMember.Membership)
}

func (m *membershipAllower) joinAllowed(event Event) error {
	// Special case the first join event in the room to allow the creator to join.
	if prev := event.PrevEventIDs(); len(prev) == 1 && prev[0] == m.create.eventID &&
		m.targetID == m.create.Creator && m.senderID == m.targetID {
		return nil
	}
	if m.senderID != m.targetID {
		return m.membershipFailed("sender cannot join on behalf of another user")
	}
	if m.oldMember.Membership == spec.Ban {
		return m.membershipFailed("user is banned")
	}
	switch m.joinRule.JoinRule {
	case spec.Public:
		return nil
	case spec.Invite:
		return m.allowIfInvitedOrJoined()
	case spec.Knock:
		if m.rules.Knocking {
			return m.allowIfInvitedOrJoined()
		}
	case spec.Restricted:
		if m.rules.RestrictedJoinRule {
			return m.restrictedJoinAllowed()
		}
	case spec.KnockRestricted:
		if m.rules.KnockRestrictedJoinRule {
			return m.restrictedJoinAllowed()
		}
	}
	return m.membershipFailed("join rule %q forbids it", m.joinRule.JoinRule)
}

func (m *membershipAllower) allowIfInvitedOrJoined() error {
	if m.oldMember.Membership == spec.Invite || m.oldMember.Membership == spec.Join {
		return nil
	}
	return m.membershipFailed("join rule %q requires an invite", m.joinRule.JoinRule)
}

// restrictedJoinAllowed lets already invited or joined users through.
// Anyone else needs the join to name, in join_authorised_via_users_server,
// a joined user with enough power to invite.
func (m *membershipAllower) restrictedJoinAllowed() error {
	if m.oldMember.Membership == spec.Invite || m.oldMember.Membership == spec.Join {
		return nil
	}
	via := m.newMember.AuthorisedVia
	if via == "" {
		return m.membershipFailed("join rule %q requires 'join_authorised_via_users_server'", m.joinRule.JoinRule)
	}
	if _, err := spec.NewUserID(via, true); err != nil {
		return errorf("the 'join_authorised_via_users_server' contains an invalid value %q", via)
	}
	viaMember, err := newMemberContentFromAuthEvents(m.provider, via)
	if err != nil {
		return err
	}
	if viaMember.Membership != spec.Join {
		return errorf("the nominated 'join_authorised_via_users_server' user %q is not joined to the room", via)
	}
	if pl := m.powerLevels.UserLevel(via); pl < m.powerLevels.Invite {
		return errorf("the nominated 'join_authorised_via_users_server' user %q does not have permission to invite (%d < %d)", via, pl, m.powerLevels.Invite)
	}
	return nil
}

func (m *membershipAllower) inviteAllowed() error {
	if m.senderMember.Membership != spec.Join {
		return m.membershipFailed("sender is not in the room")
	}
	switch m.oldMember.Membership {
	case spec.Join, spec.Ban:
		return m.membershipFailed("target cannot be invited when their membership is %q", m.oldMember.Membership)
	}
	if senderLevel := m.powerLevels.UserLevel(m.senderID); senderLevel < m.powerLevels.Invite {
		return m.membershipFailed(
			"sender has insufficient power to invite (sender level %d, invite level %d)",
			senderLevel, m.powerLevels.Invite,
		)
	}
	return nil
}

// membershipAllowedFromThirdPartyInvite determines if the member event is
// following up the m.room.third_party_invite event it claims, signed by one
// of the public keys that event published.
func (m *membershipAllower) membershipAllowedFromThirdPartyInvite() error {
	if m.oldMember.Membership == spec.Ban {
		return m.membershipFailed("target is banned")
	}
	signed, err := m.newMember.ThirdPartyInvite.signed()
	if err != nil {
		return err
	}
	if m.targetID != signed.MXID {
		return errorf(
			"the invite target %s doesn't match with the Matrix ID provided by the identity server %s",
			m.targetID, signed.MXID,
		)
	}
	inviteEvent, err := m.provider.ThirdPartyInvite(signed.Token)
	if err != nil {
		return err
	}
	if inviteEvent == nil {
		return errorf("no m.room.third_party_invite event for token %q", signed.Token)
	}
	if inviteEvent.Sender() != m.senderID {
		return errorf("third party invite %q was sent by %q, not %q", signed.Token, inviteEvent.Sender(), m.senderID)
	}
	var content thirdPartyInviteContent
	if err = json.Unmarshal(inviteEvent.Content(), &content); err != nil {
		return errorf("unparsable third_party_invite event content: %s", err.Error())
	}
	// Check each signature with each public key. If one signature could be
	// verified with one public key, accept the event.
	for _, publicKey := range content.keys() {
		for domain, signatures := range signed.Signatures {
			for keyID := range signatures {
				if !strings.HasPrefix(keyID, "ed25519:") {
					continue
				}
				if verifyJSON(domain, keyID, ed25519.PublicKey(publicKey), m.newMember.ThirdPartyInvite.Signed) == nil {
					return nil
				}
			}
		}
	}
	return errorf("couldn't verify signature on third-party invite for %s", m.targetID)
}

func (m *membershipAllower) leaveAllowed() error {
	if m.senderID == m.targetID {
		switch m.oldMember.Membership {
		case spec.Join, spec.Invite:
			return nil
		case spec.Knock:
			if m.rules.Knocking {
				return nil
			}
		}
		return m.membershipFailed("sender cannot leave from membership state %q", m.oldMember.Membership)
	}
	if m.senderMember.Membership != spec.Join {
		return m.membershipFailed("sender is not in the room")
	}
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	targetLevel := m.powerLevels.UserLevel(m.targetID)
	if m.oldMember.Membership == spec.Ban && senderLevel < m.powerLevels.Ban {
		return m.membershipFailed(
			"sender has insufficient power to unban (sender level %d, ban level %d)",
			senderLevel, m.powerLevels.Ban,
		)
	}
	if senderLevel >= m.powerLevels.Kick && targetLevel < senderLevel {
		return nil
	}
	return m.membershipFailed(
		"sender has insufficient power to kick (sender level %d, target level %d, kick level %d)",
		senderLevel, targetLevel, m.powerLevels.Kick,
	)
}

func (m *membershipAllower) banAllowed() error {
	if m.senderMember.Membership != spec.Join {
		return m.membershipFailed("sender is not in the room")
	}
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	targetLevel := m.powerLevels.UserLevel(m.targetID)
	if senderLevel >= m.powerLevels.Ban && targetLevel < senderLevel {
		return nil
	}
	return m.membershipFailed(
		"sender has insufficient power to ban (sender level %d, target level %d, ban level %d)",
		senderLevel, targetLevel, m.powerLevels.Ban,
	)
}

func (m *membershipAllower) knockAllowed() error {
	switch {
	case m.joinRule.JoinRule == spec.Knock:
	case m.joinRule.JoinRule == spec.KnockRestricted && m.rules.KnockRestrictedJoinRule:
	default:
		return m.membershipFailed("join rule %q does not allow knocking", m.joinRule.JoinRule)
	}
	if m.senderID != m.targetID {
		return m.membershipFailed("sender cannot knock on behalf of another user")
	}
	switch m.oldMember.Membership {
	case spec.Ban, spec.Invite, spec.Join:
		return m.membershipFailed("sender is already joined, invited or banned")
	}
	return nil
}

// membershipFailed returns a error explaining why the membership change was disallowed.
func (m *membershipAllower) membershipFailed(format string, args ...interface{}) error {
	if m.senderID == m.targetID {
		return errorf(
			"%q is not allowed to change their membership from %q to %q as "+format,
			append([]interface{}{m.targetID, m.oldMember.Membership, m.newMember.Membership}, args...)...,
		)
	}
	return errorf(
		"%q is not allowed to change the membership of %q from %q to %q as "+format,
		append([]interface{}{m.senderID, m.targetID, m.oldMember.Membership, m.newMember.Membership}, args...)...,
	)
}
