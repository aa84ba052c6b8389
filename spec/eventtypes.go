package spec

// Membership values of an m.room.member event.
const (
	// Join is the string constant "join"
	Join = "join"
	// Ban is the string constant "ban"
	Ban = "ban"
	// Leave is the string constant "leave"
	Leave = "leave"
	// Invite is the string constant "invite"
	Invite = "invite"
	// Knock is the string constant "knock"
	Knock = "knock"
)

// Join rules of an m.room.join_rules event.
const (
	// Public is the string constant "public"
	Public = "public"
	// Private is the string constant "private"
	Private = "private"
	// Restricted is the string constant "restricted"
	Restricted = "restricted"
	// KnockRestricted is the string constant "knock_restricted"
	KnockRestricted = "knock_restricted"
)

// Event types consulted by authorization and state resolution.
const (
	// MRoomCreate https://spec.matrix.org/v1.8/client-server-api/#mroomcreate
	MRoomCreate = "m.room.create"
	// MRoomJoinRules https://spec.matrix.org/v1.8/client-server-api/#mroomjoin_rules
	MRoomJoinRules = "m.room.join_rules"
	// MRoomPowerLevels https://spec.matrix.org/v1.8/client-server-api/#mroompower_levels
	MRoomPowerLevels = "m.room.power_levels"
	// MRoomMember https://spec.matrix.org/v1.8/client-server-api/#mroommember
	MRoomMember = "m.room.member"
	// MRoomThirdPartyInvite https://spec.matrix.org/v1.8/client-server-api/#mroomthird_party_invite
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	// MRoomAliases only has auth rules in room versions 1 to 5.
	MRoomAliases = "m.room.aliases"
	// MRoomRedaction https://spec.matrix.org/v1.8/client-server-api/#mroomredaction
	MRoomRedaction = "m.room.redaction"
	MRoomName      = "m.room.name"
	MRoomTopic     = "m.room.topic"
	MRoomMessage   = "m.room.message"
)
