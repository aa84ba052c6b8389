package eventauth

// Rules are the authorization rules that change between room versions.
// A Rules value is plain configuration: Allowed and AuthTypesForEvent
// consult the flags but never modify them.
type Rules struct {
	// Redactions are allowed by event ID domain as well as by redact level.
	// Room versions 1 and 2.
	SpecialCaseRoomRedaction bool
	// m.room.aliases events are checked against the sender's domain only.
	// Room versions 1 to 5.
	SpecialCaseRoomAliases bool
	// Power levels must not contain floats. Room version 6 onwards.
	StrictCanonicalJSON bool
	// The notifications key of m.room.power_levels is checked. Room
	// version 6 onwards.
	LimitNotificationsPowerLevels bool
	// The knock membership and join rule exist. Room version 7 onwards.
	Knocking bool
	// The restricted join rule exists. Room version 8 onwards.
	RestrictedJoinRule bool
	// The knock_restricted join rule exists. Room version 10 onwards.
	KnockRestrictedJoinRule bool
	// Power levels must be JSON integers, not strings. Room version 10 onwards.
	IntegerPowerLevels bool
	// The creator is the sender of m.room.create rather than its content's
	// creator key. Room version 11 onwards.
	UseRoomCreateSender bool
	// Room creators outrank every power level and can't be listed in
	// m.room.power_levels. Room version 12 onwards.
	ExplicitlyPrivilegeRoomCreators bool
	// The additional_creators key of m.room.create names more creators.
	// Room version 12 onwards.
	AdditionalRoomCreators bool
	// The room ID is derived from the m.room.create event ID, so the create
	// event has no room_id and is never listed in auth_events. Room version
	// 12 onwards.
	RoomCreateEventIDAsRoomID bool
}

var (
	// RulesV1 applies to room versions 1 and 2.
	RulesV1 = Rules{
		SpecialCaseRoomRedaction: true,
		SpecialCaseRoomAliases:   true,
	}
	// RulesV3 applies to room versions 3 to 5.
	RulesV3 = Rules{
		SpecialCaseRoomAliases: true,
	}
	// RulesV6 applies to room version 6.
	RulesV6 = Rules{
		StrictCanonicalJSON:           true,
		LimitNotificationsPowerLevels: true,
	}
	// RulesV7 applies to room version 7.
	RulesV7 = Rules{
		StrictCanonicalJSON:           true,
		LimitNotificationsPowerLevels: true,
		Knocking:                      true,
	}
	// RulesV8 applies to room versions 8 and 9.
	RulesV8 = Rules{
		StrictCanonicalJSON:           true,
		LimitNotificationsPowerLevels: true,
		Knocking:                      true,
		RestrictedJoinRule:            true,
	}
	// RulesV10 applies to room version 10.
	RulesV10 = Rules{
		StrictCanonicalJSON:           true,
		LimitNotificationsPowerLevels: true,
		Knocking:                      true,
		RestrictedJoinRule:            true,
		KnockRestrictedJoinRule:       true,
		IntegerPowerLevels:            true,
	}
	// RulesV11 applies to room version 11.
	RulesV11 = Rules{
		StrictCanonicalJSON:           true,
		LimitNotificationsPowerLevels: true,
		Knocking:                      true,
		RestrictedJoinRule:            true,
		KnockRestrictedJoinRule:       true,
		IntegerPowerLevels:            true,
		UseRoomCreateSender:           true,
	}
	// RulesV12 applies to room version 12.
	RulesV12 = Rules{
		StrictCanonicalJSON:             true,
		LimitNotificationsPowerLevels:   true,
		Knocking:                        true,
		RestrictedJoinRule:              true,
		KnockRestrictedJoinRule:         true,
		IntegerPowerLevels:              true,
		UseRoomCreateSender:             true,
		ExplicitlyPrivilegeRoomCreators: true,
		AdditionalRoomCreators:          true,
		RoomCreateEventIDAsRoomID:       true,
	}
)
