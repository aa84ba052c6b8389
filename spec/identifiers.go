package spec

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	userSigil            = '@'
	roomSigil            = '!'
	eventSigil           = '$'
	localDomainSeparator = ':'
)

var validUsernameRegex = regexp.MustCompile(`^[0-9a-z_\-=./]+$`)

// A UserID identifies a matrix user as per the matrix specification
type UserID struct {
	raw    string
	local  string
	domain ServerName
}

// NewUserID parses a user ID. Historical user IDs permit any printable
// ASCII in the localpart, which is what authorization needs since old rooms
// contain them.
func NewUserID(id string, allowHistoricalIDs bool) (*UserID, error) {
	if l := len(id); l < 4 || l > 255 {
		return nil, fmt.Errorf("length %d is not within the bounds 4-255", l)
	}
	local, domain, err := splitID(userSigil, id)
	if err != nil {
		return nil, err
	}
	if allowHistoricalIDs {
		for _, r := range local {
			if r < 0x21 || r == localDomainSeparator || r > 0x7E {
				return nil, fmt.Errorf("local part contains invalid characters from historical set")
			}
		}
	} else if !validUsernameRegex.MatchString(local) {
		return nil, fmt.Errorf("local part contains invalid characters")
	}
	return &UserID{raw: id, local: local, domain: domain}, nil
}

func (u *UserID) String() string     { return u.raw }
func (u *UserID) Local() string      { return u.local }
func (u *UserID) Domain() ServerName { return u.domain }

// A RoomID identifies a matrix room. The opaque part is unrestricted.
// https://spec.matrix.org/v1.8/appendices/#room-ids
type RoomID struct {
	raw      string
	opaqueID string
	domain   ServerName
}

func NewRoomID(id string) (*RoomID, error) {
	opaque, domain, err := splitID(roomSigil, id)
	if err != nil {
		return nil, err
	}
	return &RoomID{raw: id, opaqueID: opaque, domain: domain}, nil
}

func (r RoomID) String() string     { return r.raw }
func (r RoomID) OpaqueID() string   { return r.opaqueID }
func (r RoomID) Domain() ServerName { return r.domain }

// RoomIDFromCreateEventID returns the ID of the room created by the given
// m.room.create event, for room versions where the two share an opaque
// part: "$abc" names room "!abc".
func RoomIDFromCreateEventID(eventID string) (string, bool) {
	if len(eventID) < 2 || eventID[0] != eventSigil {
		return "", false
	}
	return string(roomSigil) + eventID[1:], true
}

// CreateEventIDFromRoomID is the inverse of RoomIDFromCreateEventID.
func CreateEventIDFromRoomID(roomID string) (string, bool) {
	if len(roomID) < 2 || roomID[0] != roomSigil {
		return "", false
	}
	return string(eventSigil) + roomID[1:], true
}

// DomainFromID returns everything after the first ':' of a sigil-prefixed
// identifier. Room versions 3 and later have event IDs without a domain, in
// which case ok is false.
func DomainFromID(id string) (domain ServerName, ok bool) {
	_, d, found := strings.Cut(id, string(localDomainSeparator))
	if !found || d == "" {
		return "", false
	}
	return ServerName(d), true
}

// IsEventIDWithDomain reports whether an event ID has the room version 1 and
// 2 shape, "$opaque:domain".
func IsEventIDWithDomain(id string) bool {
	_, _, err := splitID(eventSigil, id)
	return err == nil
}

func splitID(sigil byte, id string) (local string, domain ServerName, err error) {
	if len(id) == 0 || id[0] != sigil {
		return "", "", fmt.Errorf("first character is not '%c'", sigil)
	}
	local, d, found := strings.Cut(id[1:], string(localDomainSeparator))
	if !found {
		return "", "", fmt.Errorf("at least one '%c' is expected in %q", localDomainSeparator, id)
	}
	if local == "" {
		return "", "", fmt.Errorf("empty local part in %q", id)
	}
	if _, _, ok := ParseAndValidateServerName(ServerName(d)); !ok {
		return "", "", fmt.Errorf("domain is invalid")
	}
	return local, ServerName(d), nil
}
