package gomatrixstateres

import (
	"github.com/matrix-org/gomatrixstateres/eventauth"
	"github.com/matrix-org/gomatrixstateres/spec"
)

// PDU is a read-only view of a room event as used by state resolution.
// Every PDU can be handed to the eventauth package.
type PDU interface {
	eventauth.Event
	StateKeyEquals(s string) bool
	AuthEventIDs() []string
	Depth() int64
	OriginServerTS() spec.Timestamp
	Version() RoomVersion
	Unsigned() []byte
	Hashes() []byte
	Signatures() []byte
	JSON() []byte
}

// ToPDUs converts a slice of concrete PDU implementations to a slice of PDUs.
func ToPDUs[T PDU](events []T) []PDU {
	result := make([]PDU, len(events))
	for i := range events {
		result[i] = events[i]
	}
	return result
}
