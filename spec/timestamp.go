package spec

import "time"

// A Timestamp is a millisecond posix timestamp, as found in origin_server_ts.
type Timestamp uint64

// AsTimestamp turns a time.Time into a millisecond posix timestamp.
func AsTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Millisecond))
}

// Time turns a millisecond posix timestamp into a UTC time.Time
func (s Timestamp) Time() time.Time {
	return time.Unix(0, int64(s)*int64(time.Millisecond)).UTC()
}
