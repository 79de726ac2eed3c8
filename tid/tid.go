package tid

import "github.com/bluesky-social/indigo/atproto/syntax"

var clock = syntax.NewTIDClock(0)

// TID returns a sortable, monotonically increasing record key.
func TID() string {
	return clock.Next().String()
}
