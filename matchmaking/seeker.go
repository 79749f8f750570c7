package matchmaking

import (
	"time"

	"github.com/alejzeis/bindstone-netplay/common"
)

// Seeker is one request to be matched in a queue. The queue never owns the requesting connection,
// it refers to it by handle and asks its Validator whether the request is still wanted.
type Seeker struct {
	ID       uint64
	Handle   common.Handle
	Identity string
	Queue    string
	Rating   Rating
	Wait     time.Duration

	matching bool
}

// Matching reports whether the seeker has been paired in the current pass
func (s *Seeker) Matching() bool {
	return s.matching
}

// Validator reports whether a seeker is still live: its connection exists and still wants this request
type Validator func(s *Seeker) bool

// Pair is two seekers matched in one pass
type Pair struct {
	Queue string
	Left  *Seeker
	Right *Seeker
}
