package common

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Invariants reports internal consistency violations. In development they panic, in production
// they are logged and the caller carries on with an idempotent no-op.
type Invariants struct {
	Strict bool
}

// Violated reports a broken invariant and returns true so callers can bail out
func (i Invariants) Violated(format string, args ...interface{}) bool {
	message := fmt.Sprintf(format, args...)
	if i.Strict {
		panic("invariant violated: " + message)
	}
	log.WithField("invariant", message).Error("Internal invariant violated, ignoring")
	return true
}

// Check reports a violation when ok is false
func (i Invariants) Check(ok bool, format string, args ...interface{}) bool {
	if ok {
		return false
	}
	return i.Violated(format, args...)
}
