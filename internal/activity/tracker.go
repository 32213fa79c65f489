// Package activity tracks when local users were last seen.
package activity

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Tracker remembers the last activity of each local user. Users are idle once
// idleAfter passed since their last activity; a user never seen counts from
// the tracker's creation. A zero idleAfter disables idleness.
type Tracker struct {
	idleAfter time.Duration
	now       func() time.Time
	started   time.Time
	seen      *xsync.MapOf[string, time.Time]
}

// NewTracker creates a tracker. now defaults to time.Now.
func NewTracker(idleAfter time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		idleAfter: idleAfter,
		now:       now,
		started:   now(),
		seen:      xsync.NewMapOf[string, time.Time](),
	}
}

// Touch records activity of userID now.
func (t *Tracker) Touch(userID string) {
	t.seen.Store(userID, t.now())
}

// LastSeen returns the last recorded activity of userID.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	return t.seen.Load(userID)
}

// IsActive reports whether userID was active within the idle threshold.
func (t *Tracker) IsActive(userID string) bool {
	if t.idleAfter <= 0 {
		return true
	}
	last, ok := t.seen.Load(userID)
	if !ok {
		last = t.started
	}
	return t.now().Sub(last) < t.idleAfter
}

// Forget drops userID.
func (t *Tracker) Forget(userID string) {
	t.seen.Delete(userID)
}

// Size returns the number of tracked users.
func (t *Tracker) Size() int {
	return t.seen.Size()
}
