package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itms-markshaw/callbridge/internal/media"
)

// ErrStrategyUnavailable means every strategy in the fallback chain failed
// to set the call up.
var ErrStrategyUnavailable = errors.New("no call strategy available")

// ErrNoActiveCall is returned by mutations that need a live session.
var ErrNoActiveCall = errors.New("no active call")

// runner is one call-implementation tier. The Manager tries runners in
// order and falls back to the next tier when one fails during setup, so a
// call that can at least ring the other party beats no call at all.
//
// start and answer run under the Manager's mutation lock; they fill in the
// session's CallID, Registry and stop handle on success and must release
// everything they acquired on failure.
type runner interface {
	strategy() media.Strategy
	start(ctx context.Context, s *Session) error
	answer(ctx context.Context, s *Session, inv *Invitation) error
}

// newCallID derives the local call identifier from the registry record id.
// Invitation-derived ids ("rtc-<id>") are kept as-is by answer paths.
func newCallID(tag string, registryID int64) string {
	return fmt.Sprintf("%s-%d-%d", tag, registryID, time.Now().Unix())
}
