// Package friends tracks the relationship between the local user and
// each peer, and gates message composition on it.
package friends

import (
	"fmt"
	"slices"

	"github.com/rmonteiro98/papo/internal/backend"
)

// State is the local user's view of a relationship with one peer.
type State string

const (
	None            State = "NONE"
	PendingOutgoing State = "PENDING_OUTGOING" // I requested, awaiting them
	PendingIncoming State = "PENDING_INCOMING" // they requested, awaiting me
	Accepted        State = "ACCEPTED"
	Blocked         State = "BLOCKED"
)

// validTransitions defines the allowed relationship transitions.
// Declined and cancelled requests collapse back to None; a blocked pair
// only leaves Blocked via unblock.
var validTransitions = map[State][]State{
	None:            {PendingOutgoing, PendingIncoming, Blocked},
	PendingOutgoing: {Accepted, None, Blocked},
	PendingIncoming: {Accepted, None, Blocked},
	Accepted:        {Blocked, None},
	Blocked:         {None},
}

// CanTransition reports whether moving from one state to another is
// allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// checkTransition returns a descriptive error for a forbidden move.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid friendship transition from %s to %s", from, to)
	}
	return nil
}

// FromRecord maps a backend friendship record to the local user's view
// of it. Declined records read as None.
func FromRecord(selfID string, f backend.Friendship) State {
	switch f.Status {
	case backend.StatusAccepted:
		return Accepted
	case backend.StatusBlocked:
		return Blocked
	case backend.StatusPending:
		if f.RequesterID == selfID {
			return PendingOutgoing
		}
		return PendingIncoming
	default:
		return None
	}
}

// CanMessage reports whether composition is permitted in the given
// state: only accepted friendships, never when either side blocked.
func CanMessage(s State) bool {
	return s == Accepted
}
