// Package account models the provisioning lifecycle of a ledger-backed user
// account: its ordered states, the transition rules between them, the error
// taxonomy for provisioning failures and the ports the lifecycle depends on.
package account

import "fmt"

// State represents where an account is in its provisioning journey.
type State string

const (
	// StateRequireCreation indicates the backend has not yet been asked to create the account.
	StateRequireCreation State = "REQUIRE_CREATION"

	// StatePendingCreation indicates creation was requested and the ledger has not confirmed it.
	StatePendingCreation State = "PENDING_CREATION"

	// StateRequireTrustline indicates the account exists on the ledger but cannot hold the asset yet.
	StateRequireTrustline State = "REQUIRE_TRUSTLINE"

	// StateCreationCompleted indicates the account is fully provisioned.
	StateCreationCompleted State = "CREATION_COMPLETED"

	// StateError indicates the last provisioning attempt failed. It is never persisted.
	StateError State = "ERROR"
)

// rank is the total order over the non-error states. StateError is
// deliberately absent: it is unordered with respect to every other state.
var rank = map[State]int{
	StateRequireCreation:   0,
	StatePendingCreation:   1,
	StateRequireTrustline:  2,
	StateCreationCompleted: 3,
}

func (s State) String() string { return string(s) }

// IsKnown reports whether s is one of the defined states.
func (s State) IsKnown() bool {
	_, ordered := rank[s]
	return ordered || s == StateError
}

// Compare orders two non-error states. It returns -1, 0 or +1 and ok=false
// when either side is StateError or unknown, since those have no position
// in the order.
func Compare(a, b State) (cmp int, ok bool) {
	ra, okA := rank[a]
	rb, okB := rank[b]
	if !okA || !okB {
		return 0, false
	}
	switch {
	case ra < rb:
		return -1, true
	case ra > rb:
		return 1, true
	default:
		return 0, true
	}
}

// ValidTransition reports whether moving from cur to target is allowed.
//
// Any state may enter or leave StateError. Otherwise the lifecycle only
// moves forward (or re-applies the same state), with a single exception:
// a completed account may restart at StateRequireCreation, which happens
// when the user switches to a restored wallet that still needs provisioning.
func ValidTransition(cur, target State) bool {
	if target == StateError || cur == StateError {
		return true
	}
	if cur == StateCreationCompleted && target == StateRequireCreation {
		return true
	}
	cmp, ok := Compare(target, cur)
	return ok && cmp >= 0
}

// ValidateTransition returns a ConsistencyError when the transition is not allowed.
func (s State) ValidateTransition(target State) error {
	if !ValidTransition(s, target) {
		return &ConsistencyError{From: s, To: target}
	}
	return nil
}

// Int32 returns the numeric code used when persisting the state.
// StateError has no durable encoding and maps to -1.
func (s State) Int32() int32 {
	if r, ok := rank[s]; ok {
		return int32(r)
	}
	return -1
}

// StateFromInt32 decodes a persisted state code.
func StateFromInt32(i int32) (State, error) {
	for s, r := range rank {
		if int32(r) == i {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown persisted account state %d", i)
}

// ParseState converts a string to a State. Unknown input yields "".
func ParseState(s string) State {
	switch State(s) {
	case StateRequireCreation, StatePendingCreation, StateRequireTrustline, StateCreationCompleted, StateError:
		return State(s)
	default:
		return ""
	}
}
