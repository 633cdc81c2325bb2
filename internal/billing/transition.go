package billing

import (
	"database/sql"
	"errors"
)

var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrPrincipalNotFound = errors.New("billing principal not found")
	ErrNoSubscription    = errors.New("no subscription on record")
)

// TransitionKind is the closed set of domain transitions the provider's event
// taxonomy reduces to. Unrecognized is a first-class member: providers grow
// new event types over time and those must ack cleanly, never error.
type TransitionKind int

const (
	TransitionUnrecognized TransitionKind = iota
	TransitionActivate
	TransitionSync
	TransitionDeactivate
	TransitionMarkDelinquent
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionActivate:
		return "activate"
	case TransitionSync:
		return "sync"
	case TransitionDeactivate:
		return "deactivate"
	case TransitionMarkDelinquent:
		return "mark_delinquent"
	default:
		return "unrecognized"
	}
}

// Transition carries everything the reconciliation engine needs to move one
// principal's billing state. ExpiresAt is optional: an invalid NullTime means
// the event did not carry a period end and the stored one is kept.
type Transition struct {
	Kind              TransitionKind
	CustomerID        string
	SubscriptionID    string
	Status            string
	ExpiresAt         sql.NullTime
	CancelAtPeriodEnd bool

	// UserHint is the principal id the provider echoes back from checkout
	// (client_reference_id / metadata), used before any ref lookup.
	UserHint string
}

// Outcome distinguishes a transition that changed state from one the engine
// detected as already applied. Both are success from the provider's view.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeAlreadyApplied
)

func (o Outcome) String() string {
	if o == OutcomeAlreadyApplied {
		return "already_applied"
	}
	return "applied"
}
