package alert

import "errors"

var (
	// ErrNotFound is returned when a rule or alert ID is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for an illegal lifecycle move. State is left untouched.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidRule is returned when a rule violates its invariants.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrRuleInUse is returned when deleting a rule that open alerts still reference.
	ErrRuleInUse = errors.New("rule referenced by open alerts")
)
