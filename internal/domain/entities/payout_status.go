package entities

import "fmt"

// PayoutStatus represents the lifecycle state of a payout
type PayoutStatus string

const (
	PayoutStatusCreated              PayoutStatus = "created"                // Request accepted, nothing sent yet
	PayoutStatusDispatching          PayoutStatus = "dispatching"            // Attempt in progress or awaiting retry
	PayoutStatusProviderPending      PayoutStatus = "provider_pending"       // Provider acknowledged the transfer
	PayoutStatusProviderProcessing   PayoutStatus = "provider_processing"    // Provider reports the transfer is moving
	PayoutStatusCompleted            PayoutStatus = "completed"              // Terminal: money delivered
	PayoutStatusFailed               PayoutStatus = "failed"                 // Terminal: funds released
	PayoutStatusRequiresManualReview PayoutStatus = "requires_manual_review" // Terminal: funds held for an operator
)

// ValidPayoutStatuses contains all valid payout statuses
var ValidPayoutStatuses = map[PayoutStatus]bool{
	PayoutStatusCreated:              true,
	PayoutStatusDispatching:          true,
	PayoutStatusProviderPending:      true,
	PayoutStatusProviderProcessing:   true,
	PayoutStatusCompleted:            true,
	PayoutStatusFailed:               true,
	PayoutStatusRequiresManualReview: true,
}

// ValidPayoutTransitions defines allowed status transitions.
// Completed and Failed may only move to manual review when a conflicting signal arrives.
var ValidPayoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusCreated:              {PayoutStatusDispatching, PayoutStatusFailed, PayoutStatusRequiresManualReview},
	PayoutStatusDispatching:          {PayoutStatusProviderPending, PayoutStatusProviderProcessing, PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusRequiresManualReview},
	PayoutStatusProviderPending:      {PayoutStatusProviderProcessing, PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusRequiresManualReview},
	PayoutStatusProviderProcessing:   {PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusRequiresManualReview},
	PayoutStatusCompleted:            {PayoutStatusRequiresManualReview},
	PayoutStatusFailed:               {PayoutStatusRequiresManualReview},
	PayoutStatusRequiresManualReview: {},
}

// IsValid checks if the status is a valid payout status
func (s PayoutStatus) IsValid() bool {
	return ValidPayoutStatuses[s]
}

// CanTransitionTo checks if transition to new status is allowed
func (s PayoutStatus) CanTransitionTo(newStatus PayoutStatus) bool {
	allowed, exists := ValidPayoutTransitions[s]
	if !exists {
		return false
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutStatusCompleted || s == PayoutStatusFailed || s == PayoutStatusRequiresManualReview
}

// IsAwaitingProvider returns true once the provider has acknowledged the transfer
func (s PayoutStatus) IsAwaitingProvider() bool {
	return s == PayoutStatusProviderPending || s == PayoutStatusProviderProcessing
}

// ValidateTransition validates and returns error if transition is invalid
func (s PayoutStatus) ValidateTransition(newStatus PayoutStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid payout status: %s", newStatus)
	}
	if !s.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid status transition from %s to %s", s, newStatus)
	}
	return nil
}

// NormalizedStatus is the provider-independent view of a transfer
type NormalizedStatus string

const (
	NormalizedStatusPending    NormalizedStatus = "pending"
	NormalizedStatusProcessing NormalizedStatus = "processing"
	NormalizedStatusCompleted  NormalizedStatus = "completed"
	NormalizedStatusFailed     NormalizedStatus = "failed"
)

// IsTerminal reports whether the provider considers the transfer finished
func (s NormalizedStatus) IsTerminal() bool {
	return s == NormalizedStatusCompleted || s == NormalizedStatusFailed
}

// AttemptOutcome tracks the result of a single provider attempt
type AttemptOutcome string

const (
	AttemptOutcomeInFlight   AttemptOutcome = "in_flight"
	AttemptOutcomePending    AttemptOutcome = "pending"
	AttemptOutcomeProcessing AttemptOutcome = "processing"
	AttemptOutcomeCompleted  AttemptOutcome = "completed"
	AttemptOutcomeFailed     AttemptOutcome = "failed"
)

// IsTerminal returns true when the attempt will receive no further transitions
func (o AttemptOutcome) IsTerminal() bool {
	return o == AttemptOutcomeCompleted || o == AttemptOutcomeFailed
}

// OutcomeFor maps a normalized provider status onto an attempt outcome
func OutcomeFor(s NormalizedStatus) AttemptOutcome {
	switch s {
	case NormalizedStatusCompleted:
		return AttemptOutcomeCompleted
	case NormalizedStatusFailed:
		return AttemptOutcomeFailed
	case NormalizedStatusProcessing:
		return AttemptOutcomeProcessing
	default:
		return AttemptOutcomePending
	}
}

// SettlementStatus records whether the ledger side effect of a terminal state is outstanding
type SettlementStatus string

const (
	SettlementNone           SettlementStatus = "none"
	SettlementPendingSettle  SettlementStatus = "pending_settle"
	SettlementPendingRelease SettlementStatus = "pending_release"
	SettlementDone           SettlementStatus = "done"
)

// IsPending returns true while a ledger call still has to be made
func (s SettlementStatus) IsPending() bool {
	return s == SettlementPendingSettle || s == SettlementPendingRelease
}
