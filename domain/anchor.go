package domain

import (
	"fmt"
	"time"
)

// AnchorStatus is the reconciliation state of one (document, network) anchor.
type AnchorStatus string

const (
	AnchorNone      AnchorStatus = "none"
	AnchorPending   AnchorStatus = "pending"
	AnchorConfirmed AnchorStatus = "confirmed"
	AnchorFailed    AnchorStatus = "failed"
	AnchorTimeout   AnchorStatus = "timeout"
	AnchorCancelled AnchorStatus = "cancelled"
)

// IsTerminal reports whether no outcome event can change the status anymore.
func (s AnchorStatus) IsTerminal() bool {
	switch s {
	case AnchorConfirmed, AnchorFailed, AnchorTimeout, AnchorCancelled:
		return true
	}
	return false
}

// AnchorRecord is the materialized anchor state for one network.
type AnchorRecord struct {
	Network       string       `json:"network"`
	Status        AnchorStatus `json:"status"`
	Reference     string       `json:"reference,omitempty"`
	SubmittedAt   *time.Time   `json:"submitted_at,omitempty"`
	ConfirmedAt   *time.Time   `json:"confirmed_at,omitempty"`
	Confirmations int          `json:"confirmations,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	LateArrivals  int          `json:"late_arrivals,omitempty"`
}

// AnchorRules supplies the per-network parameters the state machine needs.
type AnchorRules interface {
	Supports(network string) bool
	RequiredConfirmations(network string) int
	BlocksDownload(network string) bool
}

// NextAnchorStatus applies an anchor event kind to the current status.
//
// late is true when an outcome (confirmed, failed, timeout) arrives after the
// anchor already reached a terminal status; the event is still recorded but
// next equals current. Cancellation is a deliberate user action, so it is
// rejected rather than treated as late once the anchor is final, with the one
// exception of acknowledging a timed-out anchor.
func NextAnchorStatus(current AnchorStatus, kind string, confirmations, required int) (next AnchorStatus, late bool, err error) {
	if current == "" {
		current = AnchorNone
	}

	switch kind {
	case KindAnchorSubmitted:
		if current == AnchorNone {
			return AnchorPending, false, nil
		}

	case KindAnchorConfirmed:
		if current.IsTerminal() {
			return current, true, nil
		}
		if current == AnchorPending {
			if confirmations < required {
				return current, false, fmt.Errorf("%w: %d confirmations below required depth %d",
					ErrInvalidStateTransition, confirmations, required)
			}
			return AnchorConfirmed, false, nil
		}

	case KindAnchorFailed:
		if current.IsTerminal() {
			return current, true, nil
		}
		// A submission that never reached the network fails from none.
		return AnchorFailed, false, nil

	case KindAnchorTimeout:
		if current.IsTerminal() {
			return current, true, nil
		}
		if current == AnchorPending {
			return AnchorTimeout, false, nil
		}

	case KindAnchorCancelled:
		if current == AnchorPending || current == AnchorTimeout {
			return AnchorCancelled, false, nil
		}

	default:
		return current, false, fmt.Errorf("%w: %q is not an anchor event", ErrValidation, kind)
	}

	return current, false, fmt.Errorf("%w: %s not allowed from %s", ErrInvalidStateTransition, kind, current)
}
