package ledger

import (
	"fmt"
	"strings"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusRefunded},
	StatusFailed:     {},
	StatusRefunded:   {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no provider-driven transition is expected from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns noop=true when the transaction is already in to.
func checkTransition(from, to Status) (noop bool, err error) {
	if !to.Valid() {
		return false, apperrors.New(apperrors.KindInvalidTransition, "ledger.Transition", fmt.Sprintf("unknown status %q", to))
	}
	if from == to {
		return true, nil
	}
	if !CanTransition(from, to) {
		return false, apperrors.New(apperrors.KindInvalidTransition, "ledger.Transition", fmt.Sprintf("%s -> %s is not allowed", from, to))
	}
	return false, nil
}

// PathFor returns the statuses to walk from current to reach the provider-reported
// status ("pending", "processing", "completed", "failed" or "refunded"). A settlement
// seen while still PENDING passes through PROCESSING; progress reports never move
// a transaction backwards.
func PathFor(current Status, reported string) []Status {
	switch strings.ToLower(reported) {
	case "pending", "processing":
		if current == StatusPending {
			return []Status{StatusProcessing}
		}
	case "completed":
		return settle(current, StatusCompleted)
	case "failed":
		return settle(current, StatusFailed)
	case "refunded":
		return []Status{StatusRefunded}
	}
	return nil
}

func settle(current, to Status) []Status {
	if current == StatusPending {
		return []Status{StatusProcessing, to}
	}
	return []Status{to}
}
