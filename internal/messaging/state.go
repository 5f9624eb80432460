package messaging

import (
	"fmt"
	"log/slog"
)

// ValidTransitions defines the allowed status transitions for a message.
// Key is the current status, value is the set of valid next statuses.
// failed is reachable from any non-terminal status but never entered by
// a timeout — only by an explicit fatal error — and nothing leaves it.
var ValidTransitions = map[Status][]Status{
	StatusSent: {
		StatusPending,
		StatusFailed,
	},
	StatusPending: {
		StatusDelivered,
		StatusFailed,
	},
	StatusDelivered: {
		StatusRead,
		StatusFailed,
	},
	StatusRead:   {},
	StatusFailed: {},
}

// IsTerminal reports whether status has no valid outgoing transitions.
func IsTerminal(status Status) bool {
	switch status {
	case StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition checks if a transition from one status to another is
// valid per ValidTransitions.
func CanTransition(from, to Status) bool {
	targets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid status transition attempt. The
// send/ack/mark-as-read paths treat this as non-fatal: it is logged and
// the caller moves on rather than failing the whole operation.
type TransitionError struct {
	MessageID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid message status transition: %s -> %s (message: %s)", e.From, e.To, e.MessageID)
}

// LogTransition logs a status transition for audit purposes.
func LogTransition(log *slog.Logger, messageID string, from, to Status) {
	log.Info("message status transition", "messageId", messageID, "from", from, "to", to)
}

// ValidateAndLogTransition validates a transition and logs it if valid.
// Returns a *TransitionError if the transition is invalid.
func ValidateAndLogTransition(log *slog.Logger, messageID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{MessageID: messageID, From: from, To: to}
	}
	LogTransition(log, messageID, from, to)
	return nil
}
