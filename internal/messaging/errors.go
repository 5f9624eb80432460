package messaging

import "errors"

var (
	// ErrUnknownRecipient is returned by Send when the recipient is not
	// present in the user registry.
	ErrUnknownRecipient = errors.New("messaging: unknown recipient")

	// ErrInvalidMessage is returned when a message fails schema
	// validation (empty content, missing recipient, and so on).
	ErrInvalidMessage = errors.New("messaging: invalid message")
)
