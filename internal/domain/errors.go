package domain

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrEventNotFound        = errors.New("processed event not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrVersionConflict      = errors.New("version conflict")
	ErrAlreadyCredited      = errors.New("invoice already credited")
	ErrAlreadyDebited       = errors.New("debit already applied")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateEvent       = errors.New("event already processed")
	ErrStateConflict        = errors.New("state conflict")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidEvent         = errors.New("invalid payment event")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrUnsupportedAsset     = errors.New("unsupported asset")
	ErrAccountBanned        = errors.New("account banned")
	ErrTransient            = errors.New("transient store failure")
	ErrRetriesExhausted     = errors.New("retries exhausted")
	ErrPaymentsDisabled     = errors.New("payments disabled")
	ErrConnection           = errors.New("connection failure")
	ErrCredentialRevoked    = errors.New("credential revoked")
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	ErrAllFailed            = errors.New("all connections failed")
)

// IsRetryable reports whether err is worth another attempt of the same operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrVersionConflict)
}
