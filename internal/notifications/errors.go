package notifications

import (
	"context"
	"errors"
)

// Repository errors.
var (
	ErrQueueItemNotFound       = errors.New("queue item not found")
	ErrQueueItemNotCancellable = errors.New("queue item is not pending")
	ErrQueueItemNotClaimed     = errors.New("queue item is not in processing state")
	ErrClaimExpired            = errors.New("processing claim expired before delivery finished")
)

// Delivery errors. These never succeed on retry.
var (
	ErrMissingRecipient     = errors.New("payload has no recipient address")
	ErrMissingRecipientUser = errors.New("recipient user is required for this channel")
	ErrTemplateNotFound     = errors.New("no template for event type")
	ErrTemplateRender       = errors.New("template render failed")
	ErrUnknownEventType     = errors.New("unknown event type")
	ErrUnknownChannel       = errors.New("unknown channel")
	ErrInvalidPayload       = errors.New("invalid payload")
)

var permanentErrors = []error{
	ErrMissingRecipient,
	ErrMissingRecipientUser,
	ErrTemplateNotFound,
	ErrTemplateRender,
	ErrUnknownEventType,
	ErrUnknownChannel,
	ErrInvalidPayload,
}

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, perm := range permanentErrors {
		if errors.Is(err, perm) {
			return false
		}
	}

	// Default: retry unknown errors
	return true
}
