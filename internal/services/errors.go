package services

import "errors"

var (
	// ErrDuplicateSubmission signals the submission token was already consumed or never issued.
	ErrDuplicateSubmission = errors.New("order: duplicate submission")
	// ErrEmptySelection signals a submission without items.
	ErrEmptySelection = errors.New("order: empty selection")
	// ErrPriceStale signals the expected total no longer matches live prices.
	ErrPriceStale = errors.New("order: price stale")
	// ErrInsufficientStock signals the inventory reservation was refused.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrInvalidStateTransition signals the order is not in the state the operation requires.
	ErrInvalidStateTransition = errors.New("order: invalid state transition")
	// ErrOrderNotFound signals the order does not exist or belongs to another member.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrUpstreamUnavailable signals a collaborator failed.
	ErrUpstreamUnavailable = errors.New("order: upstream unavailable")
	// ErrOrderInvalidInput signals a malformed command.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrSKUNotFound signals the catalog has no such SKU.
	ErrSKUNotFound = errors.New("order: sku not found")
)
