package orchestrator

import "errors"

var (
	// ErrNotLoggedIn is returned when an operation needs an identity.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrPushCanceled is returned to push waiters whose scheduled push was
	// dropped by a logout or a snapshot reset.
	ErrPushCanceled = errors.New("push canceled")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")

	// ErrRecordNotFound is returned when a mutation targets an unknown or
	// deleted record.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateBarcode is returned when a live product in the same
	// warehouse already carries the barcode.
	ErrDuplicateBarcode = errors.New("duplicate barcode")

	// ErrUnknownWarehouse is returned when a product references a warehouse
	// that does not exist or is deleted.
	ErrUnknownWarehouse = errors.New("unknown warehouse")
)
