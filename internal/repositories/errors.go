package repositories

import "errors"

// Common repository errors
var (
	ErrNotFound            = errors.New("record not found")
	ErrConcurrencyConflict = errors.New("version check failed, aggregate was modified concurrently")
	ErrDuplicatePayment    = errors.New("payment record already exists")
)
