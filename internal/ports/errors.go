package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Registry Errors
	ErrDuplicatePending = errors.New("identical pending trade already exists")

	// Gateway Errors
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrPositionNotFound     = errors.New("position not found among live broker positions")

	// Database Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)
