package errors

import "errors"

// Client errors.
var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrValidation           = errors.New("validation failed")
	ErrKeyNotFound          = errors.New("api key not found")
	ErrRevokeDeclined       = errors.New("revoke not confirmed")
	ErrProviderUnconfigured = errors.New("auth provider is not configured")
)

// Server/transport errors.
var (
	ErrNetwork  = errors.New("network request failed")
	ErrProtocol = errors.New("unexpected HTTP status")
	ErrDecode   = errors.New("response is not valid JSON")
	ErrStore    = errors.New("key store operation failed")
)
