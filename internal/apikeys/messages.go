package apikeys

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/memhub/console/internal/authprovider"
	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/issuer"
	"github.com/memhub/console/internal/keystore"
)

const (
	msgNotAuthenticated = "Not authenticated"
	msgEmptyName        = "Name cannot be empty"
	msgKeyNotFound      = "API key not found"
	msgEmptyResponse    = "Backend returned empty response, please check if the backend service is running properly"
	msgBadResponse      = "Backend returned an invalid response"
	msgUnreachable      = "Unable to connect to backend service"
	msgCrossOrigin      = "Cross-origin request blocked"
	msgEndpointMissing  = "API endpoint not found"
	msgValidationPrefix = "Request data validation failed: "
	msgCancelled        = "Request cancelled"
	msgUnconfigured     = "Auth provider is not configured"
	msgCreateFailed     = "Failed to create API Key"
)

// UserMessage turns a manager error into a short message for the user.
// Technical detail stays in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		validationErr *ValidationError
		decodeErr     *issuer.DecodeError
		protocolErr   *issuer.ProtocolError
		storeErr      *keystore.StoreError
		authErr       *authprovider.APIError
	)

	switch {
	case errors.As(err, &validationErr):
		return validationErr.Message
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return msgCancelled
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		return msgNotAuthenticated
	case errors.Is(err, apperrors.ErrProviderUnconfigured):
		return msgUnconfigured
	case errors.Is(err, apperrors.ErrKeyNotFound):
		return msgKeyNotFound
	case errors.As(err, &decodeErr):
		if decodeErr.Empty() {
			return msgEmptyResponse
		}

		return decodeErr.Error()
	case errors.Is(err, apperrors.ErrDecode):
		return msgBadResponse
	case errors.Is(err, apperrors.ErrNetwork):
		return msgUnreachable
	case errors.As(err, &protocolErr):
		return issuerMessage(protocolErr)
	case errors.As(err, &storeErr):
		return storeErr.Message
	case errors.As(err, &authErr):
		return authErr.Message
	}

	if msg := err.Error(); msg != "" {
		return msg
	}

	return msgCreateFailed
}

func issuerMessage(e *issuer.ProtocolError) string {
	msg := e.Message

	switch {
	case strings.Contains(msg, "CORS"):
		return msgCrossOrigin
	case e.Status == http.StatusNotFound || strings.Contains(msg, "404"):
		return msgEndpointMissing
	case e.Status == http.StatusUnprocessableEntity || strings.Contains(msg, "422"):
		return msgValidationPrefix + msg
	}

	if msg == "" {
		return msgCreateFailed
	}

	return msg
}
