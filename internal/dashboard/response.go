package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/memhub/console/internal/authprovider"
	apperrors "github.com/memhub/console/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	var (
		reqErr *requestError
		apiErr *authprovider.APIError
	)

	switch {
	case errors.As(err, &reqErr), errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotAuthenticated), errors.Is(err, apperrors.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrRevokeDeclined):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrProviderUnconfigured), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrNetwork), errors.Is(err, apperrors.ErrProtocol),
		errors.Is(err, apperrors.ErrDecode), errors.Is(err, apperrors.ErrStore):
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}
