package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type credentialsRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type createKeyRequest struct {
	Name       string `json:"name" validate:"max=100"`
	Expiration string `json:"expiration" validate:"omitempty,max=32"`
	Copy       bool   `json:"copy"`
}

type renameKeyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type revokeKeyRequest struct {
	ConfirmName string `json:"confirm_name" validate:"required"`
}

// requestError is a malformed or invalid request body.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &requestError{msg: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &requestError{msg: describe(verrs)}
		}

		return &requestError{msg: err.Error()}
	}

	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))

	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())

		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "max":
			parts = append(parts, field+" must be at most "+fe.Param()+" characters")
		default:
			parts = append(parts, field+" is invalid")
		}
	}

	return strings.Join(parts, "; ")
}
