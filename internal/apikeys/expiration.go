package apikeys

import (
	"fmt"
	"strings"

	apperrors "github.com/memhub/console/internal/errors"
)

// Expiration is a key lifetime choice, named by its display form.
type Expiration string

const (
	Expire24Hours Expiration = "24 Hours"
	Expire7Days   Expiration = "7 Days"
	Expire30Days  Expiration = "30 Days"
	Expire6Months Expiration = "6 Months"
	Expire1Year   Expiration = "1 Year"
	ExpireNever   Expiration = "Never"

	// DefaultExpiration is preselected for new keys.
	DefaultExpiration = Expire1Year
)

// canonical maps display forms to the values the issuance endpoint expects.
var canonical = map[Expiration]string{
	Expire24Hours: "24 hours",
	Expire7Days:   "7 days",
	Expire30Days:  "30 days",
	Expire6Months: "6 months",
	Expire1Year:   "1 year",
	ExpireNever:   "Never",
}

// Expirations lists the choices in display order.
func Expirations() []Expiration {
	return []Expiration{Expire1Year, Expire6Months, Expire30Days, Expire7Days, Expire24Hours, ExpireNever}
}

// Canonical returns the wire form sent to the issuance endpoint.
func (e Expiration) Canonical() string {
	return canonical[e]
}

// Valid reports whether e is one of the known choices.
func (e Expiration) Valid() bool {
	_, ok := canonical[e]
	return ok
}

// ParseExpiration accepts a display or wire form in any case. An empty
// string selects the default.
func ParseExpiration(s string) (Expiration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultExpiration, nil
	}

	for e, wire := range canonical {
		if strings.EqualFold(s, string(e)) || strings.EqualFold(s, wire) {
			return e, nil
		}
	}

	return "", &ValidationError{Message: fmt.Sprintf("Unknown expiration %q", s)}
}

// ValidationError is an input problem detected before any network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return apperrors.ErrValidation }
