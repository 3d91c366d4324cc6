// Package keystore reads and edits the managed key table, either through
// the provider's REST interface or directly in a SQL database.
package keystore

import (
	"context"
	"fmt"

	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/models"
)

// DefaultTable is the key table name used by the hosted backend.
const DefaultTable = "User_API_Keys_manager"

// Store is the key table. Every call is scoped to the owning user.
type Store interface {
	// List returns the user's keys, newest first.
	List(ctx context.Context, userID string) ([]models.KeyRecord, error)
	// Rename sets the display name of one key. It returns ErrKeyNotFound
	// when no row matches both the key and the owner.
	Rename(ctx context.Context, keyID, userID, name string) error
	// Delete removes one key. Deleting a key that does not exist is not
	// an error.
	Delete(ctx context.Context, keyID, userID string) error
}

// StoreError is a failed key table operation. Message is the backend's
// description of the failure.
type StoreError struct {
	Op      string
	Status  int
	Message string
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s keys: %d: %s", e.Op, e.Status, e.Message)
	}

	return fmt.Sprintf("%s keys: %s", e.Op, e.Message)
}

func (e *StoreError) Unwrap() error { return apperrors.ErrStore }
