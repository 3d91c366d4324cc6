package authprovider

import (
	"sync"

	"github.com/memhub/console/internal/models"
)

// SessionStorage persists the current session. *state.State implements it
// for on-disk persistence.
type SessionStorage interface {
	Session() (*models.Session, error)
	SetSession(sess *models.Session) error
	ClearSession() error
}

// MemoryStorage keeps the session in process memory only.
type MemoryStorage struct {
	mu   sync.Mutex
	sess *models.Session
}

func (m *MemoryStorage) Session() (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return nil, nil
	}

	cp := *m.sess

	return &cp, nil
}

func (m *MemoryStorage) SetSession(sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess == nil {
		m.sess = nil
		return nil
	}

	cp := *sess
	m.sess = &cp

	return nil
}

func (m *MemoryStorage) ClearSession() error {
	return m.SetSession(nil)
}
