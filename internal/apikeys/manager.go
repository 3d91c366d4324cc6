// Package apikeys manages the signed-in user's API keys: listing, minting
// through the issuance endpoint, renaming and revoking through the key
// store, and the presentation state that goes with each operation.
package apikeys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/issuer"
	"github.com/memhub/console/internal/keystore"
	"github.com/memhub/console/internal/metrics"
	"github.com/memhub/console/internal/models"
)

//go:generate mockgen -destination=mock_deps_test.go -package=apikeys . Identity,Issuer
//go:generate mockgen -destination=mock_store_test.go -package=apikeys github.com/memhub/console/internal/keystore Store

// refLen is the number of hex characters of a key reference.
const refLen = 16

// Identity resolves the signed-in user from the auth provider.
type Identity interface {
	GetUser(ctx context.Context) (*models.User, error)
}

// Issuer mints new keys.
type Issuer interface {
	Issue(ctx context.Context, req issuer.Request) (*issuer.Response, error)
}

// Cache keeps the last good listing per user. *state.State implements it.
type Cache interface {
	SaveKeyListing(listing models.KeyListing) error
	KeyListing(userID string) (*models.KeyListing, error)
	DeleteKeyListing(userID string) error
}

// Confirmer asks the user to confirm a revocation.
type Confirmer interface {
	Confirm(ctx context.Context, key models.KeyView) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, key models.KeyView) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, key models.KeyView) (bool, error) {
	return f(ctx, key)
}

// AlwaysConfirm approves every revocation.
var AlwaysConfirm = ConfirmFunc(func(context.Context, models.KeyView) (bool, error) { return true, nil })

// ConfirmPrompt is the revocation question shown for a key.
func ConfirmPrompt(key models.KeyView) string {
	return "Confirm to revoke this Key?\n" + key.Name
}

// Snapshot is a copy of the manager's presentation state.
type Snapshot struct {
	UserID      string           `json:"user_id,omitempty"`
	Keys        []models.KeyView `json:"keys"`
	Loaded      bool             `json:"loaded"`
	Stale       bool             `json:"stale"`
	Loading     bool             `json:"loading"`
	LoadError   string           `json:"load_error,omitempty"`
	Creating    bool             `json:"creating"`
	CreateError string           `json:"create_error,omitempty"`
	SavingEdit  bool             `json:"saving_edit"`
	EditError   string           `json:"edit_error,omitempty"`
	RevokingRef string           `json:"revoking_id,omitempty"`
	RevokeError string           `json:"revoke_error,omitempty"`
}

// entry is one key in the managed list. id is the row identifier (the
// secret itself) and never leaves the manager.
type entry struct {
	id   string
	view models.KeyView
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache stores each successful listing and falls back to it when a
// load fails before anything has been loaded.
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithLocation sets the time zone timestamps are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) { m.loc = loc }
}

// WithNameGenerator replaces RandomName for keys created without a name.
func WithNameGenerator(fn func() string) Option {
	return func(m *Manager) { m.names = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the key list of the signed-in user. Network calls run
// without holding the lock; operations are not serialized against each
// other, so concurrent writes to one key race at the store.
type Manager struct {
	identity Identity
	issuer   Issuer
	store    keystore.Store
	cache    Cache
	logger   *slog.Logger
	loc      *time.Location
	names    func() string
	now      func() time.Time

	// ctx is cancelled by Close, which aborts in-flight operations.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	userID  string
	entries []entry
	state   Snapshot
}

// NewManager creates a manager. Call List to load the keys.
func NewManager(identity Identity, iss Issuer, store keystore.Store, logger *slog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		identity: identity,
		issuer:   iss,
		store:    store,
		logger:   logger.With(slog.String("component", "apikeys")),
		loc:      time.Local,
		names:    RandomName,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Close cancels in-flight operations. Results that arrive afterwards are
// discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.cancel()
}

// opContext derives a context that ends when either parent or the manager
// is done.
func (m *Manager) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(m.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// update applies fn to the state unless the manager is closed. It reports
// whether fn ran.
func (m *Manager) update(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	fn()

	return true
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	s.UserID = m.userID
	s.Keys = make([]models.KeyView, len(m.entries))

	for i, e := range m.entries {
		s.Keys[i] = e.view
	}

	return s
}

// Keys returns a copy of the current key list.
func (m *Manager) Keys() []models.KeyView {
	return m.Snapshot().Keys
}

// Find returns the key with the given reference.
func (m *Manager) Find(ref string) (models.KeyView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexOfRef(ref); i >= 0 {
		return m.entries[i].view, true
	}

	return models.KeyView{}, false
}

func (m *Manager) indexOfRef(ref string) int {
	for i, e := range m.entries {
		if e.view.Ref == ref {
			return i
		}
	}

	return -1
}

func (m *Manager) indexOfID(id string) int {
	for i, e := range m.entries {
		if e.id != "" && e.id == id {
			return i
		}
	}

	return -1
}

// entryFor returns the addressable entry for ref and whether the list
// came from a successful load.
func (m *Manager) entryFor(ref string) (entry, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.state.Loaded && !m.state.Stale

	i := m.indexOfRef(ref)
	if i < 0 || m.entries[i].id == "" {
		return entry{}, false, live
	}

	return m.entries[i], true, live
}

// lookup resolves ref for a write. Refs are stable across processes, so
// when the list was never loaded (or only the cache was) it is loaded
// once before giving up.
func (m *Manager) lookup(ctx context.Context, ref string) (entry, error) {
	e, ok, live := m.entryFor(ref)
	if ok {
		return e, nil
	}

	if !live {
		if _, err := m.List(ctx); err != nil {
			return entry{}, err
		}

		if e, ok, _ = m.entryFor(ref); ok {
			return e, nil
		}
	}

	return entry{}, apperrors.ErrKeyNotFound
}

// Ref returns the public reference for a key identifier.
func Ref(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:refLen]
}

func (m *Manager) toEntry(rec models.KeyRecord) entry {
	id := rec.APIKey

	var ref string
	if id == "" {
		// A row without a key cannot be addressed; give it a throwaway
		// reference so it can still be listed.
		ref = Ref(uuid.NewString())
	} else {
		ref = Ref(id)
	}

	return entry{
		id: id,
		view: models.KeyView{
			Ref:       ref,
			Name:      rec.ProjectName,
			ProjectID: string(rec.ProjectID),
			Masked:    MaskKey(rec.APIKey),
			ExpiresAt: FormatTimestamp(rec.ExpiresAt, m.loc),
			CreatedAt: FormatTimestamp(rec.CreatedAt, m.loc),
			LastUsed:  FormatTimestamp(rec.LastUsed, m.loc),
		},
	}
}

// resolveUser returns the signed-in user's id, asking the identity source
// when it is not known yet.
func (m *Manager) resolveUser(ctx context.Context) (string, error) {
	m.mu.Lock()
	uid := m.userID
	m.mu.Unlock()

	if uid != "" {
		return uid, nil
	}

	user, err := m.identity.GetUser(ctx)
	if err != nil {
		return "", err
	}

	if user == nil || user.ID == "" {
		return "", apperrors.ErrNotAuthenticated
	}

	m.update(func() { m.userID = user.ID })

	return user.ID, nil
}

func (m *Manager) fail(op string, err error) {
	m.logger.Warn("key operation failed", slog.String("op", op), slog.String("error", err.Error()))
	metrics.KeyOperations.WithLabelValues(op, metrics.ResultError).Inc()
}

func (m *Manager) succeed(op string) {
	metrics.KeyOperations.WithLabelValues(op, metrics.ResultOK).Inc()
}

// List loads the user's keys, newest first. On failure the previous list
// is kept and LoadError is set.
func (m *Manager) List(ctx context.Context) ([]models.KeyView, error) {
	ctx, done := m.opContext(ctx)
	defer done()

	m.update(func() {
		m.state.Loading = true
		m.state.LoadError = ""
	})

	// The identity is re-checked on every load so a changed sign-in is
	// picked up.
	user, err := m.identity.GetUser(ctx)
	if err == nil && (user == nil || user.ID == "") {
		err = apperrors.ErrNotAuthenticated
	}

	if err != nil {
		m.fail("list", err)
		m.update(func() {
			m.state.Loading = false
			m.state.LoadError = UserMessage(err)
		})

		return nil, err
	}

	rows, err := m.store.List(ctx, user.ID)
	if err != nil {
		m.fail("list", err)
		m.update(func() {
			if m.userID != user.ID {
				m.entries = nil
				m.state.Loaded = false
			}

			m.userID = user.ID
			m.state.Loading = false
			m.state.LoadError = UserMessage(err)
			m.state.Stale = len(m.entries) > 0
		})
		m.loadCached(user.ID)

		return nil, err
	}

	entries := make([]entry, len(rows))
	for i, r := range rows {
		entries[i] = m.toEntry(r)
	}

	applied := m.update(func() {
		m.userID = user.ID
		m.entries = entries
		m.state.Loaded = true
		m.state.Loading = false
		m.state.Stale = false
	})
	if !applied {
		metrics.KeyOperations.WithLabelValues("list", metrics.ResultDropped).Inc()
		return nil, context.Canceled
	}

	m.succeed("list")
	m.saveCache(user.ID)

	return m.Keys(), nil
}

// loadCached fills an empty list from the cache after a failed load.
// Cached keys carry no identifier and cannot be renamed or revoked until
// a load succeeds.
func (m *Manager) loadCached(userID string) {
	if m.cache == nil {
		return
	}

	m.mu.Lock()
	empty := len(m.entries) == 0
	m.mu.Unlock()

	if !empty {
		return
	}

	listing, err := m.cache.KeyListing(userID)
	if err != nil {
		m.logger.Debug("reading cached keys", slog.String("error", err.Error()))
		return
	}

	if listing == nil || len(listing.Keys) == 0 {
		return
	}

	m.update(func() {
		if len(m.entries) > 0 {
			return
		}

		for _, v := range listing.Keys {
			v.Secret = ""
			m.entries = append(m.entries, entry{view: v})
		}

		m.state.Stale = true
	})
}

func (m *Manager) saveCache(userID string) {
	if m.cache == nil {
		return
	}

	listing := models.KeyListing{
		UserID:  userID,
		SavedAt: m.now().Unix(),
		Keys:    m.Keys(),
	}

	if err := m.cache.SaveKeyListing(listing); err != nil {
		m.logger.Warn("caching key listing", slog.String("error", err.Error()))
	}
}

// Create mints a key. A blank name is replaced with a generated one. The
// returned view is the only place the full secret appears; the list keeps
// the masked form.
func (m *Manager) Create(ctx context.Context, name string, exp Expiration) (models.KeyView, error) {
	ctx, done := m.opContext(ctx)
	defer done()

	m.update(func() { m.state.CreateError = "" })

	if exp == "" {
		exp = DefaultExpiration
	}

	if !exp.Valid() {
		err := &ValidationError{Message: "Unknown expiration " + string(exp)}
		m.update(func() { m.state.CreateError = err.Message })

		return models.KeyView{}, err
	}

	uid, err := m.resolveUser(ctx)
	if err != nil {
		m.fail("create", err)
		m.update(func() { m.state.CreateError = UserMessage(err) })

		return models.KeyView{}, err
	}

	finalName := normalizeName(name)
	if finalName == "" {
		finalName = m.names()
	}

	m.update(func() { m.state.Creating = true })

	resp, err := m.issuer.Issue(ctx, issuer.Request{
		UserID:      uid,
		ProjectName: finalName,
		ExpiresAt:   exp.Canonical(),
	})
	if err != nil {
		m.fail("create", err)
		m.update(func() {
			m.state.Creating = false
			m.state.CreateError = UserMessage(err)
		})

		return models.KeyView{}, err
	}

	if resp.ProjectName == "" {
		resp.ProjectName = finalName
	}

	e := m.toEntry(resp.KeyRecord)

	applied := m.update(func() {
		m.state.Creating = false

		if i := m.indexOfID(e.id); i >= 0 {
			// The realtime feed delivered the insert first.
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
		}

		m.entries = append([]entry{e}, m.entries...)
	})
	if !applied {
		metrics.KeyOperations.WithLabelValues("create", metrics.ResultDropped).Inc()
	} else {
		m.succeed("create")
	}

	m.logger.Info("api key created", slog.String("ref", e.view.Ref), slog.String("name", e.view.Name))

	created := e.view
	created.Secret = resp.APIKey

	return created, nil
}

// Rename changes a key's display name. Only the name of the local entry
// changes on success.
func (m *Manager) Rename(ctx context.Context, ref, name string) error {
	ctx, done := m.opContext(ctx)
	defer done()

	trimmed := normalizeName(name)
	if trimmed == "" {
		err := &ValidationError{Message: msgEmptyName}
		m.update(func() { m.state.EditError = err.Message })

		return err
	}

	e, err := m.lookup(ctx, ref)
	if err != nil {
		m.update(func() { m.state.EditError = UserMessage(err) })
		return err
	}

	id := e.id

	uid, err := m.resolveUser(ctx)
	if err != nil {
		m.fail("rename", err)
		m.update(func() { m.state.EditError = UserMessage(err) })

		return err
	}

	m.update(func() {
		m.state.SavingEdit = true
		m.state.EditError = ""
	})

	err = m.store.Rename(ctx, id, uid, trimmed)

	m.update(func() {
		m.state.SavingEdit = false

		if err != nil {
			m.state.EditError = UserMessage(err)
			return
		}

		if j := m.indexOfID(id); j >= 0 {
			m.entries[j].view.Name = trimmed
		}
	})

	if err != nil {
		m.fail("rename", err)
		return err
	}

	m.succeed("rename")

	return nil
}

// Revoke deletes a key after the confirmer approves. A declined
// confirmation returns ErrRevokeDeclined and changes nothing.
func (m *Manager) Revoke(ctx context.Context, ref string, confirmer Confirmer) error {
	ctx, done := m.opContext(ctx)
	defer done()

	e, err := m.lookup(ctx, ref)
	if err != nil {
		m.update(func() { m.state.RevokeError = UserMessage(err) })
		return err
	}

	ok, err := confirmer.Confirm(ctx, e.view)
	if err != nil {
		return err
	}

	if !ok {
		metrics.KeyOperations.WithLabelValues("revoke", metrics.ResultDeclined).Inc()
		return apperrors.ErrRevokeDeclined
	}

	uid, err := m.resolveUser(ctx)
	if err != nil {
		m.fail("revoke", err)
		m.update(func() { m.state.RevokeError = UserMessage(err) })

		return err
	}

	m.update(func() {
		m.state.RevokeError = ""
		m.state.RevokingRef = ref
	})

	err = m.store.Delete(ctx, e.id, uid)

	m.update(func() {
		m.state.RevokingRef = ""

		if err != nil {
			m.state.RevokeError = UserMessage(err)
			return
		}

		if j := m.indexOfID(e.id); j >= 0 {
			m.entries = append(m.entries[:j], m.entries[j+1:]...)
		}
	})

	if err != nil {
		m.fail("revoke", err)
		return err
	}

	m.succeed("revoke")
	m.logger.Info("api key revoked", slog.String("ref", ref))

	return nil
}

// ApplyChange applies a row change pushed by the realtime feed. Changes
// for other users, or arriving before a user is known, are ignored.
func (m *Manager) ApplyChange(change models.KeyChange) {
	m.update(func() {
		switch change.Type {
		case models.ChangeInsert, models.ChangeUpdate:
			rec := change.Record
			if rec.APIKey == "" || m.userID == "" || (rec.UserID != "" && rec.UserID != m.userID) {
				return
			}

			e := m.toEntry(rec)
			if i := m.indexOfID(rec.APIKey); i >= 0 {
				m.entries[i] = e
				return
			}

			m.entries = append([]entry{e}, m.entries...)

		case models.ChangeDelete:
			id := change.OldRecord.APIKey
			if i := m.indexOfID(id); i >= 0 {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
			}
		}
	})
}

// UserID returns the id of the user whose keys are loaded, if any.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.userID
}

// Reset forgets the loaded user and keys, for use after sign-out. The
// departing user's cached listing is dropped as well.
func (m *Manager) Reset() {
	var prev string

	m.update(func() {
		prev = m.userID
		m.userID = ""
		m.entries = nil
		m.state = Snapshot{}
	})

	if prev == "" || m.cache == nil {
		return
	}

	if err := m.cache.DeleteKeyListing(prev); err != nil {
		m.logger.Warn("dropping cached keys", slog.String("error", err.Error()))
	}
}

// IsDeclined reports whether err is a declined revocation.
func IsDeclined(err error) bool {
	return errors.Is(err, apperrors.ErrRevokeDeclined)
}
