package apikeys

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/issuer"
	"github.com/memhub/console/internal/keystore"
	"github.com/memhub/console/internal/logging"
	"github.com/memhub/console/internal/models"
	"github.com/memhub/console/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testUser = "user-1"

type deps struct {
	identity *MockIdentity
	issuer   *MockIssuer
	store    *MockStore
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, deps) {
	t.Helper()

	ctrl := gomock.NewController(t)
	d := deps{
		identity: NewMockIdentity(ctrl),
		issuer:   NewMockIssuer(ctrl),
		store:    NewMockStore(ctrl),
	}

	opts = append([]Option{WithLocation(time.UTC)}, opts...)
	m := NewManager(d.identity, d.issuer, d.store, logging.Discard(), opts...)
	t.Cleanup(m.Close)

	return m, d
}

func record(key, name string, created int64) models.KeyRecord {
	return models.KeyRecord{
		UserID:      testUser,
		ProjectName: name,
		APIKey:      key,
		ExpiresAt:   models.UnixTimestamp(-1),
		CreatedAt:   models.UnixTimestamp(created),
	}
}

func expectUser(d deps) {
	d.identity.EXPECT().GetUser(gomock.Any()).Return(&models.User{ID: testUser}, nil).AnyTimes()
}

func loaded(t *testing.T, m *Manager, d deps, rows ...models.KeyRecord) []models.KeyView {
	t.Helper()

	d.store.EXPECT().List(gomock.Any(), testUser).Return(rows, nil)

	keys, err := m.List(context.Background())
	require.NoError(t, err)

	return keys
}

// --- List ---

func TestList_MapsRows(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	rec := record("sk_mem_0123456789abcdefABCDEFGH", "prod", 1_718_064_000)
	rec.ProjectID = "proj-9"

	keys := loaded(t, m, d, rec)
	require.Len(t, keys, 1)

	k := keys[0]
	assert.Equal(t, Ref("sk_mem_0123456789abcdefABCDEFGH"), k.Ref)
	assert.Equal(t, "prod", k.Name)
	assert.Equal(t, "proj-9", k.ProjectID)
	assert.Equal(t, "sk_mem_..._ABCDEFGH", k.Masked)
	assert.Empty(t, k.Secret)
	assert.Equal(t, "Never", k.ExpiresAt)
	assert.Equal(t, "2024-06-11 00:00:00", k.CreatedAt)
	assert.Equal(t, "Never", k.LastUsed)

	snap := m.Snapshot()
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.LoadError)
	assert.Equal(t, testUser, snap.UserID)
}

func TestList_IdentityError(t *testing.T) {
	m, d := newTestManager(t)
	d.identity.EXPECT().GetUser(gomock.Any()).Return(nil, errors.New("JWT expired"))

	_, err := m.List(context.Background())
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, "JWT expired", snap.LoadError)
	assert.False(t, snap.Loading)
}

func TestList_NoUser(t *testing.T) {
	m, d := newTestManager(t)
	d.identity.EXPECT().GetUser(gomock.Any()).Return(nil, nil)

	_, err := m.List(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
	assert.Equal(t, "Not authenticated", m.Snapshot().LoadError)
}

func TestList_FailureKeepsPreviousList(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "one", 1))

	d.store.EXPECT().List(gomock.Any(), testUser).Return(nil, &keystore.StoreError{Op: "list", Message: "database is locked"})

	_, err := m.List(context.Background())
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Len(t, snap.Keys, 1)
	assert.True(t, snap.Stale)
	assert.Equal(t, "database is locked", snap.LoadError)
}

func TestList_FallsBackToCache(t *testing.T) {
	cache, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	first, d1 := newTestManager(t, WithCache(cache))
	expectUser(d1)
	loaded(t, first, d1, record("sk_mem_aaaaaaaaaaaaaaaa", "cached", 1))

	second, d2 := newTestManager(t, WithCache(cache))
	expectUser(d2)
	d2.store.EXPECT().List(gomock.Any(), testUser).Return(nil, &keystore.StoreError{Op: "list", Message: "offline"})

	_, err = second.List(context.Background())
	require.Error(t, err)

	snap := second.Snapshot()
	require.Len(t, snap.Keys, 1)
	assert.Equal(t, "cached", snap.Keys[0].Name)
	assert.True(t, snap.Stale)

	// Cached entries have no identifier and cannot be revoked. The revoke
	// retries the load once and reports its failure.
	d2.store.EXPECT().List(gomock.Any(), testUser).Return(nil, &keystore.StoreError{Op: "list", Message: "offline"})

	err = second.Revoke(context.Background(), snap.Keys[0].Ref, AlwaysConfirm)
	require.Error(t, err)
	assert.Equal(t, "offline", second.Snapshot().RevokeError)
	assert.Len(t, second.Keys(), 1)
}

func TestReset_DropsCachedListing(t *testing.T) {
	cache, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	m, d := newTestManager(t, WithCache(cache))
	expectUser(d)
	loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "cached", 1))

	listing, err := cache.KeyListing(testUser)
	require.NoError(t, err)
	require.NotNil(t, listing)

	m.Reset()

	listing, err = cache.KeyListing(testUser)
	require.NoError(t, err)
	assert.Nil(t, listing)
	assert.Empty(t, m.Keys())
	assert.Empty(t, m.UserID())
}

func TestList_RowWithoutKey(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d, models.KeyRecord{ProjectName: "orphan"})
	require.Len(t, keys, 1)
	assert.NotEmpty(t, keys[0].Ref)
	assert.Empty(t, keys[0].Masked)
}

// --- Create ---

func TestCreate_PrependsMaskedKey(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)
	loaded(t, m, d, record("sk_mem_old0000000000000", "old", 1))

	secret := "sk_mem_new1234567890abcdefNEWTAIL8"
	d.issuer.EXPECT().Issue(gomock.Any(), issuer.Request{
		UserID:      testUser,
		ProjectName: "fresh",
		ExpiresAt:   "30 days",
	}).Return(&issuer.Response{KeyRecord: models.KeyRecord{
		UserID:      testUser,
		ProjectName: "fresh",
		APIKey:      secret,
		CreatedAt:   models.UnixTimestamp(1_718_064_000),
		ExpiresAt:   models.UnixTimestamp(1_720_656_000),
	}}, nil)

	created, err := m.Create(context.Background(), "  fresh ", Expire30Days)
	require.NoError(t, err)
	assert.Equal(t, secret, created.Secret)
	assert.Equal(t, MaskKey(secret), created.Masked)

	keys := m.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, "fresh", keys[0].Name)
	assert.Equal(t, MaskKey(secret), keys[0].Masked)
	assert.Empty(t, keys[0].Secret)
	assert.Equal(t, "old", keys[1].Name)
	assert.False(t, m.Snapshot().Creating)
}

func TestCreate_BlankNameNeverExpiry(t *testing.T) {
	m, d := newTestManager(t, WithNameGenerator(func() string { return "rapid-nice-river" }))
	expectUser(d)

	d.issuer.EXPECT().Issue(gomock.Any(), issuer.Request{
		UserID:      testUser,
		ProjectName: "rapid-nice-river",
		ExpiresAt:   "Never",
	}).Return(&issuer.Response{KeyRecord: models.KeyRecord{
		APIKey:    "sk_mem_generated000000000",
		ExpiresAt: models.UnixTimestamp(-1),
	}}, nil)

	created, err := m.Create(context.Background(), "   ", ExpireNever)
	require.NoError(t, err)
	assert.Equal(t, "rapid-nice-river", created.Name)
	assert.Equal(t, "Never", created.ExpiresAt)
}

func TestCreate_DefaultExpiration(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	d.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req issuer.Request) (*issuer.Response, error) {
			assert.Equal(t, "1 year", req.ExpiresAt)
			return &issuer.Response{KeyRecord: models.KeyRecord{APIKey: "sk_mem_x"}}, nil
		})

	_, err := m.Create(context.Background(), "named", "")
	require.NoError(t, err)
}

func TestCreate_InvalidExpiration(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "named", Expiration("2 weeks"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreate_IssuerErrorRecorded(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	d.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).
		Return(nil, &issuer.ProtocolError{Status: 404, Message: "HTTP 404: Not Found"})

	_, err := m.Create(context.Background(), "x", Expire7Days)
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, "API endpoint not found", snap.CreateError)
	assert.False(t, snap.Creating)
	assert.Empty(t, snap.Keys)
}

func TestCreate_NotAuthenticated(t *testing.T) {
	m, d := newTestManager(t)
	d.identity.EXPECT().GetUser(gomock.Any()).Return(nil, nil)

	_, err := m.Create(context.Background(), "x", Expire7Days)
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
	assert.Equal(t, "Not authenticated", m.Snapshot().CreateError)
}

func TestCreate_ThenListSameMask(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	secret := "sk_mem_roundtrip000000000TAIL0001"
	d.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).
		Return(&issuer.Response{KeyRecord: models.KeyRecord{APIKey: secret, ProjectName: "rt"}}, nil)

	created, err := m.Create(context.Background(), "rt", Expire1Year)
	require.NoError(t, err)

	keys := loaded(t, m, d, record(secret, "rt", 5))
	require.Len(t, keys, 1)
	assert.Equal(t, created.Ref, keys[0].Ref)
	assert.Equal(t, MaskKey(secret), keys[0].Masked)
}

// --- Rename ---

func TestRename_UpdatesOnlyName(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "before", 1_718_064_000))
	d.store.EXPECT().Rename(gomock.Any(), "sk_mem_aaaaaaaaaaaaaaaa", testUser, "after").Return(nil)

	require.NoError(t, m.Rename(context.Background(), keys[0].Ref, "  after  "))

	got := m.Keys()[0]
	want := keys[0]
	want.Name = "after"
	assert.Equal(t, want, got)
	assert.False(t, m.Snapshot().SavingEdit)
}

func TestRename_BlankName(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "before", 1))

	err := m.Rename(context.Background(), keys[0].Ref, "   ")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, "Name cannot be empty", m.Snapshot().EditError)
	assert.Equal(t, "before", m.Keys()[0].Name)
}

func TestRename_NotOwned(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "before", 1))
	d.store.EXPECT().Rename(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(apperrors.ErrKeyNotFound)

	err := m.Rename(context.Background(), keys[0].Ref, "after")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)
	assert.Equal(t, "before", m.Keys()[0].Name)
	assert.Equal(t, "API key not found", m.Snapshot().EditError)
}

func TestRename_UnknownRef(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)
	loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "before", 1))

	// A loaded list is authoritative: no second List call.
	err := m.Rename(context.Background(), "nope", "after")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)
	assert.Equal(t, "API key not found", m.Snapshot().EditError)
}

func TestRename_FreshManagerLoadsList(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	secret := "sk_mem_0123456789abcdefABCDEFGH"
	d.store.EXPECT().List(gomock.Any(), testUser).Return([]models.KeyRecord{record(secret, "before", 1)}, nil)
	d.store.EXPECT().Rename(gomock.Any(), secret, testUser, "new-name").Return(nil)

	require.NoError(t, m.Rename(context.Background(), Ref(secret), "new-name"))
	assert.Equal(t, "new-name", m.Keys()[0].Name)
}

func TestRename_FreshManagerUnknownRef(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)
	d.store.EXPECT().List(gomock.Any(), testUser).Return(nil, nil)

	err := m.Rename(context.Background(), "nope", "after")
	assert.ErrorIs(t, err, apperrors.ErrKeyNotFound)
}

// --- Revoke ---

func TestRevoke_Confirmed(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d,
		record("sk_mem_bbbbbbbbbbbbbbbb", "b", 2),
		record("sk_mem_aaaaaaaaaaaaaaaa", "a", 1),
	)

	var prompt string
	confirm := ConfirmFunc(func(_ context.Context, k models.KeyView) (bool, error) {
		prompt = ConfirmPrompt(k)
		return true, nil
	})

	d.store.EXPECT().Delete(gomock.Any(), "sk_mem_bbbbbbbbbbbbbbbb", testUser).Return(nil)

	require.NoError(t, m.Revoke(context.Background(), keys[0].Ref, confirm))
	assert.Equal(t, "Confirm to revoke this Key?\nb", prompt)

	remaining := m.Keys()
	require.Len(t, remaining, 1)
	assert.Equal(t, "a", remaining[0].Name)
	assert.Empty(t, m.Snapshot().RevokingRef)
}

func TestRevoke_FreshManagerLoadsList(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	secret := "sk_mem_0123456789abcdefABCDEFGH"
	d.store.EXPECT().List(gomock.Any(), testUser).Return([]models.KeyRecord{record(secret, "gone", 1)}, nil)
	d.store.EXPECT().Delete(gomock.Any(), secret, testUser).Return(nil)

	require.NoError(t, m.Revoke(context.Background(), Ref(secret), AlwaysConfirm))
	assert.Empty(t, m.Keys())
}

func TestRevoke_LoadFailureReported(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)
	d.store.EXPECT().List(gomock.Any(), testUser).Return(nil, &keystore.StoreError{Op: "list", Message: "offline"})

	err := m.Revoke(context.Background(), Ref("sk_mem_aaaaaaaaaaaaaaaa"), AlwaysConfirm)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrKeyNotFound)
	assert.Equal(t, "offline", m.Snapshot().RevokeError)
}

func TestRevoke_Declined(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "a", 1))

	decline := ConfirmFunc(func(context.Context, models.KeyView) (bool, error) { return false, nil })

	err := m.Revoke(context.Background(), keys[0].Ref, decline)
	assert.True(t, IsDeclined(err))
	assert.Len(t, m.Keys(), 1)
	assert.Empty(t, m.Snapshot().RevokeError)
}

func TestRevoke_StoreFailureKeepsKey(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	keys := loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "a", 1))
	d.store.EXPECT().Delete(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&keystore.StoreError{Op: "delete", Status: 403, Message: "permission denied"})

	err := m.Revoke(context.Background(), keys[0].Ref, AlwaysConfirm)
	require.Error(t, err)
	assert.Len(t, m.Keys(), 1)
	assert.Equal(t, "permission denied", m.Snapshot().RevokeError)
}

// --- ApplyChange ---

func TestApplyChange(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)
	loaded(t, m, d, record("sk_mem_aaaaaaaaaaaaaaaa", "a", 1))

	m.ApplyChange(models.KeyChange{Type: models.ChangeInsert, Record: record("sk_mem_cccccccccccccccc", "c", 3)})
	assert.Equal(t, "c", m.Keys()[0].Name)

	m.ApplyChange(models.KeyChange{Type: models.ChangeInsert, Record: models.KeyRecord{UserID: "intruder", APIKey: "sk_mem_zzzz"}})
	assert.Len(t, m.Keys(), 2)

	renamed := record("sk_mem_aaaaaaaaaaaaaaaa", "a2", 1)
	m.ApplyChange(models.KeyChange{Type: models.ChangeUpdate, Record: renamed})
	assert.Equal(t, "a2", m.Keys()[1].Name)

	m.ApplyChange(models.KeyChange{Type: models.ChangeDelete, OldRecord: models.KeyRecord{APIKey: "sk_mem_cccccccccccccccc"}})
	require.Len(t, m.Keys(), 1)
	assert.Equal(t, "a2", m.Keys()[0].Name)
}

func TestApplyChange_NoUserYet(t *testing.T) {
	m, _ := newTestManager(t)

	m.ApplyChange(models.KeyChange{Type: models.ChangeInsert, Record: models.KeyRecord{UserID: "someone", APIKey: "sk_mem_zzzzzzzzzzzzzzzz"}})
	m.ApplyChange(models.KeyChange{Type: models.ChangeUpdate, Record: record("sk_mem_aaaaaaaaaaaaaaaa", "a", 1)})

	assert.Empty(t, m.Keys())
}

func TestCreate_AfterRealtimeInsertNoDuplicate(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	secret := "sk_mem_dup00000000000000"
	d.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, issuer.Request) (*issuer.Response, error) {
			m.ApplyChange(models.KeyChange{Type: models.ChangeInsert, Record: record(secret, "dup", 1)})
			return &issuer.Response{KeyRecord: record(secret, "dup", 1)}, nil
		})

	_, err := m.Create(context.Background(), "dup", Expire1Year)
	require.NoError(t, err)
	assert.Len(t, m.Keys(), 1)
}

// --- Close ---

func TestClose_DropsLateResults(t *testing.T) {
	m, d := newTestManager(t)
	expectUser(d)

	d.store.EXPECT().List(gomock.Any(), testUser).DoAndReturn(
		func(context.Context, string) ([]models.KeyRecord, error) {
			m.Close()

			return []models.KeyRecord{record("sk_mem_late000000000000", "late", 1)}, nil
		})

	_, err := m.List(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Keys())
}

// --- Concurrency ---

// orderedStore records renames in commit order so the last writer can be
// checked.
type orderedStore struct {
	mu    sync.Mutex
	names map[string]string
	log   []string
}

func (s *orderedStore) List(context.Context, string) ([]models.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.KeyRecord, 0, len(s.names))
	for id, name := range s.names {
		out = append(out, record(id, name, 1))
	}

	return out, nil
}

func (s *orderedStore) Rename(_ context.Context, id, _ string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.names[id] = name
	s.log = append(s.log, name)

	return nil
}

func (s *orderedStore) Delete(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.names, id)

	return nil
}

func TestRename_RapidRenamesLastWriterWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	identity := NewMockIdentity(ctrl)
	identity.EXPECT().GetUser(gomock.Any()).Return(&models.User{ID: testUser}, nil).AnyTimes()

	store := &orderedStore{names: map[string]string{"sk_mem_race00000000000": "start"}}
	m := NewManager(identity, NewMockIssuer(ctrl), store, logging.Discard())
	defer m.Close()

	keys, err := m.List(context.Background())
	require.NoError(t, err)
	ref := keys[0].Ref

	var wg sync.WaitGroup
	for _, name := range []string{"one", "two", "three", "four"} {
		wg.Add(1)

		go func(name string) {
			defer wg.Done()
			assert.NoError(t, m.Rename(context.Background(), ref, name))
		}(name)
	}

	wg.Wait()

	store.mu.Lock()
	last := store.log[len(store.log)-1]
	stored := store.names["sk_mem_race00000000000"]
	store.mu.Unlock()

	assert.Equal(t, last, stored)

	final, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last, final[0].Name)
}
