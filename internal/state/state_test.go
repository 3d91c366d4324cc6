package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/memhub/console/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	s, err := LoadAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func testSession() *models.Session {
	return &models.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresAt:    1_900_000_000,
		User:         &models.User{ID: "user-1", Email: "ada@example.com"},
	}
}

// --- LoadAt ---

func TestLoadAt_CreatesDBAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, stateFilePerm, info.Mode().Perm())
}

func TestLoad_UsesFileName(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), s.Path())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetSession(testSession()))

	s2, err := LoadAt(path)
	require.NoError(t, err)

	sess, err := s2.Session()
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "access-1", sess.AccessToken)
}

// --- Session ---

func TestSession_NilByDefault(t *testing.T) {
	s := testDB(t)
	sess, err := s.Session()
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSetSession_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetSession(testSession()))

	sess, err := s.Session()
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "refresh-1", sess.RefreshToken)
	assert.Equal(t, int64(1_900_000_000), sess.ExpiresAt)
	assert.Equal(t, "ada@example.com", sess.User.Email)
}

func TestSetSession_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetSession(testSession()))

	next := testSession()
	next.AccessToken = "access-2"
	require.NoError(t, s.SetSession(next))

	sess, err := s.Session()
	require.NoError(t, err)
	assert.Equal(t, "access-2", sess.AccessToken)
}

func TestSetSession_NilClears(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetSession(testSession()))
	require.NoError(t, s.SetSession(nil))

	sess, err := s.Session()
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestClearSession_Idempotent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.ClearSession())
	require.NoError(t, s.ClearSession())
}

// --- Key listing ---

func TestSaveKeyListing_StripsSecrets(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveKeyListing(models.KeyListing{
		UserID:  "user-1",
		SavedAt: 42,
		Keys: []models.KeyView{
			{Ref: "r1", Name: "one", Masked: "sk_mem_..._abcdefgh", Secret: "sk_mem_full_secret_abcdefgh"},
		},
	}))

	listing, err := s.KeyListing("user-1")
	require.NoError(t, err)
	require.NotNil(t, listing)
	require.Len(t, listing.Keys, 1)
	assert.Equal(t, "one", listing.Keys[0].Name)
	assert.Empty(t, listing.Keys[0].Secret)
	assert.Equal(t, int64(42), listing.SavedAt)
}

func TestSaveKeyListing_DoesNotMutateInput(t *testing.T) {
	s := testDB(t)
	keys := []models.KeyView{{Ref: "r1", Secret: "secret"}}
	require.NoError(t, s.SaveKeyListing(models.KeyListing{UserID: "u", Keys: keys}))
	assert.Equal(t, "secret", keys[0].Secret)
}

func TestSaveKeyListing_RequiresUser(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.SaveKeyListing(models.KeyListing{}))
}

func TestKeyListing_IsolatedPerUser(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveKeyListing(models.KeyListing{UserID: "a", Keys: []models.KeyView{{Ref: "ka"}}}))
	require.NoError(t, s.SaveKeyListing(models.KeyListing{UserID: "b", Keys: []models.KeyView{{Ref: "kb"}, {Ref: "kb2"}}}))

	a, err := s.KeyListing("a")
	require.NoError(t, err)
	b, err := s.KeyListing("b")
	require.NoError(t, err)

	assert.Len(t, a.Keys, 1)
	assert.Len(t, b.Keys, 2)
}

func TestKeyListing_MissingIsNil(t *testing.T) {
	s := testDB(t)
	listing, err := s.KeyListing("nobody")
	require.NoError(t, err)
	assert.Nil(t, listing)
}

func TestDeleteKeyListing(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveKeyListing(models.KeyListing{UserID: "a"}))
	require.NoError(t, s.DeleteKeyListing("a"))

	listing, err := s.KeyListing("a")
	require.NoError(t, err)
	assert.Nil(t, listing)
}
