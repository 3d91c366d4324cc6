// Package state persists the signed-in session and the last good key
// listing in a bbolt database under the state directory.
//
// The database is opened per operation rather than held for the life of
// the process: the CLI, the dashboard server and the MCP server all share
// one state file, and the auth provider watches it for sessions written by
// another process.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/memhub/console/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.memhub/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// FileName is the name of the database inside the state directory.
	FileName = "state.db"
)

var (
	appBucket      = []byte("app")
	sessionKey     = []byte("session")
	keyCacheBucket = []byte("key_cache")
)

// State is a handle on the state database.
type State struct {
	path string
}

// Load opens the state database in dir, creating it if it does not exist.
func Load(dir string) (*State, error) {
	return LoadAt(filepath.Join(dir, FileName))
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if needed. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	s := &State{path: path}

	err := s.update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(keyCacheBucket)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *State) Path() string {
	return s.path
}

func (s *State) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, stateFilePerm, &bolt.Options{
		Timeout:  stateOpenTimeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return db, nil
}

func (s *State) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(fn)
}

func (s *State) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(fn)
}

// Session returns the persisted session, or nil if nobody is signed in.
func (s *State) Session() (*models.Session, error) {
	var sess *models.Session

	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		sess = &models.Session{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	return sess, nil
}

// SetSession persists the session, replacing any previous one.
func (s *State) SetSession(sess *models.Session) error {
	if sess == nil {
		return s.ClearSession()
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// ClearSession removes the persisted session. Clearing an absent session
// is not an error.
func (s *State) ClearSession() error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sessionKey)
	})
}

// SaveKeyListing stores the last good key listing for a user. Secrets are
// stripped before writing so they never reach disk.
func (s *State) SaveKeyListing(listing models.KeyListing) error {
	if listing.UserID == "" {
		return fmt.Errorf("user id is required for key listing")
	}

	keys := make([]models.KeyView, len(listing.Keys))
	for i, k := range listing.Keys {
		k.Secret = ""
		keys[i] = k
	}

	listing.Keys = keys

	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("encoding key listing: %w", err)
	}

	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyCacheBucket).Put([]byte(listing.UserID), data)
	})
}

// KeyListing returns the cached key listing for a user, or nil.
func (s *State) KeyListing(userID string) (*models.KeyListing, error) {
	var listing *models.KeyListing

	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(keyCacheBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}

		listing = &models.KeyListing{}

		return json.Unmarshal(v, listing)
	})
	if err != nil {
		return nil, fmt.Errorf("reading key listing: %w", err)
	}

	return listing, nil
}

// DeleteKeyListing drops the cached listing for a user.
func (s *State) DeleteKeyListing(userID string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(keyCacheBucket).Delete([]byte(userID))
	})
}
