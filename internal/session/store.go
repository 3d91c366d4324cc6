// Package session keeps a single view of who is signed in, derived from
// the auth provider's session, and drives top-level page selection.
package session

import (
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/memhub/console/internal/models"
)

// Page is the top-level page a client should render.
type Page string

const (
	PageLogin     Page = "LOGIN"
	PageDashboard Page = "DASHBOARD"
)

// View is the observable session state.
type View struct {
	Page          Page   `json:"page" yaml:"page"`
	Authenticated bool   `json:"authenticated" yaml:"authenticated"`
	UserID        string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Email         string `json:"email,omitempty" yaml:"email,omitempty"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Initial       string `json:"initial,omitempty" yaml:"initial,omitempty"`
}

// LoggedOut is the view shown when there is no session.
var LoggedOut = View{Page: PageLogin}

// viewFor maps a provider session to a view. A session without a user is
// treated as no session.
func viewFor(sess *models.Session) View {
	if !sess.HasUser() {
		return LoggedOut
	}

	name := DisplayName(sess.User)

	return View{
		Page:          PageDashboard,
		Authenticated: true,
		UserID:        sess.User.ID,
		Email:         sess.User.Email,
		Name:          name,
		Initial:       Initial(name),
	}
}

// DisplayName picks full_name metadata, then name metadata, then the local
// part of the email, then "User".
func DisplayName(u *models.User) string {
	if u == nil {
		return "User"
	}

	if n := strings.TrimSpace(u.MetadataString("full_name")); n != "" {
		return n
	}

	if n := strings.TrimSpace(u.MetadataString("name")); n != "" {
		return n
	}

	if local, _, _ := strings.Cut(u.Email, "@"); local != "" {
		return local
	}

	return "User"
}

// Initial is the upper-cased first character of name, or "U".
func Initial(name string) string {
	r, _ := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return "U"
	}

	return string(unicode.ToUpper(r))
}

// Store holds the current View. Only the Synchronizer writes to it.
type Store struct {
	mu     sync.RWMutex
	view   View
	subs   map[int]func(View)
	nextID int
}

// NewStore returns a store in the logged-out state.
func NewStore() *Store {
	return &Store{view: LoggedOut, subs: make(map[int]func(View))}
}

// Current returns the current view.
func (s *Store) Current() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.view
}

// Subscribe registers fn to be called with each new view. It returns a
// function that removes the subscription.
func (s *Store) Subscribe(fn func(View)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// set replaces the view and notifies subscribers synchronously. A view
// equal to the current one is not broadcast.
func (s *Store) set(v View) {
	s.mu.Lock()

	if s.view == v {
		s.mu.Unlock()
		return
	}

	s.view = v

	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	fns := make([]func(View), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}

	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
