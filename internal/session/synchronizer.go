package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/memhub/console/internal/authprovider"
	apperrors "github.com/memhub/console/internal/errors"
	"github.com/memhub/console/internal/metrics"
	"github.com/memhub/console/internal/models"
)

const (
	msgMissingFields = "Please fill in your email and password."
	msgInvalidEmail  = "Please enter a valid email address"
	msgUnconfigured  = "Auth provider is not configured. Set SUPABASE_URL and SUPABASE_ANON_KEY."
	msgNetwork       = "Unable to connect to the auth service"
	msgBadResponse   = "The auth service returned an invalid response"

	// NoticeCheckEmail is returned by SignUp when the account must be
	// confirmed before it can sign in.
	NoticeCheckEmail = "Registration successful. Please check your email to complete verification."
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Provider is the subset of the auth provider client the synchronizer
// uses.
type Provider interface {
	Configured() bool
	GetSession(ctx context.Context) (*models.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)
	SignUp(ctx context.Context, email, password string) (*models.User, *models.Session, error)
	SignOut(ctx context.Context) error
	OnAuthStateChange(fn authprovider.Listener) (unsubscribe func())
}

// FormError is a sign-in or sign-up input problem detected before any
// network call.
type FormError struct {
	Message string
}

func (e *FormError) Error() string { return e.Message }

func (e *FormError) Unwrap() error { return apperrors.ErrValidation }

// Synchronizer keeps a Store in step with the provider's session.
type Synchronizer struct {
	provider Provider
	store    *Store
	logger   *slog.Logger

	mu          sync.Mutex
	closed      bool
	unsubscribe func()
}

// New creates a synchronizer and subscribes it to provider auth events.
// The subscription lives until Close.
func New(provider Provider, logger *slog.Logger) *Synchronizer {
	s := &Synchronizer{
		provider: provider,
		store:    NewStore(),
		logger:   logger.With(slog.String("component", "session")),
	}

	s.unsubscribe = provider.OnAuthStateChange(s.onAuthEvent)

	return s
}

// Store returns the view store.
func (s *Synchronizer) Store() *Store {
	return s.store
}

// Current is shorthand for Store().Current().
func (s *Synchronizer) Current() View {
	return s.store.Current()
}

// Initialize loads the current session and publishes the matching view.
// Provider errors are logged and treated as no session.
func (s *Synchronizer) Initialize(ctx context.Context) View {
	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Warn("loading session failed, treating as signed out", slog.String("error", err.Error()))
		sess = nil
	}

	v := viewFor(sess)
	s.publish(v)

	return v
}

func (s *Synchronizer) onAuthEvent(event models.AuthEvent, sess *models.Session) {
	metrics.SessionEvents.WithLabelValues(string(event)).Inc()
	s.logger.Debug("auth state changed", slog.String("event", string(event)))
	s.publish(viewFor(sess))
}

// publish writes v unless the synchronizer has been closed.
func (s *Synchronizer) publish(v View) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	s.store.set(v)
}

// SignOut asks the provider to sign out, then switches to the logged-out
// view without waiting for the change event. A provider failure is logged
// and returned; the view still changes.
func (s *Synchronizer) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)
	if err != nil {
		s.logger.Warn("sign-out failed", slog.String("error", err.Error()))
	}

	s.publish(LoggedOut)

	return err
}

func (s *Synchronizer) checkForm(email, password string) error {
	if !s.provider.Configured() {
		return fmt.Errorf("%s: %w", msgUnconfigured, apperrors.ErrProviderUnconfigured)
	}

	if email == "" || password == "" {
		return &FormError{Message: msgMissingFields}
	}

	if !emailPattern.MatchString(email) {
		return &FormError{Message: msgInvalidEmail}
	}

	return nil
}

// SignIn validates the form and signs in with email and password.
func (s *Synchronizer) SignIn(ctx context.Context, email, password string) (View, error) {
	if err := s.checkForm(email, password); err != nil {
		return s.Current(), err
	}

	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return s.Current(), err
	}

	v := viewFor(sess)
	s.publish(v)

	return v, nil
}

// SignUp validates the form and registers an account. When the provider
// returns a session the user is signed in and the notice is empty;
// otherwise the notice asks the user to confirm their email.
func (s *Synchronizer) SignUp(ctx context.Context, email, password string) (View, string, error) {
	if err := s.checkForm(email, password); err != nil {
		return s.Current(), "", err
	}

	_, sess, err := s.provider.SignUp(ctx, email, password)
	if err != nil {
		return s.Current(), "", err
	}

	if sess == nil {
		return s.Current(), NoticeCheckEmail, nil
	}

	v := viewFor(sess)
	s.publish(v)

	return v, "", nil
}

// Close stops listening for auth events. Events delivered after Close are
// ignored.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Message returns the text to show a user for a sign-in, sign-up or
// sign-out error.
func Message(err error) string {
	var formErr *FormError
	if errors.As(err, &formErr) {
		return formErr.Message
	}

	var apiErr *authprovider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}

	switch {
	case errors.Is(err, apperrors.ErrProviderUnconfigured):
		return msgUnconfigured
	case errors.Is(err, apperrors.ErrNetwork):
		return msgNetwork
	case errors.Is(err, apperrors.ErrDecode):
		return msgBadResponse
	}

	return err.Error()
}
