// Package models defines types shared across internal packages.
package models

// AuthEvent names a session transition reported by the auth provider.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// User is the authenticated identity as reported by the auth provider.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// MetadataString returns a non-empty string metadata value, or "".
func (u *User) MetadataString(key string) string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}

	s, _ := u.UserMetadata[key].(string)

	return s
}

// Session is an authenticated session. ExpiresAt is absolute Unix seconds.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *User  `json:"user"`
}

// HasUser reports whether the session carries an identified user.
func (s *Session) HasUser() bool {
	return s != nil && s.User != nil && s.User.ID != ""
}
