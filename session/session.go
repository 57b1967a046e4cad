// Package session owns the process-wide authentication state and its persistence.
//
// A TokenStore is the single source of truth for the current user, access token
// and refresh token. Other components read it through the Store interface and
// change it only through the defined transitions (SetSession on login,
// UpdateTokens on renewal, Clear on logout).
package session

import (
	"golang.org/x/oauth2"
)

// User is the authenticated profile returned by the backend.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// DisplayName returns the most human-friendly identifier available.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}

// Session is a point-in-time copy of the store's state.
type Session struct {
	User         *User
	AccessToken  string
	RefreshToken string
	Loading      bool
}

// Token returns the credential pair as an oauth2 token, or nil when there is no
// access token.
func (s Session) Token() *oauth2.Token {
	if s.AccessToken == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
	}
}

// HasCredentials reports whether anything usable for renewal is held.
func (s Session) HasCredentials() bool {
	return s.AccessToken != "" || s.RefreshToken != ""
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
