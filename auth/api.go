package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/transport"
)

// Backend is the part of the API the orchestrator depends on.
type Backend interface {
	LoginURL(ctx context.Context, provider, redirectURI, state string) (string, error)
	LoginCallback(ctx context.Context, provider, code, redirectURI string) (*LoginResult, error)
	Verify(ctx context.Context) (*VerifyResult, error)
	Profile(ctx context.Context) (*session.User, error)
	DebugLogin(ctx context.Context, userID, role string) (*LoginResult, error)
	Logout(ctx context.Context, header http.Header) error
}

// GuestAPI is the part of the API the guest manager depends on.
type GuestAPI interface {
	CreateGuestSession(ctx context.Context) (string, error)
	MigrateGuest(ctx context.Context, guestSessionID string) error
}

// LoginResult is what a completed sign-in yields. In cookie mode the tokens
// may be absent because they arrive as cookies.
type LoginResult struct {
	User         *session.User
	AccessToken  string
	RefreshToken string
}

// VerifyResult is the backend's opinion of the current credentials.
type VerifyResult struct {
	Valid bool
	User  *session.User
}

var providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// API is the typed backend surface. Every call goes through the request pipeline.
type API struct {
	client *transport.Client
}

var (
	_ Backend  = (*API)(nil)
	_ GuestAPI = (*API)(nil)
)

// NewAPI creates an API over client.
func NewAPI(client *transport.Client) *API {
	return &API{client: client}
}

// LoginURL asks the backend for the provider's authorization URL. state is
// forwarded to the provider and must come back on the callback unchanged.
func (a *API) LoginURL(ctx context.Context, provider, redirectURI, state string) (string, error) {
	if err := validateProvider(provider); err != nil {
		return "", err
	}
	path := "/login/" + provider
	query := url.Values{}
	if redirectURI != "" {
		query.Set("redirect_uri", redirectURI)
	}
	if state != "" {
		query.Set("state", state)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := a.client.Get(ctx, path)
	if err != nil {
		return "", err
	}
	authURL := transport.Lookup(resp.Body, "authUrl", "authURL", "url").String()
	if authURL == "" {
		return "", errors.New("login response carries no authorization URL")
	}
	return authURL, nil
}

// LoginCallback exchanges the provider's authorization code for a session.
func (a *API) LoginCallback(ctx context.Context, provider, code, redirectURI string) (*LoginResult, error) {
	if err := validateProvider(provider); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	query := url.Values{"code": {code}}
	if redirectURI != "" {
		query.Set("redirect_uri", redirectURI)
	}

	resp, err := a.client.Get(ctx, "/login/"+provider+"/callback?"+query.Encode())
	if err != nil {
		return nil, err
	}
	return parseLoginResult(resp.Body)
}

// Verify checks the current credentials.
func (a *API) Verify(ctx context.Context) (*VerifyResult, error) {
	resp, err := a.client.Post(ctx, "/auth/verify", nil)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	if valid := transport.Lookup(resp.Body, "valid"); valid.Exists() {
		result.Valid = valid.Bool()
	}
	result.User = parseUser(resp.Body)
	return result, nil
}

// Profile fetches the signed-in user's profile.
func (a *API) Profile(ctx context.Context) (*session.User, error) {
	resp, err := a.client.Get(ctx, "/users/profile/me")
	if err != nil {
		return nil, err
	}
	user := parseUser(resp.Body)
	if user == nil {
		return nil, errors.New("profile response carries no user")
	}
	return user, nil
}

// DebugLogin issues a session without an identity provider. The backend only
// allows it outside production.
func (a *API) DebugLogin(ctx context.Context, userID, role string) (*LoginResult, error) {
	resp, err := a.client.Post(ctx, "/auth/debug", map[string]string{
		"userId": userID,
		"role":   role,
	})
	if err != nil {
		return nil, err
	}
	return parseLoginResult(resp.Body)
}

// CreateGuestSession mints an anonymous session id.
func (a *API) CreateGuestSession(ctx context.Context) (string, error) {
	resp, err := a.client.Post(ctx, "/auth/guest-session", nil)
	if err != nil {
		return "", err
	}
	id := transport.Lookup(resp.Body, "guestSessionId", "sessionId").String()
	if id == "" {
		return "", errors.New("guest session response carries no id")
	}
	return id, nil
}

// MigrateGuest moves what the guest session accumulated to the signed-in user.
func (a *API) MigrateGuest(ctx context.Context, guestSessionID string) error {
	_, err := a.client.Post(ctx, "/auth/migrate-guest", map[string]string{
		"guestSessionId": guestSessionID,
	})
	return err
}

// Logout tells the backend the session is over. header carries whatever
// credentials were held before the local state was cleared.
func (a *API) Logout(ctx context.Context, header http.Header) error {
	return a.client.Notify(ctx, http.MethodPost, "/auth/logout", header)
}

func validateProvider(provider string) error {
	if !providerPattern.MatchString(provider) {
		return fmt.Errorf("invalid login provider %q", provider)
	}
	return nil
}

func parseLoginResult(body []byte) (*LoginResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("login response is not valid JSON")
	}
	return &LoginResult{
		User:         parseUser(body),
		AccessToken:  transport.Lookup(body, "accessToken", "access_token").String(),
		RefreshToken: transport.Lookup(body, "refreshToken", "refresh_token").String(),
	}, nil
}

// parseUser finds the user object in a response: under "user" or "profile",
// the "data" envelope itself, or the whole body. It returns nil when none of
// them looks like a user.
func parseUser(body []byte) *session.User {
	candidates := []gjson.Result{
		transport.Lookup(body, "user", "profile"),
		gjson.GetBytes(body, "data"),
		gjson.ParseBytes(body),
	}
	for _, r := range candidates {
		if !r.IsObject() {
			continue
		}
		id := r.Get("id").String()
		if id == "" {
			id = r.Get("userId").String()
		}
		if id == "" {
			continue
		}
		return &session.User{
			ID:      id,
			Email:   r.Get("email").String(),
			Name:    r.Get("name").String(),
			Role:    r.Get("role").String(),
			Picture: r.Get("picture").String(),
		}
	}
	return nil
}
