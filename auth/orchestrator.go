// Package auth drives the session lifecycle: start-up verification, sign-in
// through an identity provider or the debug shortcut, proactive renewal,
// guest-session migration and sign-out.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/transport"
)

const logoutTimeout = 5 * time.Second

// State is where the orchestrator is in the session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CookieJar is the cookie storage cleared on sign-out.
type CookieJar interface {
	Cookies(u *url.URL) []*http.Cookie
	Clear() error
}

// Options configures an Orchestrator.
type Options struct {
	Env       credential.Environment
	Mode      credential.Mode
	BaseURL   string
	Store     session.Store
	Backend   Backend
	Guests    *GuestManager
	Scheduler *Scheduler
	Jar       CookieJar // only needed in cookie mode
	Logger    logrus.FieldLogger

	DebugUserID string
	DebugRole   string

	// CallbackPort is the loopback port for provider redirects; 0 picks one.
	CallbackPort int

	// OpenBrowser defaults to browser.OpenURL.
	OpenBrowser func(url string) error

	// OnAuthURL is told the authorization URL so it can be shown to the user.
	OnAuthURL func(url string)

	// GuestOnly reports whether the current surface must not probe the backend.
	GuestOnly func() bool
}

// Orchestrator composes the store, pipeline, scheduler and guest manager into
// sign-in, sign-out and verification.
type Orchestrator struct {
	env          credential.Environment
	mode         credential.Mode
	baseURL      *url.URL
	store        session.Store
	backend      Backend
	guests       *GuestManager
	scheduler    *Scheduler
	jar          CookieJar
	debugUserID  string
	debugRole    string
	callbackPort int
	openBrowser  func(string) error
	onAuthURL    func(string)
	guestOnly    func() bool
	log          logrus.FieldLogger

	mu    sync.Mutex
	state State
	bg    sync.WaitGroup
}

// NewOrchestrator creates an uninitialized Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Backend == nil || opts.Scheduler == nil {
		return nil, errors.New("store, backend and scheduler are required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.OpenBrowser == nil {
		opts.OpenBrowser = browser.OpenURL
	}
	if opts.DebugUserID == "" {
		opts.DebugUserID = "debug-user"
	}
	if opts.DebugRole == "" {
		opts.DebugRole = "user"
	}

	return &Orchestrator{
		env:          opts.Env,
		mode:         opts.Mode,
		baseURL:      base,
		store:        opts.Store,
		backend:      opts.Backend,
		guests:       opts.Guests,
		scheduler:    opts.Scheduler,
		jar:          opts.Jar,
		debugUserID:  opts.DebugUserID,
		debugRole:    opts.DebugRole,
		callbackPort: opts.CallbackPort,
		openBrowser:  opts.OpenBrowser,
		onAuthURL:    opts.OnAuthURL,
		guestOnly:    opts.GuestOnly,
		log:          opts.Logger,
	}, nil
}

// State returns the current state. A session discarded by the request
// pipeline since the last transition shows up as unauthenticated.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateAuthenticated && !o.store.IsAuthenticated() {
		o.state = StateUnauthenticated
	}
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Initialize settles the start-up state from whatever the store rehydrated.
func (o *Orchestrator) Initialize(ctx context.Context) State {
	o.store.SetLoading(true)
	defer o.store.SetLoading(false)

	if o.guestOnly != nil && o.guestOnly() {
		o.setState(StateUnauthenticated)
		return StateUnauthenticated
	}

	current := o.store.Snapshot()
	switch {
	case o.mode == credential.ModeMock:
		return o.settle(o.store.IsAuthenticated())

	case current.AccessToken == "" && o.mode == credential.ModeCookie:
		ok, err := o.verify(ctx)
		if err != nil && transport.KindOf(err) != transport.KindExpectedUnauthenticated {
			o.log.WithError(err).Error("session verification failed")
		}
		return o.settle(ok)

	case current.AccessToken == "":
		return o.settle(false)

	case current.User != nil:
		return o.settle(true)
	}

	user, err := o.backend.Profile(ctx)
	if err != nil {
		if !o.store.IsAuthenticated() {
			// The pipeline gave up on the token and cleared it.
			return o.settle(false)
		}
		o.log.WithError(err).Warn("failed to fetch profile, keeping existing token")
		return o.settle(true)
	}
	if err := o.store.SetUser(user); err != nil {
		o.log.WithError(err).Warn("failed to cache profile")
	}
	return o.settle(true)
}

// settle records the outcome of a verification and arms the scheduler on success.
func (o *Orchestrator) settle(authenticated bool) State {
	if !authenticated {
		o.setState(StateUnauthenticated)
		return StateUnauthenticated
	}
	o.scheduler.Start()
	o.setState(StateAuthenticated)
	return StateAuthenticated
}

// verify asks the backend whether the current credentials are good and caches
// the profile it returns.
func (o *Orchestrator) verify(ctx context.Context) (bool, error) {
	result, err := o.backend.Verify(ctx)
	if err != nil {
		return false, err
	}
	if !result.Valid {
		return false, nil
	}

	user := result.User
	if user == nil {
		user = o.store.Snapshot().User
	}
	if user == nil {
		if user, err = o.backend.Profile(ctx); err != nil {
			return false, err
		}
	}

	if o.store.Snapshot().User == nil {
		current := o.store.Snapshot()
		err = o.store.SetSession(user, current.AccessToken, current.RefreshToken)
	} else {
		err = o.store.SetUser(user)
	}
	if err != nil {
		return false, fmt.Errorf("failed to save profile: %w", err)
	}
	return true, nil
}

// VerifyAndRefreshToken re-checks the session, renewing it through the
// pipeline if the access token has expired. A transient failure leaves the
// session as it is.
func (o *Orchestrator) VerifyAndRefreshToken(ctx context.Context) (bool, error) {
	if o.mode == credential.ModeHeaderToken && !o.store.Snapshot().HasCredentials() {
		o.setState(StateUnauthenticated)
		return false, nil
	}

	ok, err := o.verify(ctx)
	switch kind := transport.KindOf(err); {
	case err == nil && ok:
		o.settle(true)
		return true, nil
	case err == nil:
		o.log.Info("backend reports the session as invalid, signing out")
		o.Logout(ctx)
		return false, nil
	case kind == transport.KindExpectedUnauthenticated:
		o.setState(StateUnauthenticated)
		return false, nil
	case kind == transport.KindRenewalFailure, kind == transport.KindConfiguration:
		o.setState(StateUnauthenticated)
		return false, err
	default:
		o.log.WithError(err).Warn("session verification failed, keeping session")
		return o.store.IsAuthenticated(), err
	}
}

// Login signs in through provider. Outside production it uses the debug
// shortcut instead of the provider round trip.
func (o *Orchestrator) Login(ctx context.Context, provider string) error {
	if !o.env.IsProduction() {
		return o.DebugLogin(ctx, o.debugUserID, o.debugRole)
	}

	callbackCtx, cancel := context.WithTimeout(ctx, CallbackTimeout)
	defer cancel()

	state := uuid.NewString()
	callback := NewCallbackServer(o.callbackPort, state)
	redirectURI, err := callback.Start(callbackCtx)
	if err != nil {
		return err
	}
	defer callback.Stop()

	authURL, err := o.backend.LoginURL(ctx, provider, redirectURI, state)
	if err != nil {
		return fmt.Errorf("failed to start %s sign-in: %w", provider, err)
	}
	if o.onAuthURL != nil {
		o.onAuthURL(authURL)
	}
	if err := o.openBrowser(authURL); err != nil {
		o.log.WithError(err).Warn("could not open a browser, open the sign-in URL manually")
	}

	result, err := callback.Wait(callbackCtx)
	if err != nil {
		return fmt.Errorf("waiting for %s sign-in: %w", provider, err)
	}
	if err := result.Err(); err != nil {
		return err
	}

	login, err := o.backend.LoginCallback(ctx, provider, result.Code, redirectURI)
	if err != nil {
		return fmt.Errorf("failed to complete %s sign-in: %w", provider, err)
	}
	return o.completeLogin(ctx, login)
}

// GoogleLogin signs in with Google.
func (o *Orchestrator) GoogleLogin(ctx context.Context) error {
	return o.Login(ctx, "google")
}

// DebugLogin asks the backend for a session for userID without an identity
// provider. It is refused in production.
func (o *Orchestrator) DebugLogin(ctx context.Context, userID, role string) error {
	if o.env.IsProduction() {
		return errors.New("debug login is disabled in production")
	}
	login, err := o.backend.DebugLogin(ctx, userID, role)
	if err != nil {
		return fmt.Errorf("debug login failed: %w", err)
	}
	return o.completeLogin(ctx, login)
}

// completeLogin stores the new session, migrates the guest session, then arms
// the scheduler.
func (o *Orchestrator) completeLogin(ctx context.Context, login *LoginResult) error {
	accessToken, refreshToken := login.AccessToken, login.RefreshToken
	if o.mode == credential.ModeCookie {
		// The credentials live in the cookie jar.
		accessToken, refreshToken = "", ""
	}

	if err := o.store.SetSession(login.User, accessToken, refreshToken); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if login.User == nil {
		user, err := o.backend.Profile(ctx)
		switch {
		case err == nil:
			if err := o.store.SetUser(user); err != nil {
				o.log.WithError(err).Warn("failed to cache profile")
			}
		case o.mode == credential.ModeCookie:
			// Without a user there is no way to tell a cookie session exists.
			return fmt.Errorf("signed in but failed to fetch profile: %w", err)
		default:
			o.log.WithError(err).Warn("signed in but failed to fetch profile")
		}
	}

	if o.guests != nil {
		// Failures are logged and recorded by the guest manager.
		_ = o.guests.MigrateToUser(ctx)
	}

	o.settle(true)
	o.log.WithField("user_id", userID(o.store.Snapshot().User)).Info("signed in")
	return nil
}

// Logout signs out locally right away and forgets any guest session. The
// backend is told in the background with the credentials held before
// clearing; Wait blocks until that is done.
func (o *Orchestrator) Logout(ctx context.Context) {
	o.scheduler.Stop()

	header := o.captureCredentials()

	if err := o.store.Clear(); err != nil {
		o.log.WithError(err).Warn("failed to delete persisted session")
	}
	if o.jar != nil {
		if err := o.jar.Clear(); err != nil {
			o.log.WithError(err).Warn("failed to delete persisted cookies")
		}
	}
	if o.guests != nil {
		if err := o.guests.Clear(); err != nil {
			o.log.WithError(err).Warn("failed to delete guest session")
		}
	}
	o.setState(StateUnauthenticated)
	o.log.Info("signed out")

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		if err := o.backend.Logout(notifyCtx, header); err != nil {
			o.log.WithError(err).Debug("server-side logout failed")
		}
	}()
}

// Wait blocks until background work started by Logout has finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

func (o *Orchestrator) captureCredentials() http.Header {
	header := http.Header{}
	switch o.mode {
	case credential.ModeHeaderToken:
		if token := o.store.Snapshot().AccessToken; token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	case credential.ModeCookie:
		if o.jar == nil {
			break
		}
		var parts []string
		for _, c := range o.jar.Cookies(o.baseURL) {
			parts = append(parts, c.Name+"="+c.Value)
		}
		if len(parts) > 0 {
			header.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	return header
}

func userID(u *session.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
