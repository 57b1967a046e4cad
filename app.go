package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/auth"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/transport"
	"github.com/go-authgate/session-cli/tui"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg     *Config
	log     logrus.FieldLogger
	display tui.Displayer

	kv        *session.FileKV
	store     *session.TokenStore
	jar       *session.PersistentJar
	renewer   *transport.Renewer
	client    *transport.Client
	api       *auth.API
	guests    *auth.GuestManager
	scheduler *auth.Scheduler
	orc       *auth.Orchestrator
	nav       *displayNavigator

	mu       sync.Mutex
	observed []error
}

// appOptions tweaks wiring per command.
type appOptions struct {
	onSignIn  bool // starts the user on the sign-in surface
	guestOnly bool

	// doer replaces the retrying HTTP client; tests use it.
	doer transport.Doer
}

func newApp(cfg *Config, logger logrus.FieldLogger, display tui.Displayer, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: logger, display: display}

	var err error
	a.kv, err = session.NewFileKV(cfg.SessionFile, logger)
	if err != nil {
		return nil, err
	}
	a.store, err = session.NewTokenStore(a.kv, cfg.Mode, logger)
	if err != nil {
		return nil, err
	}
	a.jar, err = session.NewPersistentJar(a.kv, logger)
	if err != nil {
		return nil, err
	}

	doer := opts.doer
	if doer == nil {
		doer, err = newHTTPClient(a.jar)
		if err != nil {
			return nil, err
		}
	}

	a.renewer = transport.NewRenewer(cfg.ServerURL, cfg.Mode, a.store, doer, logger)
	a.nav = &displayNavigator{display: display}
	if opts.onSignIn {
		a.nav.current = cfg.SignInPath
	}

	a.client, err = transport.NewClient(transport.Options{
		BaseURL: cfg.ServerURL,
		Mode:    cfg.Mode,
		Store:   a.store,
		Doer:    doer,
		Renewer: a.renewer,
		Redirector: &transport.Redirector{
			Navigator: a.nav,
			Target:    cfg.SignInPath,
			Logger:    logger,
		},
		Logger: logger,
		OnSessionCleared: func() {
			if err := a.jar.Clear(); err != nil {
				logger.WithError(err).Warn("failed to delete persisted cookies")
			}
		},
	})
	if err != nil {
		return nil, err
	}
	a.client.SetErrorObserver(a.observe)

	a.api = auth.NewAPI(a.client)
	a.guests = auth.NewGuestManager(a.api, a.kv, logger)
	a.scheduler = auth.NewScheduler(a.renewer, a.store, auth.SchedulerOptions{
		Mode:     cfg.Mode,
		Interval: cfg.RenewInterval,
		OnRenew:  a.renewed,
		Logger:   logger,
	})

	a.orc, err = auth.NewOrchestrator(auth.Options{
		Env:          cfg.Env,
		Mode:         cfg.Mode,
		BaseURL:      cfg.ServerURL,
		Store:        a.store,
		Backend:      a.api,
		Guests:       a.guests,
		Scheduler:    a.scheduler,
		Jar:          a.jar,
		Logger:       logger,
		DebugUserID:  cfg.DebugUserID,
		DebugRole:    cfg.DebugRole,
		CallbackPort: cfg.CallbackPort,
		OnAuthURL: func(url string) {
			display.AuthURL(url)
			display.WaitingForCallback()
		},
		GuestOnly: func() bool { return opts.guestOnly },
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newHTTPClient builds the retrying client shared by the pipeline and the
// renewer. Cookies are kept in jar so cookie-mode sessions survive restarts.
func newHTTPClient(jar http.CookieJar) (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	client, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// observe presents unrecovered request failures and remembers them so the
// command does not report the same failure twice.
func (a *app) observe(err error) {
	a.mu.Lock()
	a.observed = append(a.observed, err)
	a.mu.Unlock()
	a.display.APICallFailed(err)
}

// reported reports whether err, or an error it wraps, was already shown.
func (a *app) reported(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, seen := range a.observed {
		if errors.Is(err, seen) {
			return true
		}
	}
	return false
}

func (a *app) renewed(token *oauth2.Token, err error) {
	if err != nil {
		a.display.RenewFailed(err)
		return
	}
	a.display.RenewOK(token.Expiry)
}

// close stops background renewal and waits for a pending server logout.
func (a *app) close() {
	a.scheduler.Stop()
	a.orc.Wait()
}

// reportMigration shows the outcome of a guest migration attempted since start.
func (a *app) reportMigration(since time.Time) {
	record, err := a.guests.LastMigration()
	if err != nil || record == nil || record.AttemptedAt.Before(since) {
		return
	}
	var migrateErr error
	if !record.Succeeded {
		migrateErr = errors.New(record.Error)
	}
	a.display.GuestMigrated(record.GuestSessionID, migrateErr)
}

// summary shows the current session on the displayer.
func (a *app) summary() {
	snap := a.store.Snapshot()

	preview := snap.AccessToken
	if len(preview) > 20 {
		preview = preview[:20]
	}
	var expiresIn time.Duration
	if expiry, ok := session.AccessTokenExpiry(snap.AccessToken); ok {
		expiresIn = time.Until(expiry).Round(time.Second)
	}
	a.display.Done(preview, a.cfg.Mode.String(), expiresIn)
}

// displayNavigator tells the user to sign in again; a CLI has no screen to
// move to.
type displayNavigator struct {
	display tui.Displayer

	mu      sync.Mutex
	current string
}

func (n *displayNavigator) Navigate(path string) error {
	n.mu.Lock()
	n.current = path
	n.mu.Unlock()
	n.display.SignInRequired(path)
	return nil
}

func (n *displayNavigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}
