package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/transport"
)

// fakeServer is an in-memory recipe backend. In cookie mode it hands out
// credentials as cookies, otherwise in the response body.
type fakeServer struct {
	t          *testing.T
	cookieMode bool

	mu            sync.Mutex
	access        string
	refresh       string
	issued        int
	calls         map[string]int
	migrateStatus int
	migrated      []string
	logoutHeaders []http.Header
	profileStatus int
	onMigrate     func()
}

func newFakeServer(t *testing.T, cookieMode bool) *fakeServer {
	return &fakeServer{t: t, cookieMode: cookieMode, calls: make(map[string]int)}
}

func (s *fakeServer) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *fakeServer) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *fakeServer) Migrated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.migrated...)
}

func (s *fakeServer) LogoutHeaders() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.logoutHeaders...)
}

// issue mints a new pair; the caller holds mu.
func (s *fakeServer) issue(w http.ResponseWriter, user map[string]any) {
	s.issued++
	s.access = fmt.Sprintf("access-%d", s.issued)
	s.refresh = fmt.Sprintf("refresh-%d", s.issued)

	body := map[string]any{}
	if user != nil {
		body["user"] = user
	}
	if s.cookieMode {
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: s.access, Path: "/", HttpOnly: true})
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: s.refresh, Path: "/", HttpOnly: true})
	} else {
		body["accessToken"] = s.access
		body["refreshToken"] = s.refresh
		body["expiresIn"] = 3600
	}
	writeJSON(w, http.StatusOK, body)
}

// authorized reports whether r carries the current access token; the caller holds mu.
func (s *fakeServer) authorized(r *http.Request) bool {
	if s.access == "" {
		return false
	}
	if s.cookieMode {
		c, err := r.Cookie("access_token")
		return err == nil && c.Value == s.access
	}
	return r.Header.Get("Authorization") == "Bearer "+s.access
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[r.URL.Path]++

	body, _ := io.ReadAll(r.Body)

	switch r.URL.Path {
	case "/login/google":
		query := r.URL.Query()
		authURL := "https://accounts.example.com/authorize?" + url.Values{
			"redirect_uri": {query.Get("redirect_uri")},
			"state":        {query.Get("state")},
		}.Encode()
		writeJSON(w, http.StatusOK, map[string]any{"authUrl": authURL})

	case "/login/google/callback":
		if r.URL.Query().Get("code") != "good-code" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_code"})
			return
		}
		s.issue(w, nil)

	case "/auth/debug":
		var req struct {
			UserID string `json:"userId"`
			Role   string `json:"role"`
		}
		_ = json.Unmarshal(body, &req)
		s.issue(w, map[string]any{"id": req.UserID, "role": req.Role, "name": "Debug Cook"})

	case "/auth/verify":
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "not_authenticated"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": map[string]any{"id": "u-1", "email": "cook@example.com"}})

	case "/users/profile/me":
		if s.profileStatus != 0 {
			writeJSON(w, s.profileStatus, map[string]any{"message": "profile unavailable"})
			return
		}
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "not_authenticated"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "u-1", "email": "cook@example.com", "name": "Cook"}})

	case transport.RenewPath:
		presented := ""
		if s.cookieMode {
			if c, err := r.Cookie("refresh_token"); err == nil {
				presented = c.Value
			}
		} else {
			var req struct {
				RefreshToken string `json:"refreshToken"`
			}
			_ = json.Unmarshal(body, &req)
			presented = req.RefreshToken
		}
		if presented == "" || presented != s.refresh {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_grant"})
			return
		}
		s.issue(w, nil)

	case "/auth/guest-session":
		writeJSON(w, http.StatusOK, map[string]any{"guestSessionId": fmt.Sprintf("guest-%d", s.calls[r.URL.Path])})

	case "/auth/migrate-guest":
		var req struct {
			GuestSessionID string `json:"guestSessionId"`
		}
		_ = json.Unmarshal(body, &req)
		s.migrated = append(s.migrated, req.GuestSessionID)
		if s.onMigrate != nil {
			s.onMigrate()
		}
		if s.migrateStatus != 0 {
			writeJSON(w, s.migrateStatus, map[string]any{"message": "migration rejected"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"migrated": true})

	case "/auth/logout":
		s.logoutHeaders = append(s.logoutHeaders, r.Header.Clone())
		s.access, s.refresh = "", ""
		http.SetCookie(w, &http.Cookie{Name: "access_token", Path: "/", MaxAge: -1})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "not_authenticated"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type fakeNavigator struct {
	mu      sync.Mutex
	current string
	visits  []string
}

func (n *fakeNavigator) Navigate(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.visits = append(n.visits, path)
	n.current = path
	return nil
}

func (n *fakeNavigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *fakeNavigator) Visits() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.visits...)
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTicker) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// tickerFactory hands out fake tickers and remembers them.
type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *tickerFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *tickerFactory) Last() *fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tickers) == 0 {
		return nil
	}
	return f.tickers[len(f.tickers)-1]
}

type authFixture struct {
	server    *httptest.Server
	fake      *fakeServer
	kv        *session.MemoryKV
	store     *session.TokenStore
	jar       *session.PersistentJar
	client    *transport.Client
	api       *API
	guests    *GuestManager
	scheduler *Scheduler
	tickers   *tickerFactory
	orch      *Orchestrator
	navigator *fakeNavigator
	hook      *logtest.Hook
}

type fixtureConfig struct {
	env      credential.Environment
	kv       *session.MemoryKV
	server   *fakeServer
	tweakOrc func(*Options)
}

func newAuthFixture(t *testing.T, cfg fixtureConfig) *authFixture {
	t.Helper()

	mode := credential.Resolve(cfg.env)
	fake := cfg.server
	if fake == nil {
		fake = newFakeServer(t, mode == credential.ModeCookie)
	}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	kv := cfg.kv
	if kv == nil {
		kv = session.NewMemoryKV()
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store, err := session.NewTokenStore(kv, mode, logger)
	require.NoError(t, err)
	jar, err := session.NewPersistentJar(kv, logger)
	require.NoError(t, err)

	doer, err := retry.NewClient(retry.WithHTTPClient(&http.Client{Jar: jar}))
	require.NoError(t, err)

	navigator := &fakeNavigator{current: "/recipes"}
	renewer := transport.NewRenewer(server.URL, mode, store, doer, logger)
	client, err := transport.NewClient(transport.Options{
		BaseURL:    server.URL,
		Mode:       mode,
		Store:      store,
		Doer:       doer,
		Renewer:    renewer,
		Redirector: &transport.Redirector{Navigator: navigator, Target: "/signin", Logger: logger},
		Logger:     logger,
		OnSessionCleared: func() {
			_ = jar.Clear()
		},
	})
	require.NoError(t, err)

	api := NewAPI(client)
	guests := NewGuestManager(api, kv, logger)
	tickers := &tickerFactory{}
	scheduler := NewScheduler(renewer, store, SchedulerOptions{
		Mode:      mode,
		NewTicker: tickers.New,
		Logger:    logger,
	})
	t.Cleanup(scheduler.Stop)

	opts := Options{
		Env:       cfg.env,
		Mode:      mode,
		BaseURL:   server.URL,
		Store:     store,
		Backend:   api,
		Guests:    guests,
		Scheduler: scheduler,
		Jar:       jar,
		Logger:    logger,
		OpenBrowser: func(string) error {
			return nil
		},
	}
	if cfg.tweakOrc != nil {
		cfg.tweakOrc(&opts)
	}
	orch, err := NewOrchestrator(opts)
	require.NoError(t, err)

	return &authFixture{
		server:    server,
		fake:      fake,
		kv:        kv,
		store:     store,
		jar:       jar,
		client:    client,
		api:       api,
		guests:    guests,
		scheduler: scheduler,
		tickers:   tickers,
		orch:      orch,
		navigator: navigator,
		hook:      hook,
	}
}

func errorEntries(hook *logtest.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.ErrorLevel {
			out = append(out, e)
		}
	}
	return out
}
