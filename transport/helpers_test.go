package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
)

// fakeBackend accepts exactly one access token and one refresh token at a time.
type fakeBackend struct {
	t *testing.T

	mu           sync.Mutex
	access       string
	refresh      string
	rotate       bool
	rejectAll    bool
	issued       int
	refreshDelay time.Duration
	authHeaders  []string
	requestIDs   []string

	apiCalls     atomic.Int32
	refreshCalls atomic.Int32

	// unauthorizedBarrier, when set, holds 401 replies until that many have queued.
	unauthorizedBarrier int
	pending             int
	released            chan struct{}
}

func newFakeBackend(t *testing.T, access, refresh string) *fakeBackend {
	return &fakeBackend{t: t, access: access, refresh: refresh, released: make(chan struct{})}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case RenewPath:
		b.handleRefresh(w, r)
	case "/health":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case "/login/google":
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "provider disabled"})
	case "/missing":
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such thing"})
	default:
		b.handleAPI(w, r)
	}
}

func (b *fakeBackend) handleAPI(w http.ResponseWriter, r *http.Request) {
	b.apiCalls.Add(1)

	b.mu.Lock()
	b.authHeaders = append(b.authHeaders, r.Header.Get("Authorization"))
	b.requestIDs = append(b.requestIDs, r.Header.Get("X-Request-ID"))
	ok := !b.rejectAll && r.Header.Get("Authorization") == "Bearer "+b.access
	var wait chan struct{}
	if !ok && b.unauthorizedBarrier > 0 {
		b.pending++
		if b.pending == b.unauthorizedBarrier {
			close(b.released)
		}
		wait = b.released
	}
	b.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-time.After(2 * time.Second):
		}
	}

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"recipes": []string{"soup"}}})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	if b.refreshDelay > 0 {
		time.Sleep(b.refreshDelay)
	}

	body, _ := io.ReadAll(r.Body)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.Unmarshal(body, &req)

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.RefreshToken == "" || req.RefreshToken != b.refresh {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token is invalid",
		})
		return
	}

	b.issued++
	b.access = fmt.Sprintf("access-%d", b.issued)
	resp := map[string]any{"accessToken": b.access, "expiresIn": 3600}
	if b.rotate {
		b.refresh = fmt.Sprintf("refresh-%d", b.issued)
		resp["refreshToken"] = b.refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *fakeBackend) currentAccess() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access
}

func (b *fakeBackend) expireAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = "not-yet-issued"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeNavigator records navigations.
type fakeNavigator struct {
	mu      sync.Mutex
	current string
	visits  []string
	err     error
}

func (n *fakeNavigator) Navigate(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
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

type pipelineFixture struct {
	server    *httptest.Server
	backend   *fakeBackend
	store     *session.TokenStore
	renewer   *Renewer
	client    *Client
	navigator *fakeNavigator
	hook      *logtest.Hook
	observed  []error
	mu        sync.Mutex
}

func (f *pipelineFixture) Observed() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.observed...)
}

func newPipelineFixture(t *testing.T, mode credential.Mode, backend *fakeBackend) *pipelineFixture {
	t.Helper()

	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store, err := session.NewTokenStore(session.NewMemoryKV(), mode, logger)
	require.NoError(t, err)

	doer, err := retry.NewClient()
	require.NoError(t, err)

	renewer := NewRenewer(server.URL, mode, store, doer, logger)
	navigator := &fakeNavigator{current: "/recipes"}

	f := &pipelineFixture{
		server:    server,
		backend:   backend,
		store:     store,
		renewer:   renewer,
		navigator: navigator,
		hook:      hook,
	}

	client, err := NewClient(Options{
		BaseURL:    server.URL,
		Mode:       mode,
		Store:      store,
		Doer:       doer,
		Renewer:    renewer,
		Redirector: &Redirector{Navigator: navigator, Target: "/signin", Logger: logger},
		Logger:     logger,
	})
	require.NoError(t, err)
	client.SetErrorObserver(func(err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.observed = append(f.observed, err)
	})
	f.client = client
	return f
}

func hasErrorLog(hook *logtest.Hook) bool {
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.ErrorLevel {
			return true
		}
	}
	return false
}

func authHeaderFor(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + strings.TrimSpace(token)
}
