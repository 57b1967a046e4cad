package transport

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
)

var testUser = &session.User{ID: "u-1", Email: "cook@example.com"}

func TestClient_HeaderModeAttachesCurrentToken(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	resp, err := f.client.Get(context.Background(), "/recipes?mood=cozy")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "soup", Lookup(resp.Body, "recipes.0").String())

	_, err = f.client.Get(context.Background(), "/health")
	require.NoError(t, err)

	// The health check is public and goes out bare.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{authHeaderFor("access-0")}, backend.authHeaders)
}

func TestClient_CookieModeNeverAttachesHeader(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	backend.rejectAll = true
	f := newPipelineFixture(t, credential.ModeCookie, backend)
	// Even a token in the store must not leak into a header in cookie mode.
	require.NoError(t, f.store.SetSession(testUser, "access-0", ""))

	_, _ = f.client.Get(context.Background(), "/recipes")

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.NotEmpty(t, backend.authHeaders)
	for _, h := range backend.authHeaders {
		assert.Empty(t, h)
	}
}

func TestClient_RenewsExpiredTokenAndRetries(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	backend.rotate = true
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "expired", "refresh-0"))

	resp, err := f.client.Get(context.Background(), "/recipes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	current := f.store.Snapshot()
	assert.Equal(t, "access-1", current.AccessToken)
	assert.Equal(t, "refresh-1", current.RefreshToken)
	assert.Equal(t, testUser.ID, current.User.ID)

	assert.EqualValues(t, 1, backend.refreshCalls.Load())
	assert.EqualValues(t, 2, backend.apiCalls.Load())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"Bearer expired", "Bearer access-1"}, backend.authHeaders)
	require.Len(t, backend.requestIDs, 2)
	assert.NotEmpty(t, backend.requestIDs[0])
	assert.Equal(t, backend.requestIDs[0], backend.requestIDs[1])
	assert.Equal(t, resp.RequestID, backend.requestIDs[0])
	assert.Empty(t, f.navigator.Visits())
}

func TestClient_RejectedRefreshSignsOutAndRedirectsOnce(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "expired", "revoked"))

	_, err := f.client.Get(context.Background(), "/recipes")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRenewalFailed)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
	assert.Equal(t, KindRenewalFailure, KindOf(err))

	assert.False(t, f.store.IsAuthenticated())
	assert.Nil(t, f.store.Snapshot().User)
	assert.Equal(t, []string{"/signin"}, f.navigator.Visits())
	assert.Len(t, f.Observed(), 1)

	// Already on the sign-in surface: no second navigation.
	require.NoError(t, f.store.SetSession(testUser, "expired", "revoked"))
	_, err = f.client.Get(context.Background(), "/recipes")
	require.Error(t, err)
	assert.Equal(t, []string{"/signin"}, f.navigator.Visits())
}

func TestClient_AtMostOneRenewalPerCall(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	backend.rejectAll = true
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	_, err := f.client.Get(context.Background(), "/recipes")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, IsUnauthorized(err))

	assert.EqualValues(t, 1, backend.refreshCalls.Load())
	assert.EqualValues(t, 2, backend.apiCalls.Load())
	assert.False(t, f.store.IsAuthenticated())
}

func TestClient_NothingToRenewWith(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)

	_, err := f.client.Get(context.Background(), "/recipes")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, KindExpectedUnauthenticated, KindOf(err))

	assert.EqualValues(t, 0, backend.refreshCalls.Load())
	assert.Empty(t, f.Observed())
	assert.Empty(t, f.navigator.Visits())
	assert.False(t, hasErrorLog(f.hook))
}

func TestClient_CookieModeWithoutUserDoesNotRenew(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeCookie, backend)

	_, err := f.client.Post(context.Background(), "/auth/verify", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.EqualValues(t, 0, backend.refreshCalls.Load())
	assert.Empty(t, f.Observed())
}

func TestClient_PublicPathUnauthorizedLeavesSession(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	_, err := f.client.Get(context.Background(), "/login/google")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, statusErr.Error(), "provider disabled")

	assert.EqualValues(t, 0, backend.refreshCalls.Load())
	assert.Equal(t, "access-0", f.store.Snapshot().AccessToken)
}

func TestClient_RenewPathUnauthorizedClearsWithoutLoop(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "bogus"))

	_, err := f.client.Post(context.Background(), RenewPath, map[string]string{"refreshToken": "bogus"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)

	// One direct call, no renewal on top of it.
	assert.EqualValues(t, 1, backend.refreshCalls.Load())
	assert.False(t, f.store.IsAuthenticated())
}

func TestClient_OtherErrorsPropagateUntouched(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	_, err := f.client.Get(context.Background(), "/missing")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.EqualValues(t, 0, backend.refreshCalls.Load())
	assert.True(t, f.store.IsAuthenticated())
	require.Len(t, f.Observed(), 1)
	assert.Same(t, err, f.Observed()[0])
}

func TestClient_ClearedObserverIsNotCalled(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	f.client.ClearErrorObserver()

	_, err := f.client.Get(context.Background(), "/missing")
	require.Error(t, err)
	assert.Empty(t, f.Observed())
}

func TestClient_ConcurrentCallsShareOneRenewal(t *testing.T) {
	const callers = 8

	backend := newFakeBackend(t, "access-0", "refresh-0")
	backend.rotate = true
	backend.unauthorizedBarrier = callers
	backend.refreshDelay = 100 * time.Millisecond
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "expired", "refresh-0"))

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.client.Get(context.Background(), "/recipes")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	// A second renewal would have spent the rotated refresh token.
	assert.EqualValues(t, 1, backend.refreshCalls.Load())
	assert.EqualValues(t, 1, f.renewer.Calls())
	assert.Equal(t, backend.currentAccess(), f.store.Snapshot().AccessToken)
	assert.True(t, f.store.IsAuthenticated())
}

func TestClient_StaleTokenSkipsRenewal(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "expired", "refresh-0"))

	// Another component renews between send and 401 handling.
	cl := &call{
		req:    &Request{Method: http.MethodGet, Path: "/recipes"},
		path:   "/recipes",
		bearer: "expired",
		state:  stateAttached401,
		status: &StatusError{Method: http.MethodGet, Path: "/recipes", StatusCode: http.StatusUnauthorized},
	}
	_, err := f.renewer.Renew(context.Background())
	require.NoError(t, err)

	f.client.handleUnauthorized(cl)
	assert.Equal(t, stateRetrying, cl.state)
	assert.True(t, cl.renewed)
	assert.EqualValues(t, 1, backend.refreshCalls.Load())
}

func TestClient_SupersededRenewalDoesNotSignOut(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	backend.rejectAll = true
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	doer, err := retry.NewClient()
	require.NoError(t, err)
	renewer := &stubRenewer{err: ErrRenewalSuperseded}
	client, err := NewClient(Options{
		BaseURL:    f.server.URL,
		Mode:       credential.ModeHeaderToken,
		Store:      f.store,
		Doer:       doer,
		Renewer:    renewer,
		Redirector: &Redirector{Navigator: f.navigator},
	})
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/recipes")
	require.ErrorIs(t, err, ErrRenewalSuperseded)
	assert.Equal(t, 1, renewer.calls)
	assert.True(t, f.store.IsAuthenticated())
	assert.Empty(t, f.navigator.Visits())
}

func TestClient_CanceledRenewalDoesNotSignOut(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	backend.rejectAll = true
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	ctx, cancel := context.WithCancel(context.Background())
	doer, err := retry.NewClient()
	require.NoError(t, err)
	renewer := &stubRenewer{err: context.Canceled, before: cancel}
	client, err := NewClient(Options{
		BaseURL:    f.server.URL,
		Mode:       credential.ModeHeaderToken,
		Store:      f.store,
		Doer:       doer,
		Renewer:    renewer,
		Redirector: &Redirector{Navigator: f.navigator},
	})
	require.NoError(t, err)

	_, err = client.Get(ctx, "/recipes")
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, f.store.IsAuthenticated())
	assert.Empty(t, f.navigator.Visits())
}

func TestClient_UnsafeSignInTargetRejectedAtConstruction(t *testing.T) {
	store, err := session.NewTokenStore(session.NewMemoryKV(), credential.ModeHeaderToken, nil)
	require.NoError(t, err)
	doer, err := retry.NewClient()
	require.NoError(t, err)

	_, err = NewClient(Options{
		BaseURL:    "http://localhost:8080",
		Mode:       credential.ModeHeaderToken,
		Store:      store,
		Doer:       doer,
		Renewer:    &stubRenewer{},
		Redirector: &Redirector{Navigator: &fakeNavigator{}, Target: "https://evil.com"},
	})
	assert.ErrorIs(t, err, ErrUnsafeRedirect)
}

func TestClient_NotifyDoesNotAttachOrRenew(t *testing.T) {
	backend := newFakeBackend(t, "access-0", "refresh-0")
	f := newPipelineFixture(t, credential.ModeHeaderToken, backend)
	require.NoError(t, f.store.SetSession(testUser, "access-0", "refresh-0"))

	header := http.Header{}
	header.Set("Authorization", "Bearer captured")
	err := f.client.Notify(context.Background(), http.MethodPost, "/auth/logout", header)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	assert.EqualValues(t, 0, backend.refreshCalls.Load())
	assert.True(t, f.store.IsAuthenticated())
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"Bearer captured"}, backend.authHeaders)
}

type stubRenewer struct {
	err    error
	before func()
	calls  int
}

func (s *stubRenewer) Renew(context.Context) (*oauth2.Token, error) {
	s.calls++
	if s.before != nil {
		s.before()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: "stub"}, nil
}
