package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
)

// RenewPath is the backend endpoint that exchanges a refresh credential for new tokens.
const RenewPath = "/auth/refresh"

const renewTimeout = 10 * time.Second

// TokenRenewer obtains fresh credentials and writes them into the session store.
type TokenRenewer interface {
	Renew(ctx context.Context) (*oauth2.Token, error)
}

// Renewer calls the renewal endpoint. Concurrent callers share one in-flight
// request, so a rotating refresh token is never spent twice.
type Renewer struct {
	baseURL string
	mode    credential.Mode
	store   session.Store
	doer    Doer
	log     logrus.FieldLogger
	now     func() time.Time

	group singleflight.Group
	calls atomic.Int64
}

var _ TokenRenewer = (*Renewer)(nil)

// NewRenewer creates a Renewer for the backend at baseURL.
func NewRenewer(
	baseURL string,
	mode credential.Mode,
	store session.Store,
	doer Doer,
	logger logrus.FieldLogger,
) *Renewer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Renewer{
		baseURL: strings.TrimRight(baseURL, "/"),
		mode:    mode,
		store:   store,
		doer:    doer,
		log:     logger,
		now:     time.Now,
	}
}

// Calls returns how many renewal requests reached the network.
func (r *Renewer) Calls() int64 {
	return r.calls.Load()
}

// Renew returns the renewed token. The network call is detached from ctx so
// that one impatient caller cannot fail the renewal for everyone sharing it;
// ctx only bounds how long this caller waits.
func (r *Renewer) Renew(ctx context.Context) (*oauth2.Token, error) {
	ch := r.group.DoChan("renew", func() (any, error) {
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
		defer cancel()
		return r.renew(renewCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Renewer) renew(ctx context.Context) (*oauth2.Token, error) {
	if r.mode == credential.ModeMock {
		return nil, errors.New("renewal is not available in mock credential mode")
	}

	// Generation first: a session replaced after this point makes the result stale.
	generation := r.store.Generation()
	current := r.store.Snapshot()

	var body io.Reader
	if r.mode == credential.ModeHeaderToken {
		if current.RefreshToken == "" {
			return nil, fmt.Errorf("%w: no refresh token held", ErrRefreshTokenExpired)
		}
		payload, err := json.Marshal(map[string]string{"refreshToken": current.RefreshToken})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+RenewPath, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	r.calls.Add(1)
	r.log.WithField("mode", r.mode.String()).Debug("renewing credentials")

	resp, err := r.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		retrieveErr := &oauth2.RetrieveError{
			Response:         resp,
			Body:             data,
			ErrorCode:        Lookup(data, "error").String(),
			ErrorDescription: Lookup(data, "error_description", "message").String(),
		}
		return nil, fmt.Errorf("%w: %w", ErrRefreshTokenExpired, retrieveErr)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(data))
	}

	accessToken := Lookup(data, "accessToken", "access_token").String()
	refreshToken := Lookup(data, "refreshToken", "refresh_token").String()
	tokenType := Lookup(data, "tokenType", "token_type").String()
	expiresIn := Lookup(data, "expiresIn", "expires_in").Int()

	if err := r.validate(accessToken, tokenType, expiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	if r.mode == credential.ModeCookie {
		// The cookie jar already holds the new pair; the store keeps no tokens.
		accessToken, refreshToken = current.AccessToken, current.RefreshToken
	} else if refreshToken == "" {
		// Fixed mode: the server keeps the refresh token and does not return it.
		refreshToken = current.RefreshToken
	}

	applied, err := r.store.UpdateTokens(generation, accessToken, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to save renewed tokens: %w", err)
	}
	if !applied {
		r.log.Info("discarding renewal result, session changed while it was in flight")
		return nil, ErrRenewalSuperseded
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	if expiresIn > 0 {
		token.Expiry = r.now().Add(time.Duration(expiresIn) * time.Second)
	}
	r.log.WithField("expires_in", expiresIn).Info("credentials renewed")
	return token, nil
}

// validate checks the renewal response. Cookie mode may carry no tokens in the body.
func (r *Renewer) validate(accessToken, tokenType string, expiresIn int64) error {
	if r.mode == credential.ModeHeaderToken && accessToken == "" {
		return errors.New("accessToken is empty")
	}

	if expiresIn < 0 {
		return fmt.Errorf("expiresIn must not be negative, got: %d", expiresIn)
	}

	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token type: %s (expected Bearer)", tokenType)
	}

	return nil
}
