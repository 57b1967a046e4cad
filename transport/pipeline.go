// Package transport is the request pipeline between the application and the
// backend. It attaches credentials to outbound calls and recovers from an
// expired access token with at most one renewal and one retry per call.
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
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
)

// Doer sends HTTP requests. *retry.Client satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// DefaultPublicPaths never carry credentials and never trigger renewal. Entries
// ending in "/" match as prefixes.
var DefaultPublicPaths = []string{"/login/", "/health", "/auth/debug"}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Mode       credential.Mode
	Store      session.Store
	Doer       Doer
	Renewer    TokenRenewer
	Redirector *Redirector
	Logger     logrus.FieldLogger

	// PublicPaths defaults to DefaultPublicPaths.
	PublicPaths []string

	// OnSessionCleared runs after the pipeline discards the session, e.g. to
	// drop cookies.
	OnSessionCleared func()
}

// Request is one logical call. Path is relative to the base URL and may carry a query.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Response is a successful reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string // shared by the original send and its retry
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client is the request pipeline.
type Client struct {
	baseURL     string
	mode        credential.Mode
	store       session.Store
	doer        Doer
	renewer     TokenRenewer
	redirector  *Redirector
	publicPaths []string
	onCleared   func()
	log         logrus.FieldLogger

	observerMu sync.RWMutex
	observer   func(error)
}

// NewClient creates a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Doer == nil {
		return nil, errors.New("HTTP client is required")
	}
	if opts.Renewer == nil && opts.Mode != credential.ModeMock {
		return nil, errors.New("renewer is required outside mock mode")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.PublicPaths == nil {
		opts.PublicPaths = DefaultPublicPaths
	}
	if opts.Redirector != nil {
		target := opts.Redirector.Target
		if target == "" {
			target = DefaultSignInPath
		}
		if err := ValidateRedirect(target); err != nil {
			return nil, err
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		mode:        opts.Mode,
		store:       opts.Store,
		doer:        opts.Doer,
		renewer:     opts.Renewer,
		redirector:  opts.Redirector,
		publicPaths: opts.PublicPaths,
		onCleared:   opts.OnSessionCleared,
		log:         opts.Logger,
	}, nil
}

// Mode returns the credential mode the client attaches by.
func (c *Client) Mode() credential.Mode {
	return c.mode
}

// SetErrorObserver registers fn to receive every terminal error worth showing
// to the user. A later call replaces the previous observer.
func (c *Client) SetErrorObserver(fn func(error)) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observer = fn
}

// ClearErrorObserver removes the registered observer.
func (c *Client) ClearErrorObserver() {
	c.SetErrorObserver(nil)
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
}

// Post sends payload as a JSON body. A nil payload sends no body.
func (c *Client) Post(ctx context.Context, path string, payload any) (*Response, error) {
	req := &Request{Method: http.MethodPost, Path: path}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Body = body
	}
	return c.Do(ctx, req)
}

type callState int

const (
	stateSending callState = iota
	stateAttached401
	stateRenewing
	stateRetrying
	stateSucceeded
	stateFailed
)

func (s callState) String() string {
	return [...]string{"sending", "attached401", "renewing", "retrying", "succeeded", "failed"}[s]
}

// call tracks one logical request through the pipeline.
type call struct {
	req       *Request
	path      string
	requestID string
	state     callState
	renewed   bool   // retry marker: the call has used its one renewal
	bearer    string // access token attached to the latest send
	status    *StatusError
	resp      *Response
	err       error
}

func (cl *call) fail(err error) {
	cl.err = err
	cl.state = stateFailed
}

// Do sends req. A 401 is recovered by renewing the credentials once and
// resending once; any other failure is returned as is.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	cl := &call{
		req:       req,
		path:      pathOnly(req.Path),
		requestID: uuid.NewString(),
		state:     stateSending,
	}

	for {
		switch cl.state {
		case stateSending, stateRetrying:
			c.send(ctx, cl)
		case stateAttached401:
			c.handleUnauthorized(cl)
		case stateRenewing:
			c.renew(ctx, cl)
		case stateSucceeded:
			return cl.resp, nil
		case stateFailed:
			c.observe(cl)
			return nil, cl.err
		}
	}
}

func (c *Client) send(ctx context.Context, cl *call) {
	resp, err := c.roundTrip(ctx, cl, true)
	if err != nil {
		cl.fail(err)
		return
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		cl.status = c.statusError(cl.req, resp)
		cl.state = stateAttached401
	case resp.StatusCode >= http.StatusBadRequest:
		cl.fail(c.statusError(cl.req, resp))
	default:
		cl.resp = resp
		cl.state = stateSucceeded
	}
}

// handleUnauthorized decides what a 401 means for this call.
func (c *Client) handleUnauthorized(cl *call) {
	logger := c.callLogger(cl)

	switch {
	case cl.path == RenewPath:
		// The refresh credential itself was rejected; renewing again would loop.
		c.clearSession(logger, "renewal endpoint rejected the refresh credential")
		cl.fail(fmt.Errorf("%w: %w", ErrRefreshTokenExpired, cl.status))

	case c.isPublic(cl.path):
		cl.fail(cl.status)

	case !c.canRenew():
		c.clearSession(logger, "no credentials to renew with")
		cl.fail(fmt.Errorf("%w: %w", ErrNotAuthenticated, cl.status))

	case cl.renewed:
		c.clearSession(logger, "credentials rejected after renewal")
		cl.fail(fmt.Errorf("%w: %w", ErrSessionExpired, cl.status))

	case c.mode == credential.ModeHeaderToken && cl.bearer != "" &&
		cl.bearer != c.store.Snapshot().AccessToken:
		// Another renewal already replaced the token this call carried.
		logger.Debug("access token was already renewed, retrying")
		cl.renewed = true
		cl.state = stateRetrying

	default:
		cl.renewed = true
		cl.state = stateRenewing
	}
}

func (c *Client) renew(ctx context.Context, cl *call) {
	logger := c.callLogger(cl)
	logger.Debug("access token rejected, renewing")

	if _, err := c.renewer.Renew(ctx); err != nil {
		switch {
		case ctx.Err() != nil:
			cl.fail(ctx.Err())
			return
		case errors.Is(err, ErrRenewalSuperseded):
			// Someone else logged out or in meanwhile; their state wins.
			cl.fail(err)
			return
		}

		logger.WithError(err).Warn("credential renewal failed, signing out")
		c.clearSession(logger, "credential renewal failed")
		failure := fmt.Errorf("%w: %w", ErrRenewalFailed, err)
		if _, redirectErr := c.redirector.ToSignIn(); redirectErr != nil {
			failure = errors.Join(failure, redirectErr)
		}
		cl.fail(failure)
		return
	}

	cl.state = stateRetrying
}

// canRenew reports whether the store holds anything a renewal could use.
func (c *Client) canRenew() bool {
	current := c.store.Snapshot()
	switch c.mode {
	case credential.ModeHeaderToken:
		return current.HasCredentials()
	case credential.ModeCookie:
		return current.User != nil
	default:
		return false
	}
}

func (c *Client) clearSession(logger logrus.FieldLogger, reason string) {
	if err := c.store.Clear(); err != nil {
		logger.WithError(err).Warn("failed to clear persisted session")
	}
	if c.onCleared != nil {
		c.onCleared()
	}
	logger.WithField("reason", reason).Info("session cleared")
}

func (c *Client) observe(cl *call) {
	if !shouldObserve(cl.err) {
		return
	}
	c.observerMu.RLock()
	fn := c.observer
	c.observerMu.RUnlock()
	if fn != nil {
		fn(cl.err)
	}
}

// Notify sends a request without attaching credentials and without 401
// handling. Callers supply whatever credentials the request needs in header.
func (c *Client) Notify(ctx context.Context, method, path string, header http.Header) error {
	cl := &call{
		req:       &Request{Method: method, Path: path, Header: header},
		path:      pathOnly(path),
		requestID: uuid.NewString(),
	}
	resp, err := c.roundTrip(ctx, cl, false)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(cl.req, resp)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, cl *call, attach bool) (*Response, error) {
	var body io.Reader
	if len(cl.req.Body) > 0 {
		body = bytes.NewReader(cl.req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, cl.req.Method, c.baseURL+cl.req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range cl.req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", cl.requestID)

	cl.bearer = ""
	if attach && c.mode == credential.ModeHeaderToken && !c.isPublic(cl.path) {
		if token := c.store.Snapshot().AccessToken; token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
			cl.bearer = token
		}
	}

	resp, err := c.doer.DoWithContext(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: request failed: %w", cl.req.Method, cl.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		RequestID:  cl.requestID,
	}, nil
}

func (c *Client) statusError(req *Request, resp *Response) *StatusError {
	return &StatusError{
		Method:     req.Method,
		Path:       pathOnly(req.Path),
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}
}

func (c *Client) isPublic(path string) bool {
	for _, p := range c.publicPaths {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

func (c *Client) callLogger(cl *call) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"request_id": cl.requestID,
		"method":     cl.req.Method,
		"path":       cl.path,
		"state":      cl.state.String(),
	})
}

func pathOnly(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}
