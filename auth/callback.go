package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackTimeout bounds how long a production login waits for the provider.
const CallbackTimeout = 5 * time.Minute

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Sign-in</title></head>
<body>{{if .Error}}<h1>Sign-in failed</h1><p>{{.Error}}{{if .Description}}: {{.Description}}{{end}}</p>
{{else}}<h1>Signed in</h1><p>You can close this window and return to the terminal.</p>{{end}}</body></html>
`))

// CallbackResult is what the provider redirect carried.
type CallbackResult struct {
	Code             string
	Error            string
	ErrorDescription string
}

// Err returns the provider's error, or nil.
func (r *CallbackResult) Err() error {
	if r.Error == "" {
		return nil
	}
	if r.ErrorDescription != "" {
		return fmt.Errorf("sign-in rejected: %s: %s", r.Error, r.ErrorDescription)
	}
	return fmt.Errorf("sign-in rejected: %s", r.Error)
}

// CallbackServer is a loopback HTTP server that accepts exactly one /callback
// request carrying the expected state and then shuts down.
type CallbackServer struct {
	port     int
	state    string
	server   *http.Server
	listener net.Listener
	resultCh chan *CallbackResult
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once
}

// NewCallbackServer creates a server for port; 0 picks a free port. Callbacks
// whose state parameter differs from state are rejected.
func NewCallbackServer(port int, state string) *CallbackServer {
	return &CallbackServer{
		port:     port,
		state:    state,
		resultCh: make(chan *CallbackResult, 1),
		errorCh:  make(chan error, 1),
	}
}

// Start listens on 127.0.0.1 and returns the redirect URI to hand to the
// provider. The server stops when ctx is done.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.RedirectURI(), nil
}

// RedirectURI is the callback URL the provider must redirect to.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.port)
}

// Wait blocks until the callback arrives or ctx is done.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	// A forged request must not use up the one callback.
	got := r.URL.Query().Get("state")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.state)) != 1 {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}

	handled := false
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
	if result.Code == "" && result.Error == "" {
		result.Error = "missing_code"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := callbackPage.Execute(w, map[string]string{
		"Error":       result.Error,
		"Description": result.ErrorDescription,
	}); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}

	// Give the response time to flush before shutting down.
	go func() {
		time.Sleep(time.Second)
		s.Stop()
	}()
}

// Stop shuts the server down. It is safe to call more than once.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}
