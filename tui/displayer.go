package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all output produced while driving a session.
type Displayer interface {
	Banner(serverURL, mode string)
	Initializing()
	Ready(state, user string)
	LoginStarted(provider string)
	AuthURL(url string)
	WaitingForCallback()
	LoginOK(user string)
	LoginFailed(err error)
	GuestSession(id string)
	GuestMigrated(id string, err error)
	Verifying()
	VerifyOK()
	VerifyFailed(err error)
	Renewing()
	RenewOK(expiry time.Time)
	RenewFailed(err error)
	APICallOK(status int, body string)
	APICallFailed(err error)
	SignInRequired(path string)
	LoggedOut()
	Done(preview, mode string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(serverURL, mode string) {
	fmt.Fprintln(p.w, "=== Recipe Session Client ===")
	fmt.Fprintf(p.w, "Server: %s (%s credentials)\n", serverURL, mode)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) Initializing() {
	fmt.Fprintln(p.w, "Restoring session...")
}

func (p *PlainDisplayer) Ready(state, user string) {
	if user == "" {
		fmt.Fprintf(p.w, "Session state: %s\n", state)
		return
	}
	fmt.Fprintf(p.w, "Session state: %s as %s\n", state, user)
}

func (p *PlainDisplayer) LoginStarted(provider string) {
	fmt.Fprintf(p.w, "Signing in with %s...\n", provider)
}

func (p *PlainDisplayer) AuthURL(url string) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to sign in:\n%s\n", url)
	fmt.Fprintln(p.w, "----------------------------------------")
}

func (p *PlainDisplayer) WaitingForCallback() {
	fmt.Fprintln(p.w, "Waiting for the provider to redirect back...")
}

func (p *PlainDisplayer) LoginOK(user string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", user)
}

func (p *PlainDisplayer) LoginFailed(err error) {
	fmt.Fprintf(p.w, "Sign-in failed: %v\n", err)
}

func (p *PlainDisplayer) GuestSession(id string) {
	fmt.Fprintf(p.w, "Guest session: %s\n", id)
}

func (p *PlainDisplayer) GuestMigrated(id string, err error) {
	if err != nil {
		fmt.Fprintf(p.w, "Warning: guest session %s was not migrated: %v\n", id, err)
		return
	}
	fmt.Fprintf(p.w, "Guest session %s migrated to your account\n", id)
}

func (p *PlainDisplayer) Verifying() {
	fmt.Fprintln(p.w, "Verifying session...")
}

func (p *PlainDisplayer) VerifyOK() {
	fmt.Fprintln(p.w, "Session verified successfully!")
}

func (p *PlainDisplayer) VerifyFailed(err error) {
	fmt.Fprintf(p.w, "Session verification failed: %v\n", err)
}

func (p *PlainDisplayer) Renewing() {
	fmt.Fprintln(p.w, "Renewing session...")
}

func (p *PlainDisplayer) RenewOK(expiry time.Time) {
	if expiry.IsZero() {
		fmt.Fprintln(p.w, "Session renewed")
		return
	}
	fmt.Fprintf(p.w, "Session renewed, valid until %s\n", expiry.Format(time.RFC3339))
}

func (p *PlainDisplayer) RenewFailed(err error) {
	fmt.Fprintf(p.w, "Renewal failed: %v\n", err)
}

func (p *PlainDisplayer) APICallOK(status int, body string) {
	fmt.Fprintf(p.w, "API call successful (%d)\n", status)
	if body != "" {
		fmt.Fprintln(p.w, body)
	}
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) SignInRequired(path string) {
	fmt.Fprintf(p.w, "Session ended, sign in again (%s)\n", path)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Signed out")
}

func (p *PlainDisplayer) Done(preview, mode string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session Info:")
	fmt.Fprintf(p.w, "Credential Mode: %s\n", mode)
	if preview != "" {
		fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	}
	if expiresIn > 0 {
		fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_, _ string)                {}
func (NoopDisplayer) Initializing()                     {}
func (NoopDisplayer) Ready(_, _ string)                 {}
func (NoopDisplayer) LoginStarted(_ string)             {}
func (NoopDisplayer) AuthURL(_ string)                  {}
func (NoopDisplayer) WaitingForCallback()               {}
func (NoopDisplayer) LoginOK(_ string)                  {}
func (NoopDisplayer) LoginFailed(_ error)               {}
func (NoopDisplayer) GuestSession(_ string)             {}
func (NoopDisplayer) GuestMigrated(_ string, _ error)   {}
func (NoopDisplayer) Verifying()                        {}
func (NoopDisplayer) VerifyOK()                         {}
func (NoopDisplayer) VerifyFailed(_ error)              {}
func (NoopDisplayer) Renewing()                         {}
func (NoopDisplayer) RenewOK(_ time.Time)               {}
func (NoopDisplayer) RenewFailed(_ error)               {}
func (NoopDisplayer) APICallOK(_ int, _ string)         {}
func (NoopDisplayer) APICallFailed(_ error)             {}
func (NoopDisplayer) SignInRequired(_ string)           {}
func (NoopDisplayer) LoggedOut()                        {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration) {}
func (NoopDisplayer) Fatal(_ error)                     {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL, mode string) {
	t.p.Send(MsgBanner{ServerURL: serverURL, Mode: mode})
}

func (t *ProgramDisplayer) Initializing() {
	t.p.Send(MsgInitializing{})
}

func (t *ProgramDisplayer) Ready(state, user string) {
	t.p.Send(MsgReady{State: state, User: user})
}

func (t *ProgramDisplayer) LoginStarted(provider string) {
	t.p.Send(MsgLoginStarted{Provider: provider})
}

func (t *ProgramDisplayer) AuthURL(url string) {
	t.p.Send(MsgAuthURL{URL: url})
}

func (t *ProgramDisplayer) WaitingForCallback() {
	t.p.Send(MsgWaitingForCallback{})
}

func (t *ProgramDisplayer) LoginOK(user string) {
	t.p.Send(MsgLoginOK{User: user})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) GuestSession(id string) {
	t.p.Send(MsgGuestSession{ID: id})
}

func (t *ProgramDisplayer) GuestMigrated(id string, err error) {
	t.p.Send(MsgGuestMigrated{ID: id, Err: err})
}

func (t *ProgramDisplayer) Verifying() {
	t.p.Send(MsgVerifying{})
}

func (t *ProgramDisplayer) VerifyOK() {
	t.p.Send(MsgVerifyOK{})
}

func (t *ProgramDisplayer) VerifyFailed(err error) {
	t.p.Send(MsgVerifyFailed{Err: err})
}

func (t *ProgramDisplayer) Renewing() {
	t.p.Send(MsgRenewing{})
}

func (t *ProgramDisplayer) RenewOK(expiry time.Time) {
	t.p.Send(MsgRenewOK{Expiry: expiry})
}

func (t *ProgramDisplayer) RenewFailed(err error) {
	t.p.Send(MsgRenewFailed{Err: err})
}

func (t *ProgramDisplayer) APICallOK(status int, body string) {
	t.p.Send(MsgAPICallOK{Status: status, Body: body})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) SignInRequired(path string) {
	t.p.Send(MsgSignInRequired{Path: path})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Done(preview, mode string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, Mode: mode, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
