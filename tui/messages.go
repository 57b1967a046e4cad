package tui

import (
	"time"
)

// MsgBanner carries the server and credential mode shown in the title.
type MsgBanner struct {
	ServerURL string
	Mode      string
}

// MsgInitializing signals that the persisted session is being restored.
type MsgInitializing struct{}

// MsgReady signals that initialization settled on a state.
type MsgReady struct {
	State string
	User  string
}

// MsgLoginStarted signals that a sign-in with a provider has begun.
type MsgLoginStarted struct{ Provider string }

// MsgAuthURL carries the provider authorization URL the user must open.
type MsgAuthURL struct{ URL string }

// MsgWaitingForCallback signals that the local callback listener is armed.
type MsgWaitingForCallback struct{}

// MsgLoginOK signals a completed sign-in.
type MsgLoginOK struct{ User string }

// MsgLoginFailed signals that sign-in failed.
type MsgLoginFailed struct{ Err error }

// MsgGuestSession carries the current guest session identifier.
type MsgGuestSession struct{ ID string }

// MsgGuestMigrated reports the outcome of moving guest data to the account.
type MsgGuestMigrated struct {
	ID  string
	Err error
}

// MsgVerifying signals that session verification is in progress.
type MsgVerifying struct{}

// MsgVerifyOK signals that session verification succeeded.
type MsgVerifyOK struct{}

// MsgVerifyFailed signals that session verification failed.
type MsgVerifyFailed struct{ Err error }

// MsgRenewing signals that a credential renewal is in progress.
type MsgRenewing struct{}

// MsgRenewOK signals a successful renewal.
type MsgRenewOK struct{ Expiry time.Time }

// MsgRenewFailed signals that renewal failed.
type MsgRenewFailed struct{ Err error }

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct {
	Status int
	Body   string
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgSignInRequired signals that the session ended and the user must sign in.
type MsgSignInRequired struct{ Path string }

// MsgLoggedOut signals that the local session was cleared.
type MsgLoggedOut struct{}

// MsgDone signals that the command finished; carries the session summary.
type MsgDone struct {
	Preview   string
	Mode      string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
