package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/go-authgate/session-cli/auth"
	"github.com/go-authgate/session-cli/transport"
	"github.com/go-authgate/session-cli/tui"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates the command needs a session that is missing or ended.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates sign-in failed.
	ExitCodeAuthFailed = 3
)

var errLoginFailed = errors.New("sign-in failed")

// displayedError marks an error the user has already been shown.
type displayedError struct{ err error }

func (e *displayedError) Error() string { return e.err.Error() }
func (e *displayedError) Unwrap() error { return e.err }

// exitCode maps an error to a semantic exit code for scripting.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.Is(err, errLoginFailed):
		return ExitCodeAuthFailed
	}
	switch transport.KindOf(err) {
	case transport.KindExpectedUnauthenticated, transport.KindRenewalFailure:
		return ExitCodeAuthRequired
	default:
		return ExitCodeError
	}
}

// cli carries process-level dependencies shared by every command.
type cli struct {
	flags  flagValues
	stdout io.Writer
	stderr io.Writer
	isTTY  func() bool
	doer   transport.Doer // nil uses the retrying HTTP client
}

type commandFunc func(ctx context.Context, a *app, args []string) error

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "session-cli",
		Short: "Keep a signed-in session with the recipe backend",
		Long: `session-cli signs in to the recipe backend, keeps the session alive and
issues authenticated calls, renewing credentials transparently when they expire.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          c.run(appOptions{}, statusCommand),
	}

	f := root.PersistentFlags()
	f.StringVar(&c.flags.configFile, "config", "", "YAML config file (or CONFIG_FILE env)")
	f.StringVar(&c.flags.serverURL, "server-url", "",
		"backend URL (default: http://localhost:8080 or SERVER_URL env)")
	f.StringVar(&c.flags.appEnv, "env", "",
		"deployment environment: local, development or production (or APP_ENV env)")
	f.StringVar(&c.flags.sessionFile, "session-file", "",
		"session storage file (default: .recipe-session.json or SESSION_FILE env)")
	f.StringVar(&c.flags.signInPath, "signin-path", "",
		"where to send the user when the session ends (default: /signin or SIGNIN_PATH env)")
	f.StringVar(&c.flags.callbackPort, "callback-port", "",
		"loopback port for provider redirects, 0 picks one (or CALLBACK_PORT env)")
	f.StringVar(&c.flags.debugUserID, "debug-user-id", "",
		"user for debug sign-in outside production (or DEBUG_USER_ID env)")
	f.StringVar(&c.flags.debugRole, "debug-role", "", "role for debug sign-in (or DEBUG_ROLE env)")
	f.StringVar(&c.flags.renewInterval, "renew-interval", "",
		"background renewal interval (default: 50m or RENEW_INTERVAL env)")
	f.StringVar(&c.flags.logLevel, "log-level", "", "log level (default: info or LOG_LEVEL env)")
	f.StringVar(&c.flags.logFile, "log-file", "", "rotate logs into this file (or LOG_FILE env)")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Restore the session and show its state",
			Args:  cobra.NoArgs,
			RunE:  c.run(appOptions{}, statusCommand),
		},
		&cobra.Command{
			Use:   "login [provider]",
			Short: "Sign in (debug shortcut outside production)",
			Args:  cobra.MaximumNArgs(1),
			RunE:  c.run(appOptions{onSignIn: true}, loginCommand),
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Sign out locally and tell the backend",
			Args:  cobra.NoArgs,
			RunE:  c.run(appOptions{}, logoutCommand),
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check the session with the backend, renewing it if needed",
			Args:  cobra.NoArgs,
			RunE:  c.run(appOptions{}, verifyCommand),
		},
		&cobra.Command{
			Use:   "renew",
			Short: "Renew credentials now",
			Args:  cobra.NoArgs,
			RunE:  c.run(appOptions{}, renewCommand),
		},
		newCallCmd(c),
		&cobra.Command{
			Use:   "guest",
			Short: "Print the guest session id, creating one if needed",
			Args:  cobra.NoArgs,
			RunE:  c.run(appOptions{guestOnly: true}, c.guestCommand),
		},
		&cobra.Command{
			Use:   "daemon",
			Short: "Keep the session renewed until interrupted",
			Args:  cobra.NoArgs,
			RunE:  c.run(appOptions{}, daemonCommand),
		},
	)
	return root
}

func newCallCmd(c *cli) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "call METHOD PATH",
		Short: "Issue an authenticated request and print the response body",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.RunE = c.run(appOptions{}, func(ctx context.Context, a *app, args []string) error {
		req, err := buildRequest(args[0], args[1], data)
		if err != nil {
			return err
		}
		a.orc.Initialize(ctx)

		resp, err := a.client.Do(ctx, req)
		if err != nil {
			return err
		}
		a.display.APICallOK(resp.StatusCode, preview(resp.Body, 200))
		if len(resp.Body) > 0 {
			fmt.Fprintln(c.stdout, string(resp.Body))
		}
		return nil
	})
	return cmd
}

func buildRequest(method, path, data string) (*transport.Request, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path must start with /, got: %s", path)
	}
	req := &transport.Request{Method: strings.ToUpper(method), Path: path}
	if data != "" {
		if !json.Valid([]byte(data)) {
			return nil, errors.New("--data must be valid JSON")
		}
		req.Body = []byte(data)
	}
	return req, nil
}

func preview(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// run wraps a command with configuration, display and app wiring.
func (c *cli) run(opts appOptions, fn commandFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(c.flags)
		if err != nil {
			return err
		}

		if cfg.Insecure() {
			fmt.Fprintln(
				c.stderr,
				"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			)
			fmt.Fprintln(
				c.stderr,
				"⚠️  This is only safe for local development. Use HTTPS in production.",
			)
			fmt.Fprintln(c.stderr)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger, closeLog := newLogger(cfg, c.stderr)
		defer closeLog()

		if opts.doer == nil {
			opts.doer = c.doer
		}
		return c.display(cfg, logger, func(d tui.Displayer) error {
			return execute(ctx, cfg, logger, d, opts, fn, args)
		})
	}
}

// display runs fn with the BubbleTea renderer on a terminal and plain text
// otherwise.
func (c *cli) display(cfg *Config, logger *logrus.Logger, fn func(tui.Displayer) error) error {
	if !c.isTTY() {
		return fn(tui.NewPlainDisplayer(c.stderr))
	}

	if cfg.LogFile == "" {
		// Log lines would tear the rendered frame.
		logger.SetOutput(io.Discard)
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(c.stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(c.stderr, "TUI error: %v\n", err)
		}
	}()

	err := fn(tui.NewProgramDisplayer(p))
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}

func execute(
	ctx context.Context,
	cfg *Config,
	logger logrus.FieldLogger,
	d tui.Displayer,
	opts appOptions,
	fn commandFunc,
	args []string,
) error {
	d.Banner(cfg.ServerURL, cfg.Mode.String())

	a, err := newApp(cfg, logger, d, opts)
	if err != nil {
		d.Fatal(err)
		return &displayedError{err: err}
	}
	defer a.close()

	err = fn(ctx, a, args)
	if err == nil {
		return nil
	}
	var shown *displayedError
	if !errors.As(err, &shown) && !a.reported(err) {
		d.Fatal(err)
	}
	return &displayedError{err: err}
}

func statusCommand(ctx context.Context, a *app, _ []string) error {
	a.display.Initializing()
	state := a.orc.Initialize(ctx)
	a.display.Ready(state.String(), a.store.Snapshot().User.DisplayName())
	a.summary()
	return nil
}

func loginCommand(ctx context.Context, a *app, args []string) error {
	provider := "google"
	if len(args) > 0 {
		provider = args[0]
	}

	a.display.Initializing()
	if a.orc.Initialize(ctx) == auth.StateAuthenticated {
		a.display.Ready(auth.StateAuthenticated.String(), a.store.Snapshot().User.DisplayName())
		a.summary()
		return nil
	}

	if !a.cfg.Env.IsProduction() {
		provider = "debug"
	}
	a.display.LoginStarted(provider)
	started := time.Now()
	if err := a.orc.Login(ctx, provider); err != nil {
		a.display.LoginFailed(err)
		return &displayedError{err: fmt.Errorf("%w: %w", errLoginFailed, err)}
	}

	a.display.LoginOK(a.store.Snapshot().User.DisplayName())
	a.reportMigration(started)
	a.summary()
	return nil
}

func logoutCommand(ctx context.Context, a *app, _ []string) error {
	a.orc.Logout(ctx)
	a.display.LoggedOut()
	return nil
}

func verifyCommand(ctx context.Context, a *app, _ []string) error {
	a.orc.Initialize(ctx)

	a.display.Verifying()
	ok, err := a.orc.VerifyAndRefreshToken(ctx)
	if err == nil && !ok {
		err = transport.ErrNotAuthenticated
	}
	if err != nil {
		a.display.VerifyFailed(err)
		return &displayedError{err: err}
	}
	a.display.VerifyOK()
	a.summary()
	return nil
}

func renewCommand(ctx context.Context, a *app, _ []string) error {
	a.orc.Initialize(ctx)

	a.display.Renewing()
	token, err := a.renewer.Renew(ctx)
	a.renewed(token, err)
	if err != nil {
		return &displayedError{err: err}
	}
	a.summary()
	return nil
}

func (c *cli) guestCommand(ctx context.Context, a *app, _ []string) error {
	a.orc.Initialize(ctx)

	id, err := a.guests.GetOrCreateSessionID(ctx)
	if err != nil {
		return err
	}
	a.display.GuestSession(id)
	fmt.Fprintln(c.stdout, id)
	return nil
}

// daemonCommand keeps the scheduler armed while the session lasts, following
// sign-ins and sign-outs made by other processes through the session file.
func daemonCommand(ctx context.Context, a *app, _ []string) error {
	a.display.Initializing()
	state := a.orc.Initialize(ctx)
	a.display.Ready(state.String(), a.store.Snapshot().User.DisplayName())

	err := a.kv.Watch(ctx, func() {
		if err := a.store.Reload(); err != nil {
			a.log.WithError(err).Warn("failed to reload session")
			return
		}
		if a.store.IsAuthenticated() {
			a.scheduler.Start()
		} else {
			a.scheduler.Stop()
		}
	})
	if err != nil {
		return err
	}

	a.log.WithField("file", a.kv.Path()).Info("watching session file")
	<-ctx.Done()
	a.summary()
	return nil
}
