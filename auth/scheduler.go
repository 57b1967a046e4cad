package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/transport"
)

// DefaultRenewInterval renews comfortably before a one-hour access token expires.
const DefaultRenewInterval = 50 * time.Minute

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker returns a Ticker backed by time.Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Mode      credential.Mode
	Interval  time.Duration              // defaults to DefaultRenewInterval
	NewTicker func(time.Duration) Ticker // defaults to NewTimeTicker
	OnRenew   func(*oauth2.Token, error) // called after every attempted renewal
	Logger    logrus.FieldLogger
}

// Scheduler renews credentials on a fixed interval, independent of any
// request. A failed renewal is only logged; signing the user out is left to
// the request pipeline.
type Scheduler struct {
	renewer   transport.TokenRenewer
	store     session.Store
	mode      credential.Mode
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	onRenew   func(*oauth2.Token, error)
	log       logrus.FieldLogger

	mu     sync.Mutex
	ticker Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(renewer transport.TokenRenewer, store session.Store, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRenewInterval
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scheduler{
		renewer:   renewer,
		store:     store,
		mode:      opts.Mode,
		interval:  opts.Interval,
		newTicker: opts.NewTicker,
		onRenew:   opts.OnRenew,
		log:       opts.Logger,
	}
}

// Start arms the timer. Calling it while armed does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil || s.mode == credential.ModeMock {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.newTicker(s.interval)
	s.ticker = ticker
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx, ticker)
	s.log.WithField("interval", s.interval.String()).Debug("renewal scheduler started")
}

// Stop disarms the timer and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	ticker, cancel := s.ticker, s.cancel
	s.ticker, s.cancel = nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	cancel()
	s.wg.Wait()
	s.log.Debug("renewal scheduler stopped")
}

// Running reports whether the timer is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	current := s.store.Snapshot()
	switch {
	case s.mode == credential.ModeHeaderToken && current.RefreshToken == "",
		s.mode == credential.ModeCookie && current.User == nil:
		s.log.Debug("nothing to renew, skipping scheduled renewal")
		return
	}

	token, err := s.renewer.Renew(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.WithError(err).Warn("scheduled renewal failed, keeping session")
	} else {
		s.log.Debug("scheduled renewal succeeded")
	}
	if s.onRenew != nil {
		s.onRenew(token, err)
	}
}
