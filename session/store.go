package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-cli/credential"
)

const (
	storageKey     = "auth-storage"
	storageVersion = 1
)

// ErrMissingAccessToken is returned when a user is set without an access token
// in header credential mode.
var ErrMissingAccessToken = errors.New("header credential mode requires an access token for a signed-in user")

// Store is the view of the session state that the request pipeline, the
// renewal scheduler and the orchestrator depend on.
type Store interface {
	// Snapshot returns a copy of the current state.
	Snapshot() Session
	// Generation changes every time the identity is replaced or cleared.
	Generation() uint64
	SetSession(user *User, accessToken, refreshToken string) error
	SetUser(user *User) error
	// UpdateTokens applies a renewed pair only if generation is still current.
	UpdateTokens(generation uint64, accessToken, refreshToken string) (bool, error)
	SetLoading(loading bool)
	Clear() error
	IsAuthenticated() bool
}

type persistedState struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type persistedRecord struct {
	Version int            `json:"version"`
	State   persistedState `json:"state"`
}

// TokenStore is the persisted Store. Every mutation is written through to the
// KV before it returns, so a restarted process rehydrates the same state.
type TokenStore struct {
	mu         sync.RWMutex
	kv         KV
	mode       credential.Mode
	log        logrus.FieldLogger
	session    Session
	generation uint64
}

var _ Store = (*TokenStore)(nil)

// NewTokenStore creates a TokenStore and hydrates it from kv.
func NewTokenStore(kv KV, mode credential.Mode, logger logrus.FieldLogger) (*TokenStore, error) {
	if kv == nil {
		return nil, errors.New("missing key-value store")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &TokenStore{kv: kv, mode: mode, log: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Mode returns the credential mode the store enforces.
func (s *TokenStore) Mode() credential.Mode {
	return s.mode
}

// Reload replaces the in-memory state with what is persisted. Unreadable or
// foreign-version records are treated as an empty session.
func (s *TokenStore) Reload() error {
	state, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !sameIdentity(s.session, state) {
		s.generation++
	}
	s.session.User = state.User
	s.session.AccessToken = state.AccessToken
	s.session.RefreshToken = state.RefreshToken
	return nil
}

func (s *TokenStore) load() (persistedState, error) {
	raw, ok, err := s.kv.Get(storageKey)
	if err != nil {
		return persistedState{}, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return persistedState{}, nil
	}

	var record persistedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		s.log.WithError(err).Warn("discarding unreadable persisted session")
		return persistedState{}, nil
	}
	if record.Version != storageVersion {
		s.log.WithField("version", record.Version).Warn("discarding persisted session with unknown version")
		return persistedState{}, nil
	}

	state := record.State
	if s.mode == credential.ModeHeaderToken && state.User != nil && state.AccessToken == "" {
		s.log.Warn("persisted user has no access token, dropping user")
		state.User = nil
	}
	return state, nil
}

func (s *TokenStore) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.session
	snap.User = cloneUser(s.session.User)
	return snap
}

func (s *TokenStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// SetSession replaces user and both tokens in one step. Empty token strings
// mean absent.
func (s *TokenStore) SetSession(user *User, accessToken, refreshToken string) error {
	if s.mode == credential.ModeHeaderToken && user != nil && accessToken == "" {
		return ErrMissingAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.User = cloneUser(user)
	s.session.AccessToken = accessToken
	s.session.RefreshToken = refreshToken
	s.generation++
	return s.persistLocked()
}

// SetUser caches the profile without touching the tokens.
func (s *TokenStore) SetUser(user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == credential.ModeHeaderToken && user != nil && s.session.AccessToken == "" {
		return ErrMissingAccessToken
	}
	s.session.User = cloneUser(user)
	return s.persistLocked()
}

func (s *TokenStore) UpdateTokens(generation uint64, accessToken, refreshToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return false, nil
	}
	s.session.AccessToken = accessToken
	s.session.RefreshToken = refreshToken
	return true, s.persistLocked()
}

func (s *TokenStore) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Loading = loading
}

// Clear wipes the identity fields in memory and on disk. The in-memory state is
// cleared even when the KV delete fails.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.User = nil
	s.session.AccessToken = ""
	s.session.RefreshToken = ""
	s.generation++

	if err := s.kv.Delete(storageKey); err != nil {
		return fmt.Errorf("failed to delete persisted session: %w", err)
	}
	return nil
}

func (s *TokenStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mode == credential.ModeCookie {
		return s.session.User != nil
	}
	return s.session.AccessToken != ""
}

func (s *TokenStore) persistLocked() error {
	record := persistedRecord{
		Version: storageVersion,
		State: persistedState{
			User:         s.session.User,
			AccessToken:  s.session.AccessToken,
			RefreshToken: s.session.RefreshToken,
		},
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.kv.Set(storageKey, data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func sameIdentity(current Session, state persistedState) bool {
	if current.AccessToken != state.AccessToken || current.RefreshToken != state.RefreshToken {
		return false
	}
	switch {
	case current.User == nil && state.User == nil:
		return true
	case current.User == nil || state.User == nil:
		return false
	default:
		return *current.User == *state.User
	}
}
