package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-cli/session"
)

const (
	guestSessionKey   = "guest-session-id"
	guestMigrationKey = "guest-migration"
)

// MigrationRecord is the persisted outcome of the last guest migration attempt.
type MigrationRecord struct {
	GuestSessionID string    `json:"guestSessionId"`
	AttemptedAt    time.Time `json:"attemptedAt"`
	Succeeded      bool      `json:"succeeded"`
	Error          string    `json:"error,omitempty"`
}

// GuestManager owns the anonymous session id. The id is created lazily and
// migrated to a user account at most once.
type GuestManager struct {
	api GuestAPI
	kv  session.KV
	log logrus.FieldLogger
	now func() time.Time

	mu sync.Mutex
}

// NewGuestManager creates a GuestManager persisting into kv.
func NewGuestManager(api GuestAPI, kv session.KV, logger logrus.FieldLogger) *GuestManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GuestManager{api: api, kv: kv, log: logger, now: time.Now}
}

// SessionID returns the persisted guest id, or "" when there is none.
func (g *GuestManager) SessionID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionIDLocked()
}

func (g *GuestManager) sessionIDLocked() (string, error) {
	raw, ok, err := g.kv.Get(guestSessionKey)
	if err != nil {
		return "", fmt.Errorf("failed to read guest session: %w", err)
	}
	if !ok {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		g.log.WithError(err).Warn("discarding unreadable guest session id")
		return "", nil
	}
	return id, nil
}

// GetOrCreateSessionID returns the persisted id, minting one first if needed.
// Concurrent callers share the same id.
func (g *GuestManager) GetOrCreateSessionID(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.sessionIDLocked()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id, err = g.api.CreateGuestSession(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create guest session: %w", err)
	}

	raw, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	if err := g.kv.Set(guestSessionKey, raw); err != nil {
		return "", fmt.Errorf("failed to save guest session: %w", err)
	}
	g.log.WithField("guest_session_id", id).Info("guest session created")
	return id, nil
}

// MigrateToUser hands the guest session to the signed-in user. Without a guest
// id it does nothing. Otherwise the id is removed whatever the outcome, so a
// failed migration is attempted once and never again; the failure is logged,
// recorded and returned.
func (g *GuestManager) MigrateToUser(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.sessionIDLocked()
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	logger := g.log.WithField("guest_session_id", id)
	migrateErr := g.api.MigrateGuest(ctx, id)

	record := MigrationRecord{
		GuestSessionID: id,
		AttemptedAt:    g.now().UTC(),
		Succeeded:      migrateErr == nil,
	}
	if migrateErr != nil {
		record.Error = migrateErr.Error()
		logger.WithError(migrateErr).Warn("guest migration failed, discarding guest session")
		migrateErr = fmt.Errorf("guest migration failed: %w", migrateErr)
	} else {
		logger.Info("guest session migrated")
	}

	var errs []error
	errs = append(errs, migrateErr)
	if err := g.kv.Delete(guestSessionKey); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete guest session: %w", err))
	}
	if raw, err := json.Marshal(record); err != nil {
		errs = append(errs, err)
	} else if err := g.kv.Set(guestMigrationKey, raw); err != nil {
		errs = append(errs, fmt.Errorf("failed to record guest migration: %w", err))
	}
	return errors.Join(errs...)
}

// LastMigration returns the record of the last migration attempt, or nil.
func (g *GuestManager) LastMigration() (*MigrationRecord, error) {
	raw, ok, err := g.kv.Get(guestMigrationKey)
	if err != nil || !ok {
		return nil, err
	}
	var record MigrationRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to parse guest migration record: %w", err)
	}
	return &record, nil
}

// Clear forgets the guest session without migrating it.
func (g *GuestManager) Clear() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kv.Delete(guestSessionKey)
}
