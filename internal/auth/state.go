package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultStateTTL = 10 * time.Minute
	stateByteLength = 32

	// DeliveryPopup returns the login result to the opener window via postMessage.
	DeliveryPopup = "popup"
	// DeliveryRedirect returns the login result via a URL fragment on the origin page.
	DeliveryRedirect = "redirect"
)

var (
	// ErrStateNotFound indicates an unknown or already consumed correlation state.
	ErrStateNotFound = errors.New("auth: login state not found")
	// ErrStateExpired indicates the correlation state outlived its TTL.
	ErrStateExpired = errors.New("auth: login state expired")
)

// LoginState is a one-shot correlation token binding a login attempt to its callback.
type LoginState struct {
	State            string `gorm:"column:state;primaryKey;size:64;not null"`
	Provider         string `gorm:"column:provider;size:32;not null"`
	Origin           string `gorm:"column:origin;size:512;not null"`
	Delivery         string `gorm:"column:delivery;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (LoginState) TableName() string {
	return "login_states"
}

// StateStoreConfig configures the correlation state store.
type StateStoreConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
}

// StateStore issues and consumes one-shot login correlation states.
type StateStore struct {
	db    *gorm.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewStateStore constructs a StateStore with sane defaults.
func NewStateStore(cfg StateStoreConfig) (*StateStore, error) {
	if cfg.Database == nil {
		return nil, errors.New("auth: state store requires a database handle")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StateStore{db: cfg.Database, ttl: ttl, clock: clock}, nil
}

// Issue persists a fresh unguessable state bound to the provider, origin and delivery mode.
func (s *StateStore) Issue(ctx context.Context, provider, origin, delivery string) (string, error) {
	raw := make([]byte, stateByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock().UTC()
	record := LoginState{
		State:            state,
		Provider:         provider,
		Origin:           origin,
		Delivery:         delivery,
		CreatedAtSeconds: now.Unix(),
		ExpiresAtSeconds: now.Add(s.ttl).Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", err
	}
	return state, nil
}

// Consume checks and discards a state. A second consume of the same value fails.
func (s *StateStore) Consume(ctx context.Context, provider, state string) (LoginState, error) {
	var record LoginState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("state = ? AND provider = ?", state, provider).
			Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateNotFound
			}
			return err
		}
		return tx.Delete(&LoginState{}, "state = ?", state).Error
	})
	if err != nil {
		return LoginState{}, err
	}
	if s.clock().UTC().Unix() > record.ExpiresAtSeconds {
		return LoginState{}, ErrStateExpired
	}
	return record, nil
}

// PruneExpired removes states past their TTL. Safe to call periodically.
func (s *StateStore) PruneExpired(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Delete(&LoginState{}, "expires_at_s < ?", s.clock().UTC().Unix()).
		Error
}

// PruneLoop calls PruneExpired on the given cadence until the context is
// cancelled. Consume only removes the one state it was asked for, so
// abandoned login attempts would otherwise accumulate.
func (s *StateStore) PruneLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PruneExpired(ctx); err != nil {
				logger.Warn("login state prune failed", zap.Error(err))
			}
		}
	}
}
