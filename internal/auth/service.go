package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStateStore = errors.New("state store is required")
	errMissingIssuer     = errors.New("token issuer is required")
	errMissingOrigin     = errors.New("auth: request origin is required")

	// ErrOriginNotAllowed indicates a login initiation from an origin outside the allow list.
	ErrOriginNotAllowed = errors.New("auth: origin not allowed")
)

// ServiceConfig describes the dependencies of the handshake service.
type ServiceConfig struct {
	Database       *gorm.DB
	Providers      map[string]Provider
	States         *StateStore
	Issuer         *TokenIssuer
	AllowedOrigins []string
	HTTPClient     *http.Client
	Logger         *zap.Logger
	Clock          func() time.Time
	Recorder       HandshakeRecorder
}

// HandshakeRecorder counts handshake outcomes. Satisfied by the metrics collector.
type HandshakeRecorder interface {
	RecordLoginStarted(provider string)
	RecordLoginCompleted(provider string)
	RecordLoginFailed(provider, reason string)
}

type noopRecorder struct{}

func (noopRecorder) RecordLoginStarted(string)        {}
func (noopRecorder) RecordLoginCompleted(string)      {}
func (noopRecorder) RecordLoginFailed(string, string) {}

// Service drives the server side of the login handshake: state issuance,
// code exchange, identity upsert and result envelope construction.
type Service struct {
	db             *gorm.DB
	providers      map[string]Provider
	states         *StateStore
	issuer         *TokenIssuer
	allowedOrigins map[string]struct{}
	httpClient     *http.Client
	logger         *zap.Logger
	clock          func() time.Time
	recorder       HandshakeRecorder
}

// NewService constructs the handshake service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.States == nil {
		return nil, errMissingStateStore
	}
	if cfg.Issuer == nil {
		return nil, errMissingIssuer
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		normalized := strings.TrimRight(strings.TrimSpace(origin), "/")
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return &Service{
		db:             cfg.Database,
		providers:      cfg.Providers,
		states:         cfg.States,
		issuer:         cfg.Issuer,
		allowedOrigins: allowed,
		httpClient:     httpClient,
		logger:         logger,
		clock:          clock,
		recorder:       recorder,
	}, nil
}

// Provider looks up a registered provider by name.
func (s *Service) Provider(name string) (Provider, bool) {
	provider, ok := s.providers[name]
	return provider, ok
}

// BeginLoginResult carries the authorization URL and the correlation state
// returned to the initiating page.
type BeginLoginResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
}

// BeginLogin issues a correlation state and the provider authorization URL.
func (s *Service) BeginLogin(ctx context.Context, providerName, origin, delivery string) (BeginLoginResult, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return BeginLoginResult{}, ErrUnknownProvider
	}
	normalizedOrigin := strings.TrimRight(strings.TrimSpace(origin), "/")
	if normalizedOrigin == "" {
		return BeginLoginResult{}, errMissingOrigin
	}
	if _, err := url.Parse(normalizedOrigin); err != nil {
		return BeginLoginResult{}, fmt.Errorf("%w: %v", errMissingOrigin, err)
	}
	if len(s.allowedOrigins) > 0 {
		if _, ok := s.allowedOrigins[normalizedOrigin]; !ok {
			return BeginLoginResult{}, ErrOriginNotAllowed
		}
	}
	if delivery != DeliveryRedirect {
		delivery = DeliveryPopup
	}

	state, err := s.states.Issue(ctx, providerName, normalizedOrigin, delivery)
	if err != nil {
		return BeginLoginResult{}, err
	}

	s.recorder.RecordLoginStarted(providerName)
	s.logger.Info("login handshake started",
		zap.String("provider", providerName),
		zap.String("origin", normalizedOrigin),
		zap.String("delivery", delivery))

	return BeginLoginResult{
		AuthorizationURL: provider.BuildAuthorizeURL(state),
		State:            state,
	}, nil
}

// CallbackResult is the outcome of one provider callback: the envelope to
// deliver plus the delivery mode and origin recorded at initiation.
type CallbackResult struct {
	Envelope Envelope
	Origin   string
	Delivery string
}

// CompleteLogin consumes the correlation state, exchanges the code and
// builds the result envelope. Authorization failures produce a failure
// envelope rather than an error so the page can surface them; only an
// unusable state is a hard error, because without it there is no trusted
// origin to deliver anything to.
func (s *Service) CompleteLogin(ctx context.Context, providerName, code, state, providerError string) (CallbackResult, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return CallbackResult{}, ErrUnknownProvider
	}

	record, err := s.states.Consume(ctx, providerName, state)
	if err != nil {
		s.recorder.RecordLoginFailed(providerName, "state")
		s.logger.Warn("login state rejected", zap.String("provider", providerName), zap.Error(err))
		return CallbackResult{}, err
	}

	result := CallbackResult{Origin: record.Origin, Delivery: record.Delivery}

	if providerError != "" {
		s.recorder.RecordLoginFailed(providerName, "provider")
		result.Envelope = Envelope{
			Type:    provider.MessageType,
			Success: false,
			State:   state,
			Error:   loginDeniedMessage,
		}
		return result, nil
	}
	if code == "" {
		s.recorder.RecordLoginFailed(providerName, "missing_code")
		result.Envelope = Envelope{
			Type:    provider.MessageType,
			Success: false,
			State:   state,
			Error:   loginFailedMessage,
		}
		return result, nil
	}

	profile, err := provider.ExchangeCode(ctx, s.httpClient, code)
	if err != nil {
		s.recorder.RecordLoginFailed(providerName, "exchange")
		s.logger.Warn("code exchange failed", zap.String("provider", providerName), zap.Error(err))
		result.Envelope = Envelope{
			Type:    provider.MessageType,
			Success: false,
			State:   state,
			Error:   loginFailedMessage,
		}
		return result, nil
	}

	identity, err := upsertIdentity(s.db, providerName, profile, s.clock().UTC())
	if err != nil {
		s.recorder.RecordLoginFailed(providerName, "identity")
		s.logger.Error("identity upsert failed", zap.String("provider", providerName), zap.Error(err))
		result.Envelope = Envelope{
			Type:    provider.MessageType,
			Success: false,
			State:   state,
			Error:   loginFailedMessage,
		}
		return result, nil
	}

	token, expiresIn, err := s.issuer.IssueToken(ctx, providerName, identity)
	if err != nil {
		s.recorder.RecordLoginFailed(providerName, "token")
		s.logger.Error("token issuance failed", zap.String("provider", providerName), zap.Error(err))
		result.Envelope = Envelope{
			Type:    provider.MessageType,
			Success: false,
			State:   state,
			Error:   loginFailedMessage,
		}
		return result, nil
	}

	s.recorder.RecordLoginCompleted(providerName)
	s.logger.Info("login handshake completed",
		zap.String("provider", providerName),
		zap.String("subject", identity.Subject))

	result.Envelope = Envelope{
		Type:    provider.MessageType,
		Success: true,
		State:   state,
		Payload: &EnvelopePayload{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   expiresIn,
			User: &EnvelopeUser{
				UserID:      identity.Subject,
				DisplayName: identity.DisplayName,
				Handle:      identity.Handle,
				AvatarURL:   identity.AvatarURL,
			},
		},
	}
	return result, nil
}

// User-facing failure texts delivered inside failure envelopes.
const (
	loginDeniedMessage = "ログインがキャンセルされました。"
	loginFailedMessage = "ログインに失敗しました。時間を置いて再度お試しください。"
)
