package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultLoginTimeout    = 5 * time.Minute
	pendingStateStorageKey = "makoto.login.state"
)

var (
	// ErrEndpointNotConfigured indicates a login attempt without a backend base URL.
	ErrEndpointNotConfigured = errors.New("client: login endpoint not configured")
	// ErrPopupBlocked indicates the host refused to open the login window.
	ErrPopupBlocked = errors.New("client: login popup blocked")
	// ErrStateMismatch indicates a login result whose state does not match this attempt.
	ErrStateMismatch = errors.New("client: login state mismatch")
	// ErrMalformedResult indicates a login result missing its credential or user.
	ErrMalformedResult = errors.New("client: malformed login result")
	// ErrLoginCancelled indicates the login window closed before delivering a result.
	ErrLoginCancelled = errors.New("client: login cancelled")
	// ErrLoginTimeout indicates no result arrived within the handshake timeout.
	ErrLoginTimeout = errors.New("client: login timed out")
	// ErrLoginFailed indicates the provider reported a failed or denied login.
	ErrLoginFailed = errors.New("client: login failed")
)

// Message is one cross-window message received from the login popup.
type Message struct {
	Origin string
	Data   []byte
}

// Popup is a handle to an opened login window.
type Popup interface {
	Messages() <-chan Message
	Closed() bool
	Close()
}

// UserAgent abstracts the hosting page: opening popups, navigating the
// current window and reporting its own origin.
type UserAgent interface {
	OpenPopup(url string) (Popup, error)
	Navigate(url string) error
	Origin() string
}

type loginResult struct {
	Type    string        `json:"type"`
	Success bool          `json:"success"`
	State   string        `json:"state,omitempty"`
	Payload *loginPayload `json:"payload,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type loginPayload struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
	User        *User  `json:"user,omitempty"`
}

type beginLoginResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
}

// HandshakeConfig configures one provider's login handshake.
type HandshakeConfig struct {
	// Provider names the backend login route, e.g. "line" or "twitter".
	Provider string
	// BaseURL is the backend origin, e.g. "https://api.example.com".
	BaseURL string
	// MessageType tags the result messages this handshake accepts.
	MessageType string
	UserAgent   UserAgent
	Store       *Store
	Storage     Storage
	HTTPClient  *http.Client
	Logger      *zap.Logger
	// PollInterval is how often the popup is checked for closure.
	PollInterval time.Duration
	// Timeout bounds the whole handshake attempt.
	Timeout time.Duration
}

// Handshake drives the login flow against one provider: it initiates the
// handshake with the backend, opens the provider's authorization page and
// waits for the verified result.
type Handshake struct {
	provider      string
	baseURL       string
	backendOrigin string
	messageType   string
	userAgent     UserAgent
	store         *Store
	storage       Storage
	httpClient    *http.Client
	logger        *zap.Logger
	pollInterval  time.Duration
	timeout       time.Duration
}

// NewHandshake constructs a Handshake.
func NewHandshake(cfg HandshakeConfig) (*Handshake, error) {
	if cfg.Provider == "" {
		return nil, errors.New("client: provider name is required")
	}
	if cfg.UserAgent == nil {
		return nil, errors.New("client: user agent is required")
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	backendOrigin := ""
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("client: invalid base URL %q", cfg.BaseURL)
		}
		backendOrigin = parsed.Scheme + "://" + parsed.Host
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}

	return &Handshake{
		provider:      cfg.Provider,
		baseURL:       cfg.BaseURL,
		backendOrigin: backendOrigin,
		messageType:   cfg.MessageType,
		userAgent:     cfg.UserAgent,
		store:         cfg.Store,
		storage:       storage,
		httpClient:    httpClient,
		logger:        logger,
		pollInterval:  pollInterval,
		timeout:       timeout,
	}, nil
}

// StartLogin runs the popup login flow to completion: it opens the
// authorization page in a popup and waits for the result message, the
// popup closing, or the timeout, whichever comes first. On success the
// credential is written to the auth store before returning.
func (h *Handshake) StartLogin(ctx context.Context) (AuthResult, error) {
	begin, err := h.beginLogin(ctx, "popup")
	if err != nil {
		return AuthResult{}, err
	}

	popup, err := h.userAgent.OpenPopup(begin.AuthorizationURL)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}
	defer popup.Close()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(h.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return AuthResult{}, ctx.Err()
		case <-deadline.C:
			return AuthResult{}, ErrLoginTimeout
		case <-ticker.C:
			if popup.Closed() {
				return AuthResult{}, ErrLoginCancelled
			}
		case message, ok := <-popup.Messages():
			if !ok {
				return AuthResult{}, ErrLoginCancelled
			}
			result, recognized := h.parseMessage(message)
			if !recognized {
				continue
			}
			return h.acceptResult(result, begin.State)
		}
	}
}

// StartLoginRedirect runs the full-page redirect variant: the expected state
// is persisted for the receiver on the return page, then the current window
// navigates to the authorization page. This call does not return a credential;
// HandlePageLoad picks the flow up after the redirect back.
func (h *Handshake) StartLoginRedirect(ctx context.Context) error {
	begin, err := h.beginLogin(ctx, "redirect")
	if err != nil {
		return err
	}
	if err := h.storage.Set(pendingStateStorageKey, begin.State); err != nil {
		h.logger.Warn("login state persistence failed", zap.Error(err))
	}
	return h.userAgent.Navigate(begin.AuthorizationURL)
}

func (h *Handshake) beginLogin(ctx context.Context, delivery string) (beginLoginResponse, error) {
	if h.baseURL == "" {
		return beginLoginResponse{}, ErrEndpointNotConfigured
	}

	body, err := json.Marshal(map[string]string{
		"origin":   h.userAgent.Origin(),
		"delivery": delivery,
	})
	if err != nil {
		return beginLoginResponse{}, err
	}

	endpoint := h.baseURL + "/auth/" + h.provider + "/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return beginLoginResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return beginLoginResponse{}, fmt.Errorf("client: login initiation failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return beginLoginResponse{}, fmt.Errorf("client: login initiation returned status %d", resp.StatusCode)
	}

	var begin beginLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&begin); err != nil {
		return beginLoginResponse{}, fmt.Errorf("client: login initiation failed: %w", err)
	}
	if begin.AuthorizationURL == "" || begin.State == "" {
		return beginLoginResponse{}, fmt.Errorf("client: login initiation returned an incomplete response")
	}
	return begin, nil
}

// parseMessage filters one popup message down to a result this handshake
// should act on. Messages from other origins or of other types are ignored,
// not errors: unrelated windows post messages too.
func (h *Handshake) parseMessage(message Message) (loginResult, bool) {
	if h.backendOrigin != "" && message.Origin != h.backendOrigin {
		return loginResult{}, false
	}
	var result loginResult
	if err := json.Unmarshal(message.Data, &result); err != nil {
		return loginResult{}, false
	}
	if h.messageType != "" && result.Type != h.messageType {
		return loginResult{}, false
	}
	return result, true
}

func (h *Handshake) acceptResult(result loginResult, expectedState string) (AuthResult, error) {
	if result.State != expectedState {
		h.logger.Warn("login result rejected",
			zap.String("provider", h.provider),
			zap.String("reason", "state_mismatch"))
		return AuthResult{}, ErrStateMismatch
	}
	if !result.Success {
		if result.Error != "" {
			return AuthResult{}, fmt.Errorf("%w: %s", ErrLoginFailed, result.Error)
		}
		return AuthResult{}, ErrLoginFailed
	}
	if result.Payload == nil || result.Payload.AccessToken == "" || result.Payload.User == nil {
		return AuthResult{}, ErrMalformedResult
	}

	auth := AuthResult{
		AccessToken: result.Payload.AccessToken,
		User:        *result.Payload.User,
	}
	h.store.Write(auth)
	h.logger.Info("login completed", zap.String("provider", h.provider))
	return auth, nil
}
