package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

var errMissingStore = errors.New("client: auth store is required")

// Fragment prefixes used by the redirect delivery, one per provider family,
// each paired with the result type tag its envelope must carry.
var fragmentTypes = map[string]string{
	"line-login":  "line-login-result",
	"oauth-login": "oauth-login-result",
}

// Notice is a user-facing outcome banner produced from a login result.
type Notice struct {
	Success bool
	Text    string
}

// User-facing texts for the redirect return page.
const (
	noticeLoginSucceeded = "ログインしました。"
	noticeLoginFailed    = "ログインに失敗しました。時間を置いて再度お試しください。"
	noticeLoginMismatch  = "ログイン結果を確認できませんでした。もう一度お試しください。"
)

// ReceiverConfig configures the redirect-return handler.
type ReceiverConfig struct {
	Store   *Store
	Storage Storage
	Logger  *zap.Logger
}

// Receiver completes redirect-mode logins: it recognizes the login result
// fragment on the returned-to page, verifies it against the persisted state
// and writes the credential to the auth store.
type Receiver struct {
	store   *Store
	storage Storage
	logger  *zap.Logger
}

// NewReceiver constructs a Receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{store: cfg.Store, storage: storage, logger: logger}, nil
}

// HandlePageLoad inspects a page URL for a login result fragment. It returns
// the URL with the fragment stripped, so the host can replace the address bar
// before anything else sees the credential, plus a notice when a result was
// found. A URL without a recognized fragment returns (rawURL, nil).
func (r *Receiver) HandlePageLoad(rawURL string) (string, *Notice) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, nil
	}

	encoded, expectedType, found := extractFragmentPayload(parsed.Fragment)
	if !found {
		return rawURL, nil
	}

	parsed.Fragment = ""
	cleanURL := strings.TrimSuffix(parsed.String(), "#")

	result, err := decodeFragmentPayload(encoded)
	if err != nil {
		r.logger.Warn("login fragment rejected", zap.Error(err))
		return cleanURL, &Notice{Success: false, Text: noticeLoginFailed}
	}
	if result.Type != expectedType {
		r.logger.Warn("login fragment rejected",
			zap.String("reason", "type_mismatch"))
		return cleanURL, &Notice{Success: false, Text: noticeLoginFailed}
	}

	expectedState, _ := r.storage.Get(pendingStateStorageKey)
	r.storage.Delete(pendingStateStorageKey)
	if expectedState == "" || result.State != expectedState {
		r.logger.Warn("login fragment rejected",
			zap.String("reason", "state_mismatch"))
		return cleanURL, &Notice{Success: false, Text: noticeLoginMismatch}
	}

	if !result.Success {
		text := noticeLoginFailed
		if result.Error != "" {
			text = result.Error
		}
		return cleanURL, &Notice{Success: false, Text: text}
	}
	if result.Payload == nil || result.Payload.AccessToken == "" || result.Payload.User == nil {
		r.logger.Warn("login fragment rejected",
			zap.String("reason", "missing_credential"))
		return cleanURL, &Notice{Success: false, Text: noticeLoginFailed}
	}

	r.store.Write(AuthResult{
		AccessToken: result.Payload.AccessToken,
		User:        *result.Payload.User,
	})
	return cleanURL, &Notice{Success: true, Text: noticeLoginSucceeded}
}

func extractFragmentPayload(fragment string) (encoded, expectedType string, found bool) {
	for prefix, resultType := range fragmentTypes {
		if encoded, ok := strings.CutPrefix(fragment, prefix+"="); ok {
			return encoded, resultType, true
		}
	}
	return "", "", false
}

func decodeFragmentPayload(encoded string) (loginResult, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return loginResult{}, err
	}
	var result loginResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return loginResult{}, err
	}
	return result, nil
}
