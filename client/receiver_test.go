package client

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func encodeResult(t *testing.T, result loginResult) string {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func newTestReceiver(t *testing.T, pendingState string) (*Receiver, *Store) {
	t.Helper()
	storage := NewMemoryStorage()
	if pendingState != "" {
		if err := storage.Set(pendingStateStorageKey, pendingState); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	store := NewStore(StoreConfig{Storage: NewMemoryStorage()})
	receiver, err := NewReceiver(ReceiverConfig{Store: store, Storage: storage})
	if err != nil {
		t.Fatalf("failed to build receiver: %v", err)
	}
	return receiver, store
}

func successResult(state string) loginResult {
	return loginResult{
		Type:    "line-login-result",
		Success: true,
		State:   state,
		Payload: &loginPayload{
			AccessToken: "token-abc",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
			User:        &User{UserID: "U123", DisplayName: "花子"},
		},
	}
}

func TestHandlePageLoadIgnoresUnrelatedURLs(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")

	cleanURL, notice := receiver.HandlePageLoad("https://makoto.example/reviews#section-2")
	if notice != nil {
		t.Fatalf("expected no notice for unrelated fragment")
	}
	if cleanURL != "https://makoto.example/reviews#section-2" {
		t.Fatalf("unrelated URL must pass through, got %q", cleanURL)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}

func TestHandlePageLoadAcceptsValidResult(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")
	encoded := encodeResult(t, successResult("state-123"))

	cleanURL, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || !notice.Success {
		t.Fatalf("expected success notice, got %+v", notice)
	}
	if cleanURL != "https://makoto.example/" {
		t.Fatalf("expected fragment stripped, got %q", cleanURL)
	}

	auth, ok := store.Read()
	if !ok || auth.AccessToken != "token-abc" {
		t.Fatalf("expected credential written, got %+v", auth)
	}
}

func TestHandlePageLoadRejectsMismatchedTypeTag(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")
	result := successResult("state-123")
	result.Type = "chat-widget"
	encoded := encodeResult(t, result)

	_, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || notice.Success {
		t.Fatalf("expected failure notice for foreign type tag, got %+v", notice)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}

func TestHandlePageLoadRejectsTypeTagFromOtherProvider(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")
	result := successResult("state-123")
	result.Type = "oauth-login-result"
	encoded := encodeResult(t, result)

	_, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || notice.Success {
		t.Fatalf("expected failure notice for cross-provider type tag, got %+v", notice)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}

func TestHandlePageLoadRejectsStateMismatch(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")
	encoded := encodeResult(t, successResult("state-forged"))

	_, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || notice.Success {
		t.Fatalf("expected failure notice, got %+v", notice)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten on mismatch")
	}
}

func TestHandlePageLoadRejectsResultWithoutPendingState(t *testing.T) {
	receiver, store := newTestReceiver(t, "")
	encoded := encodeResult(t, successResult("state-123"))

	_, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || notice.Success {
		t.Fatalf("expected failure notice, got %+v", notice)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}

func TestHandlePageLoadRejectsMalformedFragment(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")

	cleanURL, notice := receiver.HandlePageLoad("https://makoto.example/#oauth-login=!!!!")
	if notice == nil || notice.Success {
		t.Fatalf("expected failure notice, got %+v", notice)
	}
	if cleanURL != "https://makoto.example/" {
		t.Fatalf("expected fragment stripped even on garbage, got %q", cleanURL)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}

func TestHandlePageLoadRejectsSuccessWithoutCredential(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")
	result := successResult("state-123")
	result.Payload.AccessToken = ""
	encoded := encodeResult(t, result)

	_, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || notice.Success {
		t.Fatalf("success without a credential must produce a failure notice, got %+v", notice)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}

func TestHandlePageLoadSurfacesFailureEnvelopeText(t *testing.T) {
	receiver, store := newTestReceiver(t, "state-123")
	encoded := encodeResult(t, loginResult{
		Type:    "line-login-result",
		Success: false,
		State:   "state-123",
		Error:   "ログインがキャンセルされました。",
	})

	_, notice := receiver.HandlePageLoad("https://makoto.example/#line-login=" + encoded)
	if notice == nil || notice.Success {
		t.Fatalf("expected failure notice, got %+v", notice)
	}
	if notice.Text != "ログインがキャンセルされました。" {
		t.Fatalf("expected envelope error surfaced, got %q", notice.Text)
	}
	if _, ok := store.Read(); ok {
		t.Fatalf("store must remain unwritten")
	}
}
