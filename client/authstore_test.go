package client

import (
	"testing"
)

func sampleAuthResult() AuthResult {
	return AuthResult{
		AccessToken: "token-abc",
		User: User{
			UserID:      "U123",
			DisplayName: "花子",
			Handle:      "hanako",
		},
	}
}

func TestStoreWriteAndRead(t *testing.T) {
	store := NewStore(StoreConfig{})

	if _, ok := store.Read(); ok {
		t.Fatalf("expected empty store")
	}

	store.Write(sampleAuthResult())

	auth, ok := store.Read()
	if !ok {
		t.Fatalf("expected credential after write")
	}
	if auth.AccessToken != "token-abc" || auth.User.UserID != "U123" {
		t.Fatalf("unexpected credential: %+v", auth)
	}
}

func TestStoreNotifiesEachSubscriberOncePerWrite(t *testing.T) {
	store := NewStore(StoreConfig{})

	first := 0
	second := 0
	store.Subscribe(func(AuthResult) { first++ })
	cancel := store.Subscribe(func(AuthResult) { second++ })

	store.Write(sampleAuthResult())
	if first != 1 || second != 1 {
		t.Fatalf("expected one invocation each, got %d and %d", first, second)
	}

	cancel()
	store.Write(sampleAuthResult())
	if first != 2 {
		t.Fatalf("expected second write to reach remaining subscriber, got %d", first)
	}
	if second != 1 {
		t.Fatalf("cancelled subscriber must not be invoked again, got %d", second)
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	storage := NewMemoryStorage()

	first := NewStore(StoreConfig{Storage: storage})
	first.Write(sampleAuthResult())

	second := NewStore(StoreConfig{Storage: storage})
	auth, ok := second.Read()
	if !ok {
		t.Fatalf("expected restored credential")
	}
	if auth.User.DisplayName != "花子" {
		t.Fatalf("unexpected restored credential: %+v", auth)
	}
}

func TestStoreDiscardsCorruptPersistedCredential(t *testing.T) {
	storage := NewMemoryStorage()
	if err := storage.Set(defaultAuthStorageKey, "{not json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store := NewStore(StoreConfig{Storage: storage})
	if _, ok := store.Read(); ok {
		t.Fatalf("corrupt persisted value must not restore a credential")
	}
	if _, ok := storage.Get(defaultAuthStorageKey); ok {
		t.Fatalf("corrupt persisted value should be dropped")
	}
}

func TestStoreClearRemovesCredential(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewStore(StoreConfig{Storage: storage})
	store.Write(sampleAuthResult())

	store.Clear()
	if _, ok := store.Read(); ok {
		t.Fatalf("expected cleared store")
	}
	if _, ok := storage.Get(defaultAuthStorageKey); ok {
		t.Fatalf("expected persisted credential removed")
	}
}
