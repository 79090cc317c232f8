package client

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const defaultAuthStorageKey = "makoto.auth"

// User is the signed-in reviewer profile delivered by a login result.
type User struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Handle      string `json:"username,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// AuthResult is the credential held after a completed login.
type AuthResult struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// StoreConfig configures the auth store.
type StoreConfig struct {
	Storage    Storage
	StorageKey string
	Logger     *zap.Logger
}

// Store holds the current login credential and notifies subscribers when it
// changes. Persistence is best-effort: a failing Storage never blocks a login
// from taking effect in memory.
type Store struct {
	mu          sync.Mutex
	storage     Storage
	storageKey  string
	logger      *zap.Logger
	current     AuthResult
	hasCurrent  bool
	subscribers map[int]func(AuthResult)
	nextID      int
}

// NewStore constructs an auth store, restoring any persisted credential.
func NewStore(cfg StoreConfig) *Store {
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	key := cfg.StorageKey
	if key == "" {
		key = defaultAuthStorageKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &Store{
		storage:     storage,
		storageKey:  key,
		logger:      logger,
		subscribers: make(map[int]func(AuthResult)),
	}

	if raw, ok := storage.Get(key); ok {
		var restored AuthResult
		if err := json.Unmarshal([]byte(raw), &restored); err == nil && restored.AccessToken != "" {
			store.current = restored
			store.hasCurrent = true
		} else {
			storage.Delete(key)
		}
	}

	return store
}

// Read returns the current credential, if any.
func (s *Store) Read() (AuthResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

// Write replaces the current credential and notifies every subscriber once,
// synchronously, in this call.
func (s *Store) Write(result AuthResult) {
	s.mu.Lock()
	s.current = result
	s.hasCurrent = true
	subscribers := make([]func(AuthResult), 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	s.mu.Unlock()

	if raw, err := json.Marshal(result); err == nil {
		if err := s.storage.Set(s.storageKey, string(raw)); err != nil {
			s.logger.Warn("credential persistence failed", zap.Error(err))
		}
	}

	for _, subscriber := range subscribers {
		subscriber(result)
	}
}

// Clear discards the current credential.
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = AuthResult{}
	s.hasCurrent = false
	s.mu.Unlock()
	s.storage.Delete(s.storageKey)
}

// Subscribe registers a callback invoked on every credential write. The
// returned function cancels the subscription.
func (s *Store) Subscribe(callback func(AuthResult)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = callback
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}
