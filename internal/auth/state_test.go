package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var stateTestSequence int

func newTestStateStore(t *testing.T, ttl time.Duration, clock *time.Time) *StateStore {
	t.Helper()
	stateTestSequence++
	dsn := fmt.Sprintf("file:state-test-%d?mode=memory&cache=shared", stateTestSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&LoginState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStateStore(StateStoreConfig{
		Database: db,
		TTL:      ttl,
		Clock:    func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("failed to build state store: %v", err)
	}
	return store
}

func TestStateStoreIssueAndConsume(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStateStore(t, 10*time.Minute, &current)

	state, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryPopup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state == "" {
		t.Fatalf("expected non-empty state")
	}

	record, err := store.Consume(context.Background(), ProviderLine, state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Origin != "https://makoto.example" {
		t.Fatalf("unexpected origin: %q", record.Origin)
	}
	if record.Delivery != DeliveryPopup {
		t.Fatalf("unexpected delivery: %q", record.Delivery)
	}
}

func TestStateStoreRejectsSecondConsume(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStateStore(t, 10*time.Minute, &current)

	state, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryPopup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.Consume(context.Background(), ProviderLine, state); err != nil {
		t.Fatalf("unexpected error on first consume: %v", err)
	}
	if _, err := store.Consume(context.Background(), ProviderLine, state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected not found on replay, got %v", err)
	}
}

func TestStateStoreRejectsWrongProvider(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStateStore(t, 10*time.Minute, &current)

	state, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryPopup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := store.Consume(context.Background(), ProviderTwitter, state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected not found for wrong provider, got %v", err)
	}
}

func TestStateStoreRejectsExpiredState(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStateStore(t, time.Minute, &current)

	state, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryRedirect)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := store.Consume(context.Background(), ProviderLine, state); !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected expired state error, got %v", err)
	}
	// An expired state is still discarded on consume.
	if _, err := store.Consume(context.Background(), ProviderLine, state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected not found after expired consume, got %v", err)
	}
}

func TestPruneExpiredRemovesOnlyStaleStates(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStateStore(t, time.Minute, &current)

	stale, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryPopup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current = current.Add(5 * time.Minute)
	fresh, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryPopup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.PruneExpired(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Consume(context.Background(), ProviderLine, stale); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected stale state pruned, got %v", err)
	}
	if _, err := store.Consume(context.Background(), ProviderLine, fresh); err != nil {
		t.Fatalf("expected fresh state to survive prune: %v", err)
	}
}

func TestPruneLoopRemovesStaleStatesUntilCancelled(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStateStore(t, time.Minute, &current)

	stale, err := store.Issue(context.Background(), ProviderLine, "https://makoto.example", DeliveryPopup)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current = current.Add(5 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.PruneLoop(ctx, time.Millisecond, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		var remaining int64
		if err := store.db.Model(&LoginState{}).Where("state = ?", stale).Count(&remaining).Error; err != nil {
			cancel()
			t.Fatalf("unexpected error: %v", err)
		}
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected the loop to prune the stale state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
