package client

import "testing"

func sampleDraft() ReviewDraft {
	return ReviewDraft{
		StoreName:      "クラブ誠",
		Prefecture:     "東京都",
		Category:       "store_health",
		VisitedAt:      "2026-07",
		Age:            24,
		SpecScore:      100,
		WaitTimeHours:  3,
		AverageEarning: 6,
		Comment:        "待機は短め。",
	}
}

func TestPendingBufferRoundTrip(t *testing.T) {
	buffer := NewPendingBuffer(PendingBufferConfig{})

	if _, ok := buffer.Read(); ok {
		t.Fatalf("expected empty buffer")
	}

	buffer.Save(sampleDraft())
	draft, ok := buffer.Read()
	if !ok {
		t.Fatalf("expected buffered draft")
	}
	if draft != sampleDraft() {
		t.Fatalf("unexpected draft: %+v", draft)
	}

	buffer.Clear()
	if _, ok := buffer.Read(); ok {
		t.Fatalf("expected cleared buffer")
	}
}

func TestPendingBufferReplacesPreviousDraft(t *testing.T) {
	buffer := NewPendingBuffer(PendingBufferConfig{})

	buffer.Save(sampleDraft())
	replacement := sampleDraft()
	replacement.StoreName = "別店"
	buffer.Save(replacement)

	draft, ok := buffer.Read()
	if !ok || draft.StoreName != "別店" {
		t.Fatalf("expected replacement draft, got %+v", draft)
	}
}

func TestPendingBufferDropsCorruptDraft(t *testing.T) {
	storage := NewMemoryStorage()
	if err := storage.Set(defaultPendingStorageKey, "{broken"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buffer := NewPendingBuffer(PendingBufferConfig{Storage: storage})
	if _, ok := buffer.Read(); ok {
		t.Fatalf("corrupt draft must not be returned")
	}
	if _, ok := storage.Get(defaultPendingStorageKey); ok {
		t.Fatalf("corrupt draft should be dropped from storage")
	}
}
