package client

import (
	"encoding/json"

	"go.uber.org/zap"
)

const defaultPendingStorageKey = "makoto.pending_review"

// ReviewDraft is a review as filled in by the form, held while the reviewer
// signs in. Field names match the submission request body.
type ReviewDraft struct {
	StoreName      string `json:"storeName"`
	Prefecture     string `json:"prefecture"`
	Category       string `json:"category"`
	VisitedAt      string `json:"visitedAt"`
	Age            int    `json:"age"`
	SpecScore      int    `json:"specScore"`
	WaitTimeHours  int    `json:"waitTimeHours"`
	AverageEarning int    `json:"averageEarning"`
	Comment        string `json:"comment"`
}

// PendingBufferConfig configures the pending submission buffer.
type PendingBufferConfig struct {
	Storage    Storage
	StorageKey string
	Logger     *zap.Logger
}

// PendingBuffer holds at most one draft across a login round trip. Storage
// failures are logged and swallowed: losing the buffer degrades to the
// reviewer re-entering the form, never to a broken login.
type PendingBuffer struct {
	storage    Storage
	storageKey string
	logger     *zap.Logger
}

// NewPendingBuffer constructs a PendingBuffer.
func NewPendingBuffer(cfg PendingBufferConfig) *PendingBuffer {
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	key := cfg.StorageKey
	if key == "" {
		key = defaultPendingStorageKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingBuffer{storage: storage, storageKey: key, logger: logger}
}

// Save stores the draft, replacing any previous one.
func (b *PendingBuffer) Save(draft ReviewDraft) {
	raw, err := json.Marshal(draft)
	if err != nil {
		b.logger.Warn("draft serialization failed", zap.Error(err))
		return
	}
	if err := b.storage.Set(b.storageKey, string(raw)); err != nil {
		b.logger.Warn("draft persistence failed", zap.Error(err))
	}
}

// Read returns the buffered draft, if one is present and readable.
func (b *PendingBuffer) Read() (ReviewDraft, bool) {
	raw, ok := b.storage.Get(b.storageKey)
	if !ok {
		return ReviewDraft{}, false
	}
	var draft ReviewDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		b.logger.Warn("draft deserialization failed", zap.Error(err))
		b.storage.Delete(b.storageKey)
		return ReviewDraft{}, false
	}
	return draft, true
}

// Clear discards the buffered draft.
func (b *PendingBuffer) Clear() {
	b.storage.Delete(b.storageKey)
}
