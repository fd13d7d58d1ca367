package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

// ErrEntryNotFound is returned for unknown entry ids.
var ErrEntryNotFound = errors.New("outbox entry not found")

// Status is the delivery state of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one undelivered user message.
type Entry struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionId"`
	Payload    chat.Message `json:"payload"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
	Status     Status       `json:"status"`
	RetryCount int          `json:"retryCount"`
	LastError  string       `json:"lastError,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Store persists entries. List must return entries in enqueue order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	FindByMessage(ctx context.Context, sessionID, messageID string) (Entry, bool, error)
	List(ctx context.Context, sessionID string) ([]Entry, error)
	Update(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (s *MemoryStore) FindByMessage(_ context.Context, sessionID, messageID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SessionID == sessionID && e.Payload.ID == messageID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == entry.ID {
			s.entries[i] = entry
			return nil
		}
	}
	return ErrEntryNotFound
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}
