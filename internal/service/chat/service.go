// Package chat keeps the append-only transcript of each session.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDuplicateMessage = errors.New("message already in transcript")
)

type transcript struct {
	session chat.Session
	entries []chat.Entry
	index   map[string]int
}

// Service encapsulates transcript state. Messages are never rewritten; delivery status and
// reactions are annotations keyed by message id.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*transcript
}

// NewService bootstraps the in-memory transcript service.
func NewService() *Service {
	return &Service{sessions: make(map[string]*transcript)}
}

// CreateSession provisions a session for userID. An empty user is treated as anonymous.
func (s *Service) CreateSession(_ context.Context, userID string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "anonymous"
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = &transcript{
		session: session,
		entries: make([]chat.Entry, 0, 16),
		index:   make(map[string]int),
	}
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return t.session, nil
}

// EndSession discards the transcript.
func (s *Service) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// AppendMessage adds message to the transcript. Missing id and timestamp are filled in;
// a message id already present is rejected so one logical send appears once.
func (s *Service) AppendMessage(_ context.Context, message chat.Message, delivery chat.DeliveryStatus) (chat.Message, error) {
	if strings.TrimSpace(message.Body) == "" && message.RichContent == nil {
		return chat.Message{}, apperr.Validation("message body is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.sessions[message.SessionID]
	if !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if _, dup := t.index[message.ID]; dup {
		return chat.Message{}, ErrDuplicateMessage
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	t.index[message.ID] = len(t.entries)
	t.entries = append(t.entries, chat.Entry{Message: message, Delivery: delivery})
	return message, nil
}

// SetDelivery annotates a user message with its delivery state.
func (s *Service) SetDelivery(_ context.Context, sessionID, messageID string, status chat.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entryLocked(sessionID, messageID)
	if err != nil {
		return err
	}
	entry.Delivery = status
	return nil
}

// AddReaction attaches a reaction to an existing message.
func (s *Service) AddReaction(_ context.Context, reaction chat.Reaction) (chat.Reaction, error) {
	if strings.TrimSpace(reaction.Reaction) == "" {
		return chat.Reaction{}, apperr.Validation("reaction is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entryLocked(reaction.SessionID, reaction.MessageID)
	if err != nil {
		return chat.Reaction{}, err
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	entry.Reactions = append(entry.Reactions, reaction)
	return reaction, nil
}

func (s *Service) entryLocked(sessionID, messageID string) (*chat.Entry, error) {
	t, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	idx, ok := t.index[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &t.entries[idx], nil
}

// Entry returns one transcript row.
func (s *Service) Entry(_ context.Context, sessionID, messageID string) (chat.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.entryLocked(sessionID, messageID)
	if err != nil {
		return chat.Entry{}, err
	}
	return cloneEntry(*entry), nil
}

// LoadTranscript returns the annotated transcript in append order.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Entry, len(t.entries))
	for i, e := range t.entries {
		copied[i] = cloneEntry(e)
	}
	return copied, nil
}

// History returns the plain messages, oldest first.
func (s *Service) History(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	messages := make([]chat.Message, len(t.entries))
	for i, e := range t.entries {
		messages[i] = e.Message
	}
	return messages, nil
}

// Clear empties the transcript but keeps the session.
func (s *Service) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	t.entries = t.entries[:0]
	t.index = make(map[string]int)
	return nil
}

func cloneEntry(e chat.Entry) chat.Entry {
	if len(e.Reactions) > 0 {
		e.Reactions = append([]chat.Reaction(nil), e.Reactions...)
	}
	return e
}
