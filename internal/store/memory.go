package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// MemoryStore is an in-memory Store for tests and one-shot runs. All
// reads and writes copy records so callers never share memory with the
// store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string]*models.Message
	parts    map[string]*models.MessagePart
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string]*models.Message),
		parts:    make(map[string]*models.MessagePart),
	}
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	if s.ToolCounts != nil {
		c.ToolCounts = make(map[string]int64, len(s.ToolCounts))
		for k, v := range s.ToolCounts {
			c.ToolCounts[k] = v
		}
	}
	return &c
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func clonePart(p *models.MessagePart) *models.MessagePart {
	c := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		result = append(result, cloneSession(session))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Message
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			result = append(result, cloneMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	msg.Error = errMsg
	return nil
}

func (s *MemoryStore) FinishMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) CreatePart(ctx context.Context, part *models.MessagePart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[part.ID] = clonePart(part)
	return nil
}

func (s *MemoryStore) GetPart(ctx context.Context, id string) (*models.MessagePart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, ok := s.parts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePart(part), nil
}

func (s *MemoryStore) ListParts(ctx context.Context, messageID string) ([]*models.MessagePart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.MessagePart
	for _, part := range s.parts {
		if part.MessageID == messageID {
			result = append(result, clonePart(part))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (s *MemoryStore) MaxPartIndex(ctx context.Context, messageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := -1
	for _, part := range s.parts {
		if part.MessageID == messageID && part.Index > max {
			max = part.Index
		}
	}
	return max, nil
}

func (s *MemoryStore) UpdatePartContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[id]
	if !ok {
		return ErrNotFound
	}
	part.Content = content
	return nil
}

func (s *MemoryStore) FinishPart(ctx context.Context, id string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[id]
	if !ok {
		return ErrNotFound
	}
	part.CompletedAt = &completedAt
	return nil
}

func (s *MemoryStore) DeletePart(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[id]; !ok {
		return ErrNotFound
	}
	delete(s.parts, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
