package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// TranscriptRepository keeps conversations in memory
type TranscriptRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entities.ConversationSession
	saves    atomic.Int64
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

func NewTranscriptRepository() *TranscriptRepository {
	return &TranscriptRepository{sessions: make(map[string]*entities.ConversationSession)}
}

// SaveConversation implements repositories.TranscriptRepository
func (m *TranscriptRepository) SaveConversation(ctx context.Context, session *entities.ConversationSession) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}
	m.saves.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.SessionID] = session.Clone()
	return nil
}

// FetchConversation implements repositories.TranscriptRepository
func (m *TranscriptRepository) FetchConversation(ctx context.Context, sessionID string) (*entities.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, repositories.ErrNotFound
	}
	return session.Clone(), nil
}

// ListSessions implements repositories.TranscriptRepository, most recent first
func (m *TranscriptRepository) ListSessions(ctx context.Context, deviceID string, limit int) ([]entities.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]entities.ConversationSummary, 0)
	for _, s := range m.sessions {
		if s.DeviceID == deviceID {
			summaries = append(summaries, s.Summary())
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// SaveCount is the number of SaveConversation calls served
func (m *TranscriptRepository) SaveCount() int64 {
	return m.saves.Load()
}
