package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

type promptKey struct {
	season  int
	episode int
}

// PromptRepository is an in-memory episode instruction store
type PromptRepository struct {
	mu      sync.RWMutex
	prompts map[promptKey]entities.SystemPrompt
}

var _ repositories.PromptRepository = (*PromptRepository)(nil)

func NewPromptRepository() *PromptRepository {
	return &PromptRepository{prompts: make(map[promptKey]entities.SystemPrompt)}
}

// Upsert implements repositories.PromptRepository
func (m *PromptRepository) Upsert(ctx context.Context, prompt *entities.SystemPrompt) error {
	if prompt == nil {
		return errors.New("prompt cannot be nil")
	}
	if err := prompt.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := *prompt
	p.UpdatedAt = time.Now()
	m.prompts[promptKey{prompt.Season, prompt.Episode}] = p
	return nil
}

// GetInstructions implements repositories.PromptRepository.
// Inactive prompts are treated as missing.
func (m *PromptRepository) GetInstructions(ctx context.Context, season, episode int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.prompts[promptKey{season, episode}]
	if !exists || !p.Active || p.Content == "" {
		return "", repositories.ErrNotFound
	}
	return p.Content, nil
}
