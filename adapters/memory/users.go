package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// UserRepository is an in-memory user and progress store
type UserRepository struct {
	mu     sync.RWMutex
	users  map[string]*entities.UserRecord
	policy entities.ProgressPolicy
}

var (
	_ repositories.UserRepository     = (*UserRepository)(nil)
	_ repositories.ProgressRepository = (*UserRepository)(nil)
)

// NewUserRepository creates an empty in-memory user store
func NewUserRepository(policy entities.ProgressPolicy) *UserRepository {
	return &UserRepository{
		users:  make(map[string]*entities.UserRecord),
		policy: policy,
	}
}

// Create implements repositories.UserRepository
func (m *UserRepository) Create(ctx context.Context, user *entities.UserRecord) error {
	if user == nil {
		return errors.New("user cannot be nil")
	}
	if user.Progress.Season == 0 && user.Progress.Episode == 0 {
		user.Progress = entities.NewLearningProgress()
	}
	if user.Status == "" {
		user.Status = entities.UserStatusActive
	}
	if err := user.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.DeviceID]; exists {
		return repositories.ErrAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	userCopy := *user
	m.users[user.DeviceID] = &userCopy
	return nil
}

// GetUser implements repositories.UserRepository
func (m *UserRepository) GetUser(ctx context.Context, deviceID string) (*entities.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[deviceID]
	if !exists {
		return nil, repositories.ErrNotFound
	}

	// Return a copy to prevent external modifications
	userCopy := *user
	return &userCopy, nil
}

// AdvanceProgress implements repositories.ProgressRepository
func (m *UserRepository) AdvanceProgress(ctx context.Context, deviceID string) (entities.ProgressUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[deviceID]
	if !exists {
		return entities.ProgressUpdate{}, repositories.ErrNotFound
	}
	return user.CompleteEpisode(m.policy, time.Now())
}

// IncrementTimeSpent implements repositories.ProgressRepository
func (m *UserRepository) IncrementTimeSpent(ctx context.Context, deviceID string, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[deviceID]
	if !exists {
		return repositories.ErrNotFound
	}
	now := time.Now()
	user.Progress.AddSessionTime(seconds, now)
	user.LastActive = &now
	return nil
}
