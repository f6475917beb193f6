package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
)

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a record that is already stored
var ErrAlreadyExists = errors.New("already exists")

// UserRepository looks up the registered user behind a device
type UserRepository interface {
	GetUser(ctx context.Context, deviceID string) (*entities.UserRecord, error)
	Create(ctx context.Context, user *entities.UserRecord) error
}

// PromptRepository resolves the speech engine instructions for an episode
type PromptRepository interface {
	GetInstructions(ctx context.Context, season, episode int) (string, error)
	Upsert(ctx context.Context, prompt *entities.SystemPrompt) error
}

// ProgressRepository persists learning progress
type ProgressRepository interface {
	// AdvanceProgress moves the device's user to the next episode
	AdvanceProgress(ctx context.Context, deviceID string) (entities.ProgressUpdate, error)
	IncrementTimeSpent(ctx context.Context, deviceID string, seconds float64) error
}

// TranscriptRepository persists conversation transcripts
type TranscriptRepository interface {
	SaveConversation(ctx context.Context, session *entities.ConversationSession) error
	FetchConversation(ctx context.Context, sessionID string) (*entities.ConversationSession, error)
	ListSessions(ctx context.Context, deviceID string, limit int) ([]entities.ConversationSummary, error)
}
