package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// PromptRepository implements repositories.PromptRepository using MongoDB
type PromptRepository struct {
	collection *mongo.Collection
}

var _ repositories.PromptRepository = (*PromptRepository)(nil)

func NewPromptRepository(db *mongo.Database) *PromptRepository {
	return &PromptRepository{collection: db.Collection(promptsCollection)}
}

// GetInstructions implements repositories.PromptRepository
func (r *PromptRepository) GetInstructions(ctx context.Context, season, episode int) (string, error) {
	filter := bson.M{"season": season, "episode": episode, "active": true}

	var prompt entities.SystemPrompt
	if err := r.collection.FindOne(ctx, filter).Decode(&prompt); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", repositories.ErrNotFound
		}
		return "", fmt.Errorf("failed to get system prompt: %w", err)
	}
	if prompt.Content == "" {
		return "", repositories.ErrNotFound
	}
	return prompt.Content, nil
}

// Upsert implements repositories.PromptRepository
func (r *PromptRepository) Upsert(ctx context.Context, prompt *entities.SystemPrompt) error {
	if prompt == nil {
		return errors.New("prompt cannot be nil")
	}
	if err := prompt.Validate(); err != nil {
		return err
	}
	prompt.UpdatedAt = time.Now()

	filter := bson.M{"season": prompt.Season, "episode": prompt.Episode}
	_, err := r.collection.ReplaceOne(ctx, filter, prompt, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert system prompt: %w", err)
	}
	return nil
}
