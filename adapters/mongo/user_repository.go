package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

const (
	usersCollection         = "users"
	promptsCollection       = "system_prompts"
	conversationsCollection = "conversations"
)

// maxProgressRetries bounds optimistic-concurrency retries on progress writes
const maxProgressRetries = 3

func ascending(a, b string) bson.D {
	return bson.D{{Key: a, Value: 1}, {Key: b, Value: 1}}
}

// UserRepository implements the user and progress stores on MongoDB
type UserRepository struct {
	collection *mongo.Collection
	policy     entities.ProgressPolicy
	logger     *zap.Logger
}

var (
	_ repositories.UserRepository     = (*UserRepository)(nil)
	_ repositories.ProgressRepository = (*UserRepository)(nil)
)

// NewUserRepository creates a new MongoDB user repository
func NewUserRepository(db *mongo.Database, policy entities.ProgressPolicy, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		collection: db.Collection(usersCollection),
		policy:     policy,
		logger:     logger,
	}
}

// Create implements repositories.UserRepository
func (r *UserRepository) Create(ctx context.Context, user *entities.UserRecord) error {
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
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	if _, err := r.collection.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repositories.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.Info("User created", zap.String("deviceID", user.DeviceID))
	return nil
}

// GetUser implements repositories.UserRepository
func (r *UserRepository) GetUser(ctx context.Context, deviceID string) (*entities.UserRecord, error) {
	var user entities.UserRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": deviceID}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// AdvanceProgress implements repositories.ProgressRepository
func (r *UserRepository) AdvanceProgress(ctx context.Context, deviceID string) (entities.ProgressUpdate, error) {
	var update entities.ProgressUpdate
	err := r.mutateProgress(ctx, deviceID, func(user *entities.UserRecord) error {
		var err error
		update, err = user.CompleteEpisode(r.policy, time.Now())
		return err
	})
	if err != nil {
		return entities.ProgressUpdate{}, err
	}

	r.logger.Info("User progress advanced",
		zap.String("deviceID", deviceID),
		zap.Int("season", update.Season),
		zap.Int("episode", update.Episode))
	return update, nil
}

// IncrementTimeSpent implements repositories.ProgressRepository
func (r *UserRepository) IncrementTimeSpent(ctx context.Context, deviceID string, seconds float64) error {
	return r.mutateProgress(ctx, deviceID, func(user *entities.UserRecord) error {
		now := time.Now()
		user.Progress.AddSessionTime(seconds, now)
		user.LastActive = &now
		return nil
	})
}

// mutateProgress is a read-modify-write guarded by the previous progress
// document, retried when another writer got there first
func (r *UserRepository) mutateProgress(ctx context.Context, deviceID string, mutate func(*entities.UserRecord) error) error {
	for attempt := 0; attempt < maxProgressRetries; attempt++ {
		user, err := r.GetUser(ctx, deviceID)
		if err != nil {
			return err
		}
		previous := user.Progress

		if err := mutate(user); err != nil {
			return err
		}

		filter := bson.M{"_id": deviceID, "progress": previous}
		update := bson.M{"$set": bson.M{
			"progress":               user.Progress,
			"last_active":            user.LastActive,
			"last_completed_episode": user.LastCompletedEpisode,
		}}
		result, err := r.collection.UpdateOne(ctx, filter, update)
		if err != nil {
			return fmt.Errorf("failed to update user progress: %w", err)
		}
		if result.MatchedCount == 1 {
			return nil
		}

		r.logger.Debug("Progress changed concurrently, retrying",
			zap.String("deviceID", deviceID),
			zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("failed to update user progress: too many concurrent writers")
}
