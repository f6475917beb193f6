package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// TranscriptRepository implements repositories.TranscriptRepository using MongoDB
type TranscriptRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// NewTranscriptRepository creates a new MongoDB conversation repository
func NewTranscriptRepository(db *mongo.Database, logger *zap.Logger) *TranscriptRepository {
	return &TranscriptRepository{
		collection: db.Collection(conversationsCollection),
		logger:     logger,
	}
}

// SaveConversation implements repositories.TranscriptRepository.
// The whole aggregate is replaced, so repeated flushes are idempotent.
func (r *TranscriptRepository) SaveConversation(ctx context.Context, session *entities.ConversationSession) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	filter := bson.M{"_id": session.SessionID}
	_, err := r.collection.ReplaceOne(ctx, filter, session, options.Replace().SetUpsert(true))
	if err != nil {
		r.logger.Error("Failed to save conversation",
			zap.String("sessionID", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	r.logger.Debug("Conversation saved",
		zap.String("sessionID", session.SessionID),
		zap.Int("messages", len(session.Messages)))
	return nil
}

// FetchConversation implements repositories.TranscriptRepository
func (r *TranscriptRepository) FetchConversation(ctx context.Context, sessionID string) (*entities.ConversationSession, error) {
	var session entities.ConversationSession
	err := r.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return &session, nil
}

// ListSessions implements repositories.TranscriptRepository
func (r *TranscriptRepository) ListSessions(ctx context.Context, deviceID string, limit int) ([]entities.ConversationSummary, error) {
	filter := bson.M{"device_id": deviceID}
	opts := options.Find().
		SetSort(bson.D{{Key: "start_time", Value: -1}}). // Most recent first
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := make([]entities.ConversationSummary, 0)
	for cursor.Next(ctx) {
		var session entities.ConversationSession
		if err := cursor.Decode(&session); err != nil {
			r.logger.Error("Failed to decode conversation", zap.Error(err))
			continue
		}
		summaries = append(summaries, session.Summary())
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return summaries, nil
}
