package mongo

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// TestRepositories_Integration tests the MongoDB repositories
// This test requires a running MongoDB instance (skipped if MONGODB_URI is not set)
func TestRepositories_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	client, err := NewClient(ctx, Config{URI: mongoURI, Database: "arunika_test"}, logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Close(ctx)

	defer func() {
		// Clean up test database
		client.Database.Drop(ctx)
	}()

	if err := client.EnsureIndexes(ctx); err != nil {
		t.Fatalf("Failed to ensure indexes: %v", err)
	}

	users := NewUserRepository(client.Database, entities.DefaultProgressPolicy(), logger)
	prompts := NewPromptRepository(client.Database)
	transcripts := NewTranscriptRepository(client.Database, logger)

	t.Run("CreateAndGetUser", func(t *testing.T) {
		user := &entities.UserRecord{DeviceID: "ABCD1234", Name: "Ana", Age: 7}
		if err := users.Create(ctx, user); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
		if err := users.Create(ctx, user); !errors.Is(err, repositories.ErrAlreadyExists) {
			t.Errorf("Expected ErrAlreadyExists, got %v", err)
		}

		retrieved, err := users.GetUser(ctx, "ABCD1234")
		if err != nil {
			t.Fatalf("Failed to get user: %v", err)
		}
		if retrieved.Progress.Season != 1 || retrieved.Progress.Episode != 1 {
			t.Errorf("Expected position 1/1, got %d/%d", retrieved.Progress.Season, retrieved.Progress.Episode)
		}

		if _, err := users.GetUser(ctx, "ZZZZ0000"); !errors.Is(err, repositories.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AdvanceProgress", func(t *testing.T) {
		update, err := users.AdvanceProgress(ctx, "ABCD1234")
		if err != nil {
			t.Fatalf("Failed to advance progress: %v", err)
		}
		if update.Season != 1 || update.Episode != 2 {
			t.Errorf("Expected position 1/2, got %d/%d", update.Season, update.Episode)
		}
		if update.EpisodesCompleted != 1 {
			t.Errorf("Expected 1 episode completed, got %d", update.EpisodesCompleted)
		}

		if err := users.IncrementTimeSpent(ctx, "ABCD1234", 90); err != nil {
			t.Fatalf("Failed to increment time spent: %v", err)
		}
		user, _ := users.GetUser(ctx, "ABCD1234")
		if user.Progress.TotalTimeSeconds != 90 {
			t.Errorf("Expected 90 seconds, got %v", user.Progress.TotalTimeSeconds)
		}
	})

	t.Run("UpsertAndGetInstructions", func(t *testing.T) {
		prompt := &entities.SystemPrompt{Season: 1, Episode: 2, Content: "first draft", Active: true}
		if err := prompts.Upsert(ctx, prompt); err != nil {
			t.Fatalf("Failed to upsert prompt: %v", err)
		}
		prompt.Content = "Count to ten together."
		if err := prompts.Upsert(ctx, prompt); err != nil {
			t.Fatalf("Failed to upsert prompt: %v", err)
		}

		instructions, err := prompts.GetInstructions(ctx, 1, 2)
		if err != nil {
			t.Fatalf("Failed to get instructions: %v", err)
		}
		if instructions != "Count to ten together." {
			t.Errorf("Expected updated instructions, got %q", instructions)
		}

		if _, err := prompts.GetInstructions(ctx, 9, 9); !errors.Is(err, repositories.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveAndListConversations", func(t *testing.T) {
		for _, id := range []string{"session-a", "session-b"} {
			session, err := entities.NewConversationSession(id, "ABCD1234", 1, 2, "prompt")
			if err != nil {
				t.Fatalf("Failed to create conversation: %v", err)
			}
			session.AddMessage(entities.MessageKindUserSpeech, "hello", nil, nil, nil)
			if err := transcripts.SaveConversation(ctx, session); err != nil {
				t.Fatalf("Failed to save conversation: %v", err)
			}
			session.End("session_complete", true)
			if err := transcripts.SaveConversation(ctx, session); err != nil {
				t.Fatalf("Failed to save conversation twice: %v", err)
			}
		}

		fetched, err := transcripts.FetchConversation(ctx, "session-a")
		if err != nil {
			t.Fatalf("Failed to fetch conversation: %v", err)
		}
		if !fetched.CompletedSuccessfully || fetched.UserMessageCount != 1 {
			t.Errorf("Expected completed conversation with 1 user message, got %+v", fetched)
		}

		summaries, err := transcripts.ListSessions(ctx, "ABCD1234", 1)
		if err != nil {
			t.Fatalf("Failed to list conversations: %v", err)
		}
		if len(summaries) != 1 {
			t.Fatalf("Expected 1 summary, got %d", len(summaries))
		}
		if summaries[0].SessionID != "session-b" {
			t.Errorf("Expected most recent session first, got %s", summaries[0].SessionID)
		}
	})
}
