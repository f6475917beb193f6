package entities

import (
	"testing"
	"time"
)

func int64Ptr(v int64) *int64 { return &v }

func TestConversationSessionCreation(t *testing.T) {
	session, err := NewConversationSession("sess-1", "ABCD1234", 1, 2, "be kind")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if session.DeviceID != "ABCD1234" {
		t.Errorf("Expected device ID ABCD1234, got %s", session.DeviceID)
	}

	if !session.IsActive() {
		t.Error("New session should be active")
	}

	if len(session.Messages) != 0 {
		t.Errorf("Expected empty messages, got %d messages", len(session.Messages))
	}
}

func TestConversationSessionValidation(t *testing.T) {
	if _, err := NewConversationSession("", "ABCD1234", 1, 1, ""); err == nil {
		t.Error("Expected error for empty session id")
	}
	if _, err := NewConversationSession("s", "abcd1234", 1, 1, ""); err == nil {
		t.Error("Expected error for malformed device id")
	}
	if _, err := NewConversationSession("s", "ABCD1234", 0, 1, ""); err == nil {
		t.Error("Expected error for season 0")
	}
}

func TestConversationSessionAddMessage(t *testing.T) {
	session, _ := NewConversationSession("sess-1", "ABCD1234", 1, 1, "")

	session.AddMessage(MessageKindSessionStart, "start", nil, nil, nil)
	session.AddMessage(MessageKindUserSpeech, "Hello", nil, int64Ptr(1500), nil)
	session.AddMessage(MessageKindAIResponse, "Hi there", nil, int64Ptr(500), nil)
	session.AddMessage(MessageKindUserSpeech, "How are you?", nil, nil, nil)
	session.AddMessage(MessageKindSystem, "configured", nil, nil, nil)

	if session.UserMessageCount != 2 {
		t.Errorf("Expected 2 user messages, got %d", session.UserMessageCount)
	}

	if session.AIMessageCount != 1 {
		t.Errorf("Expected 1 ai message, got %d", session.AIMessageCount)
	}

	if session.UserMessageCount+session.AIMessageCount > session.MessageCount() {
		t.Error("Role counts must not exceed the total message count")
	}

	if session.TotalUserSpeechSeconds != 1.5 {
		t.Errorf("Expected 1.5s of user speech, got %f", session.TotalUserSpeechSeconds)
	}

	if session.Messages[1].MessageID == "" || session.Messages[1].MessageID == session.Messages[2].MessageID {
		t.Error("Messages should get unique ids")
	}

	if session.Messages[1].Metadata == nil {
		t.Error("Metadata should default to an empty map")
	}
}

func TestConversationSessionEnd(t *testing.T) {
	session, _ := NewConversationSession("sess-1", "ABCD1234", 1, 1, "")
	session.StartTime = time.Now().Add(-2 * time.Minute)

	session.End("session_complete", true)

	if session.IsActive() {
		t.Error("Ended session should not be active")
	}
	if session.EndTime == nil {
		t.Fatal("Expected end time to be set")
	}
	if session.DurationSeconds < 119 {
		t.Errorf("Expected duration around 120s, got %f", session.DurationSeconds)
	}
	if !session.CompletedSuccessfully || session.CompletionReason != "session_complete" {
		t.Errorf("Unexpected outcome %v/%s", session.CompletedSuccessfully, session.CompletionReason)
	}
}

func TestConversationSessionClone(t *testing.T) {
	session, _ := NewConversationSession("sess-1", "ABCD1234", 1, 1, "")
	session.AddMessage(MessageKindUserSpeech, "one", nil, nil, nil)

	clone := session.Clone()
	session.AddMessage(MessageKindUserSpeech, "two", nil, nil, nil)

	if len(clone.Messages) != 1 {
		t.Errorf("Clone should not observe later appends, got %d messages", len(clone.Messages))
	}
	if clone.UserMessageCount != 1 {
		t.Errorf("Expected clone user count 1, got %d", clone.UserMessageCount)
	}
}

func TestConversationSessionLiveStats(t *testing.T) {
	session, _ := NewConversationSession("sess-1", "ABCD1234", 1, 1, "")
	session.AddMessage(MessageKindUserSpeech, "one", nil, int64Ptr(3000), nil)
	session.AddMessage(MessageKindAIResponse, "two", nil, int64Ptr(1000), nil)

	stats := session.LiveStats(session.StartTime.Add(90 * time.Second))

	if stats.ElapsedTimeMinutes != 1.5 {
		t.Errorf("Expected 1.5 elapsed minutes, got %f", stats.ElapsedTimeMinutes)
	}
	if stats.UserSpeechPercentage != 75 {
		t.Errorf("Expected 75%% user speech, got %f", stats.UserSpeechPercentage)
	}
	if stats.AIResponsePercentage != 25 {
		t.Errorf("Expected 25%% ai speech, got %f", stats.AIResponsePercentage)
	}
	if stats.MessagesExchanged != 2 {
		t.Errorf("Expected 2 messages, got %d", stats.MessagesExchanged)
	}
}

func TestConversationSessionSummary(t *testing.T) {
	session, _ := NewConversationSession("sess-1", "ABCD1234", 2, 3, "")
	session.AddMessage(MessageKindUserSpeech, "one", nil, nil, nil)
	session.DurationSeconds = 90

	summary := session.Summary()
	if summary.DurationMinutes != 1.5 {
		t.Errorf("Expected 1.5 minutes, got %f", summary.DurationMinutes)
	}
	if summary.Season != 2 || summary.Episode != 3 {
		t.Errorf("Expected 2/3, got %d/%d", summary.Season, summary.Episode)
	}
}
