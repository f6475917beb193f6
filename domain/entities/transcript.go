package entities

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies a transcript message
type MessageKind string

const (
	MessageKindUserSpeech   MessageKind = "user_speech"
	MessageKindAIResponse   MessageKind = "ai_response"
	MessageKindSystem       MessageKind = "system_message"
	MessageKindError        MessageKind = "error_message"
	MessageKindSessionStart MessageKind = "session_start"
	MessageKindSessionEnd   MessageKind = "session_end"
)

// TranscriptMessage is a single entry of a conversation transcript
type TranscriptMessage struct {
	MessageID  string         `json:"message_id" bson:"message_id" msgpack:"message_id"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp" msgpack:"timestamp"`
	Kind       MessageKind    `json:"type" bson:"type" msgpack:"type"`
	Content    string         `json:"content" bson:"content" msgpack:"content"`
	Confidence *float64       `json:"confidence,omitempty" bson:"confidence,omitempty" msgpack:"confidence,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty" bson:"duration_ms,omitempty" msgpack:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// ConversationSession is the transcript aggregate of one device session
type ConversationSession struct {
	SessionID    string     `json:"session_id" bson:"_id" msgpack:"session_id"`
	DeviceID     string     `json:"device_id" bson:"device_id" msgpack:"device_id"`
	Season       int        `json:"season" bson:"season" msgpack:"season"`
	Episode      int        `json:"episode" bson:"episode" msgpack:"episode"`
	SystemPrompt string     `json:"system_prompt" bson:"system_prompt" msgpack:"system_prompt"`
	StartTime    time.Time  `json:"start_time" bson:"start_time" msgpack:"start_time"`
	EndTime      *time.Time `json:"end_time" bson:"end_time" msgpack:"end_time"`

	DurationSeconds        float64             `json:"duration_seconds" bson:"duration_seconds" msgpack:"duration_seconds"`
	Messages               []TranscriptMessage `json:"messages" bson:"messages" msgpack:"messages"`
	UserMessageCount       int                 `json:"user_message_count" bson:"user_message_count" msgpack:"user_message_count"`
	AIMessageCount         int                 `json:"ai_message_count" bson:"ai_message_count" msgpack:"ai_message_count"`
	TotalUserSpeechSeconds float64             `json:"total_user_speech_duration" bson:"total_user_speech_duration" msgpack:"total_user_speech_duration"`
	TotalAIResponseSeconds float64             `json:"total_ai_response_duration" bson:"total_ai_response_duration" msgpack:"total_ai_response_duration"`

	CompletedSuccessfully bool   `json:"completed_successfully" bson:"completed_successfully" msgpack:"completed_successfully"`
	CompletionReason      string `json:"completion_reason,omitempty" bson:"completion_reason,omitempty" msgpack:"completion_reason,omitempty"`
}

// NewConversationSession creates an open transcript for a device session
func NewConversationSession(sessionID, deviceID string, season, episode int, systemPrompt string) (*ConversationSession, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if season < 1 || episode < 1 {
		return nil, fmt.Errorf("invalid learning position %d/%d", season, episode)
	}
	return &ConversationSession{
		SessionID:    sessionID,
		DeviceID:     deviceID,
		Season:       season,
		Episode:      episode,
		SystemPrompt: systemPrompt,
		StartTime:    time.Now(),
		Messages:     make([]TranscriptMessage, 0),
	}, nil
}

// IsActive reports whether the session is still open
func (s *ConversationSession) IsActive() bool {
	return s.EndTime == nil
}

// MessageCount is the total number of messages, markers included
func (s *ConversationSession) MessageCount() int {
	return len(s.Messages)
}

// AddMessage appends a message and updates the running counts
func (s *ConversationSession) AddMessage(kind MessageKind, content string, confidence *float64, durationMs *int64, metadata map[string]any) TranscriptMessage {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	message := TranscriptMessage{
		MessageID:  uuid.New().String(),
		Timestamp:  time.Now(),
		Kind:       kind,
		Content:    content,
		Confidence: confidence,
		DurationMs: durationMs,
		Metadata:   metadata,
	}
	s.Messages = append(s.Messages, message)

	switch kind {
	case MessageKindUserSpeech:
		s.UserMessageCount++
		if durationMs != nil {
			s.TotalUserSpeechSeconds += float64(*durationMs) / 1000.0
		}
	case MessageKindAIResponse:
		s.AIMessageCount++
		if durationMs != nil {
			s.TotalAIResponseSeconds += float64(*durationMs) / 1000.0
		}
	}
	return message
}

// End stamps the end time and the outcome
func (s *ConversationSession) End(reason string, success bool) {
	now := time.Now()
	s.EndTime = &now
	s.DurationSeconds = now.Sub(s.StartTime).Seconds()
	s.CompletionReason = reason
	s.CompletedSuccessfully = success
}

// Clone deep-copies the aggregate so it can be persisted off the hot path
func (s *ConversationSession) Clone() *ConversationSession {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.Messages = make([]TranscriptMessage, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// ConversationSummary is the listing view of a conversation
type ConversationSummary struct {
	SessionID             string    `json:"session_id" bson:"_id"`
	DeviceID              string    `json:"device_id" bson:"device_id"`
	Season                int       `json:"season" bson:"season"`
	Episode               int       `json:"episode" bson:"episode"`
	StartTime             time.Time `json:"start_time" bson:"start_time"`
	DurationMinutes       float64   `json:"duration_minutes" bson:"-"`
	MessageCount          int       `json:"message_count" bson:"-"`
	UserMessageCount      int       `json:"user_message_count" bson:"user_message_count"`
	AIMessageCount        int       `json:"ai_message_count" bson:"ai_message_count"`
	CompletedSuccessfully bool      `json:"completed_successfully" bson:"completed_successfully"`
}

// Summary builds the listing view
func (s *ConversationSession) Summary() ConversationSummary {
	return ConversationSummary{
		SessionID:             s.SessionID,
		DeviceID:              s.DeviceID,
		Season:                s.Season,
		Episode:               s.Episode,
		StartTime:             s.StartTime,
		DurationMinutes:       round(s.DurationSeconds/60, 2),
		MessageCount:          len(s.Messages),
		UserMessageCount:      s.UserMessageCount,
		AIMessageCount:        s.AIMessageCount,
		CompletedSuccessfully: s.CompletedSuccessfully,
	}
}

// ConversationStats is the live view of an open conversation
type ConversationStats struct {
	SessionID            string    `json:"session_id"`
	ElapsedTimeMinutes   float64   `json:"elapsed_time_minutes"`
	MessagesExchanged    int       `json:"messages_exchanged"`
	UserSpeechPercentage float64   `json:"user_speech_percentage"`
	AIResponsePercentage float64   `json:"ai_response_percentage"`
	LastActivity         time.Time `json:"last_activity"`
}

// LiveStats computes real-time statistics for an open session
func (s *ConversationSession) LiveStats(now time.Time) ConversationStats {
	total := s.TotalUserSpeechSeconds + s.TotalAIResponseSeconds
	var userPct, aiPct float64
	if total > 0 {
		userPct = s.TotalUserSpeechSeconds / total * 100
		aiPct = s.TotalAIResponseSeconds / total * 100
	}

	lastActivity := s.StartTime
	if n := len(s.Messages); n > 0 {
		lastActivity = s.Messages[n-1].Timestamp
	}

	return ConversationStats{
		SessionID:            s.SessionID,
		ElapsedTimeMinutes:   round(now.Sub(s.StartTime).Minutes(), 2),
		MessagesExchanged:    len(s.Messages),
		UserSpeechPercentage: round(userPct, 1),
		AIResponsePercentage: round(aiPct, 1),
		LastActivity:         lastActivity,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
