package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// MessageType defines the type of a device text message
type MessageType string

// Messages sent by devices
const (
	MessageTypePing              MessageType = "ping"
	MessageTypeHeartbeat         MessageType = "heartbeat"
	MessageTypeStatusRequest     MessageType = "status_request"
	MessageTypeStartConversation MessageType = "start_conversation"
	MessageTypeStopConversation  MessageType = "stop_conversation"
	MessageTypeEndConversation   MessageType = "end_conversation"
	MessageTypeTriggerResponse   MessageType = "trigger_response"
	MessageTypeAudioStart        MessageType = "audio_start"
	MessageTypeAudioEnd          MessageType = "audio_end"
	MessageTypeAudio             MessageType = "audio"
)

// Messages sent to devices
const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypePong                  MessageType = "pong"
	MessageTypeHeartbeatAck          MessageType = "heartbeat_ack"
	MessageTypeStatusResponse        MessageType = "status_response"
	MessageTypeConversationReady     MessageType = "conversation_ready"
	MessageTypeConversationStarted   MessageType = "conversation_started"
	MessageTypeConversationStopped   MessageType = "conversation_stopped"
	MessageTypeConversationEnded     MessageType = "conversation_ended"
	MessageTypeResponseTriggered     MessageType = "response_triggered"
	MessageTypeEpisodeComplete       MessageType = "episode_complete"
	MessageTypeError                 MessageType = "error"
)

// Audio frames shorter than this carry no usable speech
const MinAudioFrameBytes = 100

// DefaultMaxAudioFrameBytes bounds a single binary frame
const DefaultMaxAudioFrameBytes = 512 * 1024

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrFrameTooSmall  = errors.New("audio frame too small")
	ErrFrameTooLarge  = errors.New("audio frame too large")
)

// BaseMessage defines the common structure for all device messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp,omitempty"`
}

func base(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: unixSeconds(time.Now())}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Command is a parsed device text message
type Command struct {
	Type      MessageType
	Timestamp *float64
	Info      map[string]any
	// Simple is set for bare-word commands sent without JSON framing
	Simple bool
}

var knownCommands = map[MessageType]bool{
	MessageTypePing:              true,
	MessageTypeHeartbeat:         true,
	MessageTypeStatusRequest:     true,
	MessageTypeStartConversation: true,
	MessageTypeStopConversation:  true,
	MessageTypeEndConversation:   true,
	MessageTypeTriggerResponse:   true,
	MessageTypeAudioStart:        true,
	MessageTypeAudioEnd:          true,
	MessageTypeAudio:             true,
}

var simpleCommands = map[MessageType]bool{
	MessageTypeStartConversation: true,
	MessageTypeStopConversation:  true,
	MessageTypePing:              true,
	MessageTypeHeartbeat:         true,
}

// ParseCommand parses a JSON message or a bare-word command
func ParseCommand(data []byte) (Command, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var raw struct {
			Type      MessageType    `json:"type"`
			Timestamp *float64       `json:"timestamp"`
			Info      map[string]any `json:"info"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return Command{}, fmt.Errorf("invalid JSON format: %w", err)
		}
		if raw.Type == "" {
			return Command{}, errors.New("message missing type field")
		}
		if !knownCommands[raw.Type] {
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, raw.Type)
		}
		return Command{Type: raw.Type, Timestamp: raw.Timestamp, Info: raw.Info}, nil
	}

	word := MessageType(strings.ToLower(trimmed))
	if !simpleCommands[word] {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, trimmed)
	}
	return Command{Type: word, Simple: true}, nil
}

// ValidateAudioFrame checks the size bounds of a binary audio frame
func ValidateAudioFrame(frame []byte, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAudioFrameBytes
	}
	switch {
	case len(frame) < MinAudioFrameBytes:
		return fmt.Errorf("%w: %d bytes", ErrFrameTooSmall, len(frame))
	case len(frame) > maxBytes:
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return nil
}

// ConnectionEstablishedMessage welcomes a device after a successful connect
type ConnectionEstablishedMessage struct {
	BaseMessage
	DeviceID    string                   `json:"device_id"`
	SessionID   string                   `json:"session_id"`
	Season      int                      `json:"season"`
	Episode     int                      `json:"episode"`
	Status      string                   `json:"status"`
	AudioConfig repositories.AudioConfig `json:"audio_config"`
}

type PongMessage struct {
	BaseMessage
}

type HeartbeatAckMessage struct {
	BaseMessage
}

// StatusResponseMessage answers a status_request
type StatusResponseMessage struct {
	BaseMessage
	DeviceID        string  `json:"device_id"`
	SessionDuration float64 `json:"session_duration"`
	OpenAIConnected bool    `json:"openai_connected"`
	CurrentSeason   int     `json:"current_season"`
	CurrentEpisode  int     `json:"current_episode"`
}

type ConversationReadyMessage struct {
	BaseMessage
	Status                string `json:"status"`
	OpenAIReady           bool   `json:"openai_ready"`
	VADEnabled            bool   `json:"vad_enabled"`
	ManualTriggerRequired bool   `json:"manual_trigger_required"`
}

type ConversationStartedMessage struct {
	BaseMessage
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusMessage is used by replies that only carry a status word
type StatusMessage struct {
	BaseMessage
	Status string `json:"status"`
}

// EpisodeCompleteMessage tells the device where it goes next
type EpisodeCompleteMessage struct {
	BaseMessage
	NewSeason        int  `json:"new_season"`
	NewEpisode       int  `json:"new_episode"`
	TotalCompleted   int  `json:"total_completed"`
	NewSeasonStarted bool `json:"new_season_started"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: base(MessageTypeError),
		Code:        code,
		Message:     message,
	}
}

// CreatePongMessage echoes the device timestamp when one was sent
func CreatePongMessage(timestamp *float64) *PongMessage {
	msg := &PongMessage{BaseMessage: base(MessageTypePong)}
	if timestamp != nil {
		msg.Timestamp = *timestamp
	}
	return msg
}
