package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

const (
	// DefaultOpenAIRealtimeURL is the realtime endpoint with the model preselected
	DefaultOpenAIRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-mini-realtime-preview-2024-10-01"

	DefaultOpenAIVoice = "ballad"

	// CompletionToolName is the function the engine calls to end an episode
	CompletionToolName = "end_episode"

	completionToolDescription = "Call when the lesson of this episode is finished and the child said goodbye."

	writeWait = 10 * time.Second
)

// OpenAIRealtimeConfig configures the OpenAI Realtime bridge
type OpenAIRealtimeConfig struct {
	URL              string
	APIKey           string
	Voice            string
	VADEnabled       bool
	PendingLimit     int
	HandshakeTimeout time.Duration
}

// OpenAIRealtimeBridge implements repositories.SpeechBridge over the
// OpenAI Realtime websocket protocol
type OpenAIRealtimeBridge struct {
	cfg      OpenAIRealtimeConfig
	deviceID string
	handler  repositories.SpeechEventHandler
	logger   *zap.Logger

	conn         *websocket.Conn
	writeMu      sync.Mutex
	gate         *audioGate
	instructions string
	transcript   []byte

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ repositories.SpeechBridge = (*OpenAIRealtimeBridge)(nil)

// NewOpenAIRealtimeFactory returns a factory building one bridge per device
func NewOpenAIRealtimeFactory(cfg OpenAIRealtimeConfig, logger *zap.Logger) repositories.SpeechBridgeFactory {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenAIRealtimeURL
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultOpenAIVoice
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return func(deviceID string, handler repositories.SpeechEventHandler) repositories.SpeechBridge {
		return &OpenAIRealtimeBridge{
			cfg:      cfg,
			deviceID: deviceID,
			handler:  handler,
			logger:   logger.With(zap.String("deviceID", deviceID), zap.String("engine", "openai")),
			gate:     newAudioGate(cfg.PendingLimit),
		}
	}
}

// Open implements repositories.SpeechBridge
func (b *OpenAIRealtimeBridge) Open(ctx context.Context, instructions string) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+b.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to realtime engine (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to realtime engine: %w", err)
	}

	b.conn = conn
	b.instructions = instructions
	b.logger.Info("Connected to OpenAI Realtime")
	return nil
}

// Run implements repositories.SpeechBridge
func (b *OpenAIRealtimeBridge) Run(ctx context.Context) error {
	if b.conn == nil {
		return repositories.ErrBridgeClosed
	}
	stop := context.AfterFunc(ctx, func() { b.Close() })
	defer stop()

	for {
		_, message, err := b.conn.ReadMessage()
		if err != nil {
			if b.closed.Load() {
				return nil
			}
			return fmt.Errorf("realtime connection lost: %w", err)
		}

		ev, err := decodeRealtimeEvent(message)
		if err != nil {
			b.logger.Warn("Failed to decode engine event", zap.Error(err))
			continue
		}
		b.handle(ev)
	}
}

func (b *OpenAIRealtimeBridge) handle(ev Event) {
	switch e := ev.(type) {
	case SessionCreated:
		if err := b.configure(); err != nil {
			b.logger.Error("Failed to send session configuration", zap.Error(err))
			b.handler.OnError("session_update_failed", err.Error())
			return
		}
	case SessionUpdated:
		if err := b.gate.release(b.appendAudio, b.logger); err != nil {
			b.logger.Error("Failed to flush held audio", zap.Error(err))
		}
		b.logger.Info("Realtime session configured")
	case AITranscriptDelta:
		b.transcript = append(b.transcript, e.Text...)
	case AITranscriptDone:
		if e.Text == "" {
			e.Text = string(b.transcript)
		}
		b.transcript = b.transcript[:0]
		ev = e
	}
	dispatch(ev, b.handler, b.logger)
}

// configure sends the one-time session configuration handshake
func (b *OpenAIRealtimeBridge) configure() error {
	var turnDetection any
	if b.cfg.VADEnabled {
		turnDetection = map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 500,
		}
	}

	return b.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        b.instructions,
			"voice":               b.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": turnDetection,
			"tools": []map[string]any{{
				"type":        "function",
				"name":        CompletionToolName,
				"description": completionToolDescription,
				"parameters":  map[string]any{"type": "object", "properties": map[string]any{}},
			}},
			"tool_choice": "auto",
		},
	})
}

// SendAudio implements repositories.SpeechBridge
func (b *OpenAIRealtimeBridge) SendAudio(audio []byte) error {
	if b.closed.Load() || b.conn == nil {
		return repositories.ErrBridgeClosed
	}
	return b.gate.send(audio, b.appendAudio, b.logger)
}

func (b *OpenAIRealtimeBridge) appendAudio(audio []byte) error {
	return b.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     "input_audio_buffer.append",
		"audio":    base64.StdEncoding.EncodeToString(audio),
	})
}

// TriggerResponse implements repositories.SpeechBridge
func (b *OpenAIRealtimeBridge) TriggerResponse() error {
	if b.closed.Load() || b.conn == nil {
		return repositories.ErrBridgeClosed
	}
	if !b.gate.isOpen() {
		return repositories.ErrBridgeNotReady
	}
	if err := b.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     "input_audio_buffer.commit",
	}); err != nil {
		return err
	}
	return b.sendEvent(map[string]any{
		"event_id": generateEventID(),
		"type":     "response.create",
		"response": map[string]any{
			"modalities": []string{"text", "audio"},
		},
	})
}

// Configured implements repositories.SpeechBridge
func (b *OpenAIRealtimeBridge) Configured() bool {
	return b.gate.isOpen()
}

// Close implements repositories.SpeechBridge
func (b *OpenAIRealtimeBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.conn == nil {
			return
		}
		b.writeMu.Lock()
		b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		err = b.conn.Close()
		b.logger.Info("Realtime connection closed")
	})
	return err
}

func (b *OpenAIRealtimeBridge) sendEvent(event map[string]any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.closed.Load() {
		return repositories.ErrBridgeClosed
	}
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("failed to send %v: %w", event["type"], err)
	}
	return nil
}

func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

// realtimeEvent is the subset of the server event envelope the bridge reads
type realtimeEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Name       string `json:"name"`
	CallID     string `json:"call_id"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session"`
	Item *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"item"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeRealtimeEvent maps a raw server message onto the closed event set
func decodeRealtimeEvent(message []byte) (Event, error) {
	var raw realtimeEvent
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if raw.Type == "" {
		return nil, errors.New("event without type")
	}

	switch raw.Type {
	case "session.created":
		var id string
		if raw.Session != nil {
			id = raw.Session.ID
		}
		return SessionCreated{EngineSessionID: id}, nil
	case "session.updated":
		return SessionUpdated{}, nil
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio delta: %w", err)
		}
		return AudioDelta{Audio: audio}, nil
	case "response.audio.done":
		return AudioDone{}, nil
	case "response.audio_transcript.delta":
		return AITranscriptDelta{Text: raw.Delta}, nil
	case "response.audio_transcript.done":
		return AITranscriptDone{Text: raw.Transcript}, nil
	case "conversation.item.input_audio_transcription.completed":
		return UserTranscript{Text: raw.Transcript}, nil
	case "conversation.item.input_audio_transcription.failed":
		var msg string
		if raw.Error != nil {
			msg = raw.Error.Message
		}
		return UserTranscriptFailed{Message: msg}, nil
	case "response.created":
		var id string
		if raw.Response != nil {
			id = raw.Response.ID
		}
		return ResponseCreated{ResponseID: id}, nil
	case "response.done":
		var status string
		if raw.Response != nil {
			status = raw.Response.Status
		}
		return ResponseDone{Status: status}, nil
	case "conversation.item.created":
		if raw.Item == nil {
			return ItemCreated{ItemType: "unknown"}, nil
		}
		return ItemCreated{ItemID: raw.Item.ID, ItemType: raw.Item.Type}, nil
	case "response.function_call_arguments.done":
		if raw.Name == CompletionToolName {
			return CompletionSignal{CallID: raw.CallID}, nil
		}
		return UnknownEvent{Type: raw.Type + ":" + raw.Name}, nil
	case "error":
		if raw.Error == nil {
			return EngineError{Code: "unknown", Message: "unknown error"}, nil
		}
		code := raw.Error.Code
		if code == "" {
			code = raw.Error.Type
		}
		return EngineError{Code: code, Message: raw.Error.Message}, nil
	default:
		return UnknownEvent{Type: raw.Type}, nil
	}
}
