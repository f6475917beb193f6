package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

const (
	DefaultGeminiLiveModel = "gemini-2.0-flash-live-001"

	geminiAudioMIMEType = "audio/pcm;rate=16000"
)

// GeminiLiveConfig configures the Gemini Live bridge
type GeminiLiveConfig struct {
	APIKey       string
	Model        string
	Voice        string
	PendingLimit int
}

// GeminiLiveBridge implements repositories.SpeechBridge on the Gemini Live API
type GeminiLiveBridge struct {
	cfg      GeminiLiveConfig
	deviceID string
	handler  repositories.SpeechEventHandler
	logger   *zap.Logger

	session *genai.Session
	sendMu  sync.Mutex
	gate    *audioGate

	// Accumulated across server messages until the turn completes
	userText strings.Builder
	aiText   strings.Builder

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ repositories.SpeechBridge = (*GeminiLiveBridge)(nil)

// NewGeminiLiveFactory returns a factory building one bridge per device
func NewGeminiLiveFactory(cfg GeminiLiveConfig, logger *zap.Logger) repositories.SpeechBridgeFactory {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiLiveModel
	}
	return func(deviceID string, handler repositories.SpeechEventHandler) repositories.SpeechBridge {
		return &GeminiLiveBridge{
			cfg:      cfg,
			deviceID: deviceID,
			handler:  handler,
			logger:   logger.With(zap.String("deviceID", deviceID), zap.String("engine", "gemini")),
			gate:     newAudioGate(cfg.PendingLimit),
		}
	}
}

// Open implements repositories.SpeechBridge. The setup message carries the
// configuration; SetupComplete is the acknowledgment.
func (b *GeminiLiveBridge) Open(ctx context.Context, instructions string) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  b.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(instructions, genai.RoleUser),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        CompletionToolName,
				Description: completionToolDescription,
			}},
		}},
	}
	if b.cfg.Voice != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: b.cfg.Voice},
			},
		}
	}

	session, err := client.Live.Connect(ctx, b.cfg.Model, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}

	b.session = session
	b.logger.Info("Connected to Gemini Live", zap.String("model", b.cfg.Model))
	return nil
}

// Run implements repositories.SpeechBridge
func (b *GeminiLiveBridge) Run(ctx context.Context) error {
	if b.session == nil {
		return repositories.ErrBridgeClosed
	}
	stop := context.AfterFunc(ctx, func() { b.Close() })
	defer stop()

	for {
		msg, err := b.session.Receive()
		if err != nil {
			if b.closed.Load() {
				return nil
			}
			return fmt.Errorf("gemini live connection lost: %w", err)
		}

		for _, ev := range b.translate(msg) {
			if _, ok := ev.(SessionUpdated); ok {
				if err := b.gate.release(b.sendAudio, b.logger); err != nil {
					b.logger.Error("Failed to flush held audio", zap.Error(err))
				}
				b.logger.Info("Gemini Live session configured")
			}
			dispatch(ev, b.handler, b.logger)
		}
	}
}

// translate maps one server message onto the closed event set. A single
// message may carry several parts.
func (b *GeminiLiveBridge) translate(msg *genai.LiveServerMessage) []Event {
	var events []Event

	if msg.SetupComplete != nil {
		events = append(events, SessionUpdated{})
	}

	if content := msg.ServerContent; content != nil {
		if t := content.InputTranscription; t != nil {
			b.userText.WriteString(t.Text)
			if t.Finished {
				events = b.flushUserText(events)
			}
		}
		if t := content.OutputTranscription; t != nil {
			events = b.flushUserText(events)
			b.aiText.WriteString(t.Text)
		}
		if content.ModelTurn != nil {
			events = b.flushUserText(events)
			for _, part := range content.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					events = append(events, AudioDelta{Audio: part.InlineData.Data})
				}
			}
		}
		if content.TurnComplete {
			events = b.flushUserText(events)
			if text := strings.TrimSpace(b.aiText.String()); text != "" {
				events = append(events, AITranscriptDone{Text: text})
			}
			b.aiText.Reset()
			events = append(events, AudioDone{}, ResponseDone{Status: "completed"})
		}
	}

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			if call.Name != CompletionToolName {
				events = append(events, UnknownEvent{Type: "tool_call:" + call.Name})
				continue
			}
			b.acknowledgeToolCall(call)
			events = append(events, CompletionSignal{CallID: call.ID})
		}
	}

	if len(events) == 0 {
		events = append(events, UnknownEvent{Type: "server_message"})
	}
	return events
}

func (b *GeminiLiveBridge) flushUserText(events []Event) []Event {
	text := strings.TrimSpace(b.userText.String())
	b.userText.Reset()
	if text == "" {
		return events
	}
	return append(events, UserTranscript{Text: text})
}

func (b *GeminiLiveBridge) acknowledgeToolCall(call *genai.FunctionCall) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.closed.Load() || b.session == nil {
		return
	}
	err := b.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"result": "ok"},
		}},
	})
	if err != nil {
		b.logger.Warn("Failed to acknowledge tool call", zap.Error(err))
	}
}

// SendAudio implements repositories.SpeechBridge
func (b *GeminiLiveBridge) SendAudio(audio []byte) error {
	if b.closed.Load() || b.session == nil {
		return repositories.ErrBridgeClosed
	}
	return b.gate.send(audio, b.sendAudio, b.logger)
}

func (b *GeminiLiveBridge) sendAudio(audio []byte) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if b.closed.Load() {
		return repositories.ErrBridgeClosed
	}
	err := b.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: audio, MIMEType: geminiAudioMIMEType},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// TriggerResponse implements repositories.SpeechBridge by ending the
// audio stream, which makes the engine answer what it heard so far
func (b *GeminiLiveBridge) TriggerResponse() error {
	if b.closed.Load() || b.session == nil {
		return repositories.ErrBridgeClosed
	}
	if !b.gate.isOpen() {
		return repositories.ErrBridgeNotReady
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return b.session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

// Configured implements repositories.SpeechBridge
func (b *GeminiLiveBridge) Configured() bool {
	return b.gate.isOpen()
}

// Close implements repositories.SpeechBridge
func (b *GeminiLiveBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.session == nil {
			return
		}
		err = b.session.Close()
		b.logger.Info("Gemini Live session closed")
	})
	return err
}
