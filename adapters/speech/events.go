package speech

import (
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// Event is one inbound engine event. The set of implementations is closed.
type Event interface {
	event()
}

// SessionCreated is the engine greeting sent right after dialing
type SessionCreated struct{ EngineSessionID string }

// SessionUpdated acknowledges the session configuration
type SessionUpdated struct{}

// AudioDelta carries a chunk of synthesized speech
type AudioDelta struct{ Audio []byte }

// AudioDone marks the end of synthesized speech for a response
type AudioDone struct{}

// AITranscriptDelta is a partial transcript of the engine's speech.
// Bridges fold deltas into AITranscriptDone.
type AITranscriptDelta struct{ Text string }

// AITranscriptDone is the full transcript of one engine utterance
type AITranscriptDone struct{ Text string }

// UserTranscript is the engine's transcription of device audio
type UserTranscript struct{ Text string }

// UserTranscriptFailed reports a transcription failure
type UserTranscriptFailed struct{ Message string }

type ResponseCreated struct{ ResponseID string }

type ResponseDone struct{ Status string }

type ItemCreated struct {
	ItemID   string
	ItemType string
}

// CompletionSignal is the engine's end_episode call
type CompletionSignal struct{ CallID string }

// EngineError is a protocol level error reported by the engine
type EngineError struct {
	Code    string
	Message string
}

// UnknownEvent is any event type the bridge does not interpret
type UnknownEvent struct{ Type string }

func (SessionCreated) event()       {}
func (SessionUpdated) event()       {}
func (AudioDelta) event()           {}
func (AudioDone) event()            {}
func (AITranscriptDelta) event()    {}
func (AITranscriptDone) event()     {}
func (UserTranscript) event()       {}
func (UserTranscriptFailed) event() {}
func (ResponseCreated) event()      {}
func (ResponseDone) event()         {}
func (ItemCreated) event()          {}
func (CompletionSignal) event()     {}
func (EngineError) event()          {}
func (UnknownEvent) event()         {}

// dispatch invokes exactly one handler callback for a recognized event.
// Deltas and unknown events are logged and ignored.
func dispatch(ev Event, h repositories.SpeechEventHandler, logger *zap.Logger) {
	switch e := ev.(type) {
	case SessionCreated:
		h.OnSystemEvent("Engine session created", map[string]any{
			"event":             "session_created",
			"engine_session_id": e.EngineSessionID,
		})
	case SessionUpdated:
		h.OnConfigured()
	case AudioDelta:
		h.OnAudioOut(e.Audio)
	case AudioDone:
		h.OnSystemEvent("Response audio done", map[string]any{"event": "audio_done"})
	case AITranscriptDelta:
		logger.Debug("Transcript delta", zap.Int("length", len(e.Text)))
	case AITranscriptDone:
		h.OnAITranscript(e.Text)
	case UserTranscript:
		h.OnUserTranscript(e.Text)
	case UserTranscriptFailed:
		h.OnSystemEvent("Transcription failed: "+e.Message, map[string]any{"event": "transcription_failed"})
	case ResponseCreated:
		h.OnSystemEvent("Response started", map[string]any{
			"event":       "response_created",
			"response_id": e.ResponseID,
		})
	case ResponseDone:
		h.OnSystemEvent("Response done", map[string]any{
			"event":  "response_done",
			"status": e.Status,
		})
	case ItemCreated:
		h.OnSystemEvent("Conversation item created: "+e.ItemType, map[string]any{
			"event":     "conversation_item_created",
			"item_type": e.ItemType,
			"item_id":   e.ItemID,
		})
	case CompletionSignal:
		h.OnCompletion()
	case EngineError:
		h.OnError(e.Code, e.Message)
	case UnknownEvent:
		logger.Debug("Unhandled engine event", zap.String("type", e.Type))
	}
}
