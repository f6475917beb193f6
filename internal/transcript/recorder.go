package transcript

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// FlushEvery is the number of appended messages between periodic saves
const FlushEvery = 5

// ReasonNewSessionStarted closes a transcript left open by a previous session
const ReasonNewSessionStarted = "new_session_started"

const saveTimeout = 10 * time.Second

// liveSession pairs an open transcript with its own lock so appends for one
// device never wait on another device
type liveSession struct {
	mu       sync.Mutex
	session  *entities.ConversationSession
	appended int
	ended    bool
}

// Recorder accumulates conversation transcripts per device and persists them
type Recorder struct {
	store  repositories.TranscriptRepository
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession

	flushes sync.WaitGroup
}

// NewRecorder creates a new transcript recorder
func NewRecorder(store repositories.TranscriptRepository, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:    store,
		logger:   logger,
		sessions: make(map[string]*liveSession),
	}
}

// StartSession opens a transcript for the device, ending any transcript
// still open for it
func (r *Recorder) StartSession(deviceID, sessionID string, season, episode int, instructions string) (*entities.ConversationSession, error) {
	session, err := entities.NewConversationSession(sessionID, deviceID, season, episode, instructions)
	if err != nil {
		return nil, err
	}

	if _, ok := r.EndSession(deviceID, ReasonNewSessionStarted, false); ok {
		r.logger.Info("Ended previous transcript", zap.String("deviceID", deviceID))
	}

	session.AddMessage(entities.MessageKindSessionStart,
		"Conversation session started", nil, nil,
		map[string]any{"season": season, "episode": episode})

	r.mu.Lock()
	r.sessions[deviceID] = &liveSession{session: session}
	r.mu.Unlock()

	r.logger.Info("Transcript started",
		zap.String("deviceID", deviceID),
		zap.String("sessionID", sessionID),
		zap.Int("season", season),
		zap.Int("episode", episode))
	return session.Clone(), nil
}

// AddUserMessage records transcribed device speech
func (r *Recorder) AddUserMessage(deviceID, content string, confidence *float64, durationMs *int64) (entities.TranscriptMessage, bool) {
	return r.add(deviceID, "", entities.MessageKindUserSpeech, content, confidence, durationMs, nil)
}

// AddAIMessage records the engine's spoken reply
func (r *Recorder) AddAIMessage(deviceID, content string, durationMs *int64) (entities.TranscriptMessage, bool) {
	return r.add(deviceID, "", entities.MessageKindAIResponse, content, nil, durationMs, nil)
}

func (r *Recorder) AddSystemMessage(deviceID, content string, metadata map[string]any) (entities.TranscriptMessage, bool) {
	return r.add(deviceID, "", entities.MessageKindSystem, content, nil, nil, metadata)
}

func (r *Recorder) AddErrorMessage(deviceID, content string, metadata map[string]any) (entities.TranscriptMessage, bool) {
	return r.add(deviceID, "", entities.MessageKindError, content, nil, nil, metadata)
}

// add appends to the device's open transcript. A non-empty sessionID
// restricts the append to that transcript.
func (r *Recorder) add(deviceID, sessionID string, kind entities.MessageKind, content string, confidence *float64, durationMs *int64, metadata map[string]any) (entities.TranscriptMessage, bool) {
	r.mu.RLock()
	live, ok := r.sessions[deviceID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("No open transcript for message",
			zap.String("deviceID", deviceID),
			zap.String("kind", string(kind)))
		return entities.TranscriptMessage{}, false
	}

	live.mu.Lock()
	if live.ended {
		live.mu.Unlock()
		return entities.TranscriptMessage{}, false
	}
	if sessionID != "" && live.session.SessionID != sessionID {
		live.mu.Unlock()
		r.logger.Warn("Dropping message for replaced transcript",
			zap.String("deviceID", deviceID),
			zap.String("sessionID", sessionID),
			zap.String("kind", string(kind)))
		return entities.TranscriptMessage{}, false
	}
	message := live.session.AddMessage(kind, content, confidence, durationMs, metadata)
	live.appended++
	var snapshot *entities.ConversationSession
	if live.appended%FlushEvery == 0 {
		snapshot = live.session.Clone()
	}
	live.mu.Unlock()

	if snapshot != nil {
		r.flushAsync(snapshot)
	}
	return message, true
}

// flushAsync saves a snapshot off the hot path. A failed save is only
// logged; the next boundary carries the same messages again.
func (r *Recorder) flushAsync(snapshot *entities.ConversationSession) {
	r.flushes.Add(1)
	go func() {
		defer r.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.store.SaveConversation(ctx, snapshot); err != nil {
			r.logger.Error("Failed to save transcript",
				zap.String("sessionID", snapshot.SessionID),
				zap.Error(err))
			return
		}
		r.logger.Debug("Transcript saved",
			zap.String("sessionID", snapshot.SessionID),
			zap.Int("messages", len(snapshot.Messages)))
	}()
}

// EndSession closes the device's transcript and saves it synchronously.
// Only the first call for an open transcript returns true.
func (r *Recorder) EndSession(deviceID, reason string, success bool) (*entities.ConversationSession, bool) {
	return r.end(deviceID, "", reason, success)
}

func (r *Recorder) end(deviceID, sessionID, reason string, success bool) (*entities.ConversationSession, bool) {
	r.mu.Lock()
	live, ok := r.sessions[deviceID]
	if ok && sessionID != "" && live.session.SessionID != sessionID {
		ok = false
	}
	if ok {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	live.mu.Lock()
	if live.ended {
		live.mu.Unlock()
		return nil, false
	}
	live.ended = true
	live.session.AddMessage(entities.MessageKindSessionEnd,
		"Conversation session ended: "+reason, nil, nil,
		map[string]any{"reason": reason, "success": success})
	live.session.End(reason, success)
	final := live.session.Clone()
	live.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.SaveConversation(ctx, final); err != nil {
		r.logger.Error("Failed to save final transcript",
			zap.String("sessionID", final.SessionID),
			zap.Error(err))
	}

	r.logger.Info("Transcript ended",
		zap.String("deviceID", deviceID),
		zap.String("sessionID", final.SessionID),
		zap.String("reason", reason),
		zap.Bool("success", success),
		zap.Int("userMessages", final.UserMessageCount),
		zap.Int("aiMessages", final.AIMessageCount))
	return final, true
}

// SessionLog writes to one specific transcript of a device. Once the device
// has started another transcript its calls are dropped.
type SessionLog struct {
	recorder  *Recorder
	deviceID  string
	sessionID string
}

// For returns the writer bound to the device's transcript sessionID
func (r *Recorder) For(deviceID, sessionID string) *SessionLog {
	return &SessionLog{recorder: r, deviceID: deviceID, sessionID: sessionID}
}

func (l *SessionLog) AddUserMessage(content string, confidence *float64, durationMs *int64) (entities.TranscriptMessage, bool) {
	return l.recorder.add(l.deviceID, l.sessionID, entities.MessageKindUserSpeech, content, confidence, durationMs, nil)
}

func (l *SessionLog) AddAIMessage(content string, durationMs *int64) (entities.TranscriptMessage, bool) {
	return l.recorder.add(l.deviceID, l.sessionID, entities.MessageKindAIResponse, content, nil, durationMs, nil)
}

func (l *SessionLog) AddSystemMessage(content string, metadata map[string]any) (entities.TranscriptMessage, bool) {
	return l.recorder.add(l.deviceID, l.sessionID, entities.MessageKindSystem, content, nil, nil, metadata)
}

func (l *SessionLog) AddErrorMessage(content string, metadata map[string]any) (entities.TranscriptMessage, bool) {
	return l.recorder.add(l.deviceID, l.sessionID, entities.MessageKindError, content, nil, nil, metadata)
}

// End closes the transcript unless the device already moved on to another
func (l *SessionLog) End(reason string, success bool) (*entities.ConversationSession, bool) {
	return l.recorder.end(l.deviceID, l.sessionID, reason, success)
}

// ActiveSession returns a copy of the device's open transcript
func (r *Recorder) ActiveSession(deviceID string) (*entities.ConversationSession, bool) {
	r.mu.RLock()
	live, ok := r.sessions[deviceID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	return live.session.Clone(), true
}

// LiveStats computes real-time statistics of the device's open transcript
func (r *Recorder) LiveStats(deviceID string) (entities.ConversationStats, bool) {
	r.mu.RLock()
	live, ok := r.sessions[deviceID]
	r.mu.RUnlock()
	if !ok {
		return entities.ConversationStats{}, false
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	return live.session.LiveStats(time.Now()), true
}

// Wait blocks until pending periodic saves finish
func (r *Recorder) Wait() {
	r.flushes.Wait()
}
