package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
	"github.com/satriahrh/arunika/orchestrator/internal/transcript"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames queued per device before new ones are dropped
	sendBuffer = 256

	// Time finalize waits for the bridge receive loop to return
	bridgeStopWait = 5 * time.Second
)

// Session is one live device connection and the speech bridge behind it.
// It implements repositories.SpeechEventHandler for its bridge.
type Session struct {
	hub       *Hub
	deviceID  string
	sessionID string

	season       int
	episode      int
	instructions string

	transport  Transport
	bridge     repositories.SpeechBridge
	transcript *transcript.SessionLog
	stats      entities.SessionStats
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	status       entities.SessionStatus
	connectedAt  time.Time
	lastActivity time.Time

	// Buffered channel of outbound messages, closed by finalize
	send       chan WriteData
	sendMu     sync.RWMutex
	sendClosed bool
	closeCode  int
	closeText  string

	pumpsStarted  atomic.Bool
	writerDone    chan struct{}
	bridgeStarted atomic.Bool
	bridgeDone    chan struct{}

	completed    atomic.Bool
	finalizeOnce sync.Once
	done         chan struct{}
}

var _ repositories.SpeechEventHandler = (*Session)(nil)

func newSession(hub *Hub, deviceID, sessionID string, position entities.LearningPosition, instructions string, transport Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		hub:          hub,
		deviceID:     deviceID,
		sessionID:    sessionID,
		season:       position.Season,
		episode:      position.Episode,
		instructions: instructions,
		transport:    transport,
		transcript:   hub.deps.Recorder.For(deviceID, sessionID),
		logger:       hub.logger.With(zap.String("deviceID", deviceID), zap.String("sessionID", sessionID)),
		ctx:          ctx,
		cancel:       cancel,
		status:       entities.SessionStatusConnecting,
		connectedAt:  now,
		lastActivity: now,
		send:         make(chan WriteData, sendBuffer),
		writerDone:   make(chan struct{}),
		bridgeDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *Session) DeviceID() string  { return s.deviceID }
func (s *Session) SessionID() string { return s.sessionID }

// Done is closed once the session is finalized
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() entities.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(status entities.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// LastActivity is the time of the last device frame, outbound frame or
// engine event
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Stats returns a snapshot of the traffic counters
func (s *Session) Stats() entities.StatsSnapshot {
	return s.stats.Snapshot()
}

func (s *Session) bridgeConfigured() bool {
	return s.bridge != nil && s.bridge.Configured()
}

// Info returns a read-only snapshot of the session
func (s *Session) Info() entities.SessionInfo {
	// Configured takes the bridge's send lock, never hold s.mu across it
	configured := s.bridgeConfigured()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return entities.SessionInfo{
		DeviceID:         s.deviceID,
		SessionID:        s.sessionID,
		Status:           s.status,
		ConnectedAt:      s.connectedAt,
		LastActivity:     s.lastActivity,
		SessionDuration:  time.Since(s.connectedAt).Seconds(),
		CurrentSeason:    s.season,
		CurrentEpisode:   s.episode,
		BridgeConfigured: configured,
		StatsSnapshot:    s.stats.Snapshot(),
	}
}

// enqueue queues an outbound frame without blocking. Frames are dropped
// once the queue is full or the session is closing.
func (s *Session) enqueue(data WriteData) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- data:
		s.touch()
		return true
	default:
		s.stats.AddError()
		s.logger.Warn("Outbound queue full, dropping frame", zap.Int("size", len(data.Payload)))
		return false
	}
}

func (s *Session) sendJSON(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return s.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// readPump pumps messages from the device to the bridge
func (s *Session) readPump() {
	maxFrame := s.hub.cfg.MaxAudioFrameBytes
	// Frames up to twice the audio bound are read and dropped; larger ones
	// break the connection
	s.transport.SetReadLimit(int64(maxFrame) * 2)
	s.transport.SetReadDeadline(time.Now().Add(pongWait))
	s.transport.SetPongHandler(func(string) error {
		s.transport.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.transport.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			reason := entities.DisconnectClientDisconnect
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket error", zap.Error(err))
				reason = entities.DisconnectError
			}
			s.hub.disconnectSession(s, reason)
			return
		}
		s.transport.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()

		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(message)
		case websocket.TextMessage:
			s.handleText(message)
		default:
			s.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued messages to the device. On queue close it sends
// the close frame chosen by finalize.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.transport.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(s.closeCode, s.closeText))
				return
			}

			if err := s.transport.WriteMessage(message.Type, message.Payload); err != nil {
				s.logger.Error("Failed to write message", zap.Error(err))
				// The read pump notices the closed transport and disconnects
				s.transport.Close()
				return
			}

		case <-ticker.C:
			s.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.transport.Close()
				return
			}
		}
	}
}

// runBridge owns the bridge receive loop. bridgeDone closes once no more
// engine callbacks can fire.
func (s *Session) runBridge() {
	err := func() error {
		defer close(s.bridgeDone)
		return s.bridge.Run(s.ctx)
	}()
	if err == nil || s.ctx.Err() != nil {
		return
	}
	s.logger.Error("Speech engine connection lost", zap.Error(err))
	s.stats.AddError()
	s.transcript.AddErrorMessage("Speech engine connection lost: "+err.Error(),
		map[string]any{"event": "upstream_lost"})
	s.hub.disconnectSession(s, entities.DisconnectUpstreamLost)
}

func (s *Session) handleAudio(frame []byte) {
	if err := ValidateAudioFrame(frame, s.hub.cfg.MaxAudioFrameBytes); err != nil {
		s.stats.AddError()
		s.logger.Warn("Dropping invalid audio frame", zap.Error(err))
		return
	}

	if s.bridge == nil {
		s.logger.Warn("No speech engine, dropping audio", zap.Int("size", len(frame)))
		return
	}

	err := s.bridge.SendAudio(frame)
	switch {
	case err == nil, errors.Is(err, repositories.ErrBridgeNotReady):
		s.stats.AddSent(len(frame))
	case errors.Is(err, repositories.ErrAudioDropped):
		s.stats.AddError()
	case errors.Is(err, repositories.ErrBridgeClosed):
		// Completion closes the bridge before the device is disconnected
		s.logger.Debug("Speech engine closed, dropping audio", zap.Int("size", len(frame)))
	default:
		s.stats.AddError()
		s.logger.Error("Failed to forward audio", zap.Error(err))
	}
}

func (s *Session) handleText(message []byte) {
	cmd, err := ParseCommand(message)
	if err != nil {
		s.logger.Info("Ignoring device message", zap.Error(err))
		return
	}

	vad := s.hub.cfg.VADEnabled
	switch cmd.Type {
	case MessageTypePing:
		s.sendJSON(CreatePongMessage(cmd.Timestamp))

	case MessageTypeHeartbeat:
		if cmd.Simple {
			s.sendJSON(CreatePongMessage(nil))
			return
		}
		s.sendJSON(HeartbeatAckMessage{BaseMessage: base(MessageTypeHeartbeatAck)})

	case MessageTypeStatusRequest:
		info := s.Info()
		s.sendJSON(StatusResponseMessage{
			BaseMessage:     base(MessageTypeStatusResponse),
			DeviceID:        s.deviceID,
			SessionDuration: info.SessionDuration,
			OpenAIConnected: info.BridgeConfigured,
			CurrentSeason:   info.CurrentSeason,
			CurrentEpisode:  info.CurrentEpisode,
		})

	case MessageTypeStartConversation:
		if cmd.Simple {
			s.sendJSON(ConversationStartedMessage{
				BaseMessage: base(MessageTypeConversationStarted),
				Status:      "ready",
				Message:     "You can start speaking now",
			})
			return
		}
		s.sendJSON(ConversationReadyMessage{
			BaseMessage:           base(MessageTypeConversationReady),
			Status:                "listening",
			OpenAIReady:           s.bridgeConfigured(),
			VADEnabled:            vad,
			ManualTriggerRequired: !vad,
		})

	case MessageTypeStopConversation:
		s.sendJSON(StatusMessage{BaseMessage: base(MessageTypeConversationStopped), Status: "stopped"})

	case MessageTypeEndConversation:
		s.sendJSON(StatusMessage{BaseMessage: base(MessageTypeConversationEnded), Status: "completed"})

	case MessageTypeTriggerResponse:
		s.triggerResponse()
		s.sendJSON(StatusMessage{BaseMessage: base(MessageTypeResponseTriggered), Status: "processing"})

	case MessageTypeAudioEnd:
		if !vad {
			s.triggerResponse()
		}

	case MessageTypeAudioStart, MessageTypeAudio:
		s.logger.Debug("Audio notice", zap.String("type", string(cmd.Type)), zap.Any("info", cmd.Info))
	}
}

func (s *Session) triggerResponse() {
	if s.bridge == nil {
		return
	}
	if err := s.bridge.TriggerResponse(); err != nil {
		s.logger.Warn("Failed to trigger response", zap.Error(err))
	}
}

// engineEvent marks engine activity. It reports false once the session is
// being torn down, when events are discarded.
func (s *Session) engineEvent() bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.touch()
	return true
}

// OnConfigured implements repositories.SpeechEventHandler
func (s *Session) OnConfigured() {
	if !s.engineEvent() {
		return
	}
	s.mu.Lock()
	if s.status == entities.SessionStatusConnecting {
		s.status = entities.SessionStatusConnected
	}
	s.mu.Unlock()

	s.logger.Info("Speech engine configured")
	s.transcript.AddSystemMessage("Speech engine session configured",
		map[string]any{"event": "session_configured"})
}

// OnAudioOut implements repositories.SpeechEventHandler
func (s *Session) OnAudioOut(audio []byte) {
	if !s.engineEvent() {
		return
	}
	if s.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: audio}) {
		s.stats.AddReceived(len(audio))
	}
}

// OnUserTranscript implements repositories.SpeechEventHandler
func (s *Session) OnUserTranscript(text string) {
	if s.engineEvent() {
		s.transcript.AddUserMessage(text, nil, nil)
	}
}

// OnAITranscript implements repositories.SpeechEventHandler
func (s *Session) OnAITranscript(text string) {
	if s.engineEvent() {
		s.transcript.AddAIMessage(text, nil)
	}
}

// OnSystemEvent implements repositories.SpeechEventHandler
func (s *Session) OnSystemEvent(text string, metadata map[string]any) {
	if s.engineEvent() {
		s.transcript.AddSystemMessage(text, metadata)
	}
}

// OnCompletion implements repositories.SpeechEventHandler
func (s *Session) OnCompletion() {
	if s.engineEvent() {
		s.hub.completion.Complete(s)
	}
}

// OnError implements repositories.SpeechEventHandler
func (s *Session) OnError(code, message string) {
	if !s.engineEvent() {
		return
	}
	s.stats.AddError()
	s.logger.Warn("Speech engine error", zap.String("code", code), zap.String("message", message))
	s.transcript.AddErrorMessage("Speech engine error: "+code+" - "+message,
		map[string]any{"event": "engine_error", "error_code": code, "error_message": message})
}

// finalize tears the session down exactly once. The caller has already
// removed it from the registry.
func (s *Session) finalize(reason entities.DisconnectReason) {
	s.finalizeOnce.Do(func() {
		// A device hanging up after the episode completed still completed it
		if reason == entities.DisconnectClientDisconnect && s.completed.Load() {
			reason = entities.DisconnectSessionComplete
		}

		s.setStatus(entities.SessionStatusClosing)
		s.cancel()

		if s.bridge != nil {
			if err := s.bridge.Close(); err != nil {
				s.logger.Warn("Failed to close speech bridge", zap.Error(err))
			}
		}
		s.waitBridge()

		s.transcript.End(string(reason), reason.Successful())

		duration := time.Since(s.connectedAt).Seconds()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.hub.deps.Progress.IncrementTimeSpent(ctx, s.deviceID, duration); err != nil {
			s.logger.Warn("Failed to record time spent", zap.Error(err))
		}
		cancel()

		s.closeOutbound(reason.CloseCode(), string(reason))
		s.setStatus(entities.SessionStatusClosed)

		stats := s.stats.Snapshot()
		s.logger.Info("Session closed",
			zap.String("reason", string(reason)),
			zap.Float64("duration", duration),
			zap.Int64("bytesSent", stats.BytesSent),
			zap.Int64("bytesReceived", stats.BytesReceived),
			zap.Int64("messagesSent", stats.MessagesSent),
			zap.Int64("messagesReceived", stats.MessagesReceived),
			zap.Int64("errors", stats.Errors))
		close(s.done)
	})
}

// waitBridge blocks until the bridge receive loop returned, so no engine
// callback runs after the transcript ends
func (s *Session) waitBridge() {
	if !s.bridgeStarted.Load() {
		return
	}
	select {
	case <-s.bridgeDone:
	case <-time.After(bridgeStopWait):
		s.logger.Warn("Speech bridge receive loop did not stop in time")
	}
}

// closeOutbound stops the queue and closes the transport. When the write
// pump runs it flushes what is queued and sends the close frame itself.
func (s *Session) closeOutbound(code int, text string) {
	s.sendMu.Lock()
	if s.sendClosed {
		s.sendMu.Unlock()
		return
	}
	s.sendClosed = true
	s.closeCode = code
	s.closeText = text
	close(s.send)
	s.sendMu.Unlock()

	if s.pumpsStarted.Load() {
		select {
		case <-s.writerDone:
		case <-time.After(writeWait + time.Second):
			s.logger.Warn("Write pump did not drain in time")
		}
		s.transport.Close()
		return
	}
	closeWith(s.transport, code, text)
}
