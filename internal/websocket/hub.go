package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
	"github.com/satriahrh/arunika/orchestrator/internal/transcript"
)

// Connect failures. Each one closes the transport with its own code.
var (
	ErrInvalidDeviceID     = entities.ErrInvalidDeviceID
	ErrUserNotRegistered   = errors.New("device not registered")
	ErrInstructionsMissing = errors.New("no instructions for learning position")
	ErrBridgeUnavailable   = errors.New("speech engine unavailable")
	ErrInternal            = errors.New("internal error")
	ErrShuttingDown        = errors.New("server shutting down")
)

const bridgeOpenTimeout = 15 * time.Second

// Dependencies are the collaborators a hub needs
type Dependencies struct {
	Users    repositories.UserRepository
	Prompts  repositories.PromptRepository
	Progress repositories.ProgressRepository
	Recorder *transcript.Recorder
	Bridges  repositories.SpeechBridgeFactory
}

// Config carries the session lifecycle settings
type Config struct {
	SessionTimeout     time.Duration
	ReaperInterval     time.Duration
	CompletionDelay    time.Duration
	MaxAudioFrameBytes int
	// AllowDegradedBridge keeps sessions whose bridge failed to open
	AllowDegradedBridge bool
	VADEnabled          bool
	AudioConfig         repositories.AudioConfig
}

// DefaultConfig returns production lifecycle settings
func DefaultConfig() Config {
	return Config{
		SessionTimeout:     30 * time.Minute,
		ReaperInterval:     60 * time.Second,
		CompletionDelay:    2 * time.Second,
		MaxAudioFrameBytes: DefaultMaxAudioFrameBytes,
		VADEnabled:         true,
		AudioConfig:        repositories.DefaultAudioConfig,
	}
}

// HubStats aggregates all live sessions
type HubStats struct {
	TotalConnections    int                            `json:"total_connections"`
	ConnectionsByStatus map[entities.SessionStatus]int `json:"connections_by_status"`
	entities.StatsSnapshot
}

// Hub maintains the set of live device sessions, at most one per device
type Hub struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger

	// Registered sessions keyed by device id
	sessions map[string]*Session
	// Mutex for thread-safe access to sessions map
	mu sync.RWMutex

	// Per-device locks serializing connect and teardown. An entry lives
	// only while someone holds or waits for it.
	locksMu     sync.Mutex
	deviceLocks map[string]*deviceLock

	reaper     *Reaper
	completion *CompletionCoordinator

	tasks        sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewHub creates a new hub and its reaper. Call Start to run the reaper.
func NewHub(deps Dependencies, cfg Config, logger *zap.Logger) *Hub {
	if cfg.MaxAudioFrameBytes <= 0 {
		cfg.MaxAudioFrameBytes = DefaultMaxAudioFrameBytes
	}
	if cfg.AudioConfig == (repositories.AudioConfig{}) {
		cfg.AudioConfig = repositories.DefaultAudioConfig
	}
	h := &Hub{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		sessions:    make(map[string]*Session),
		deviceLocks: make(map[string]*deviceLock),
	}
	h.reaper = NewReaper(h, cfg.ReaperInterval, cfg.SessionTimeout, logger)
	h.completion = NewCompletionCoordinator(h, deps.Progress, cfg.CompletionDelay, logger)
	return h
}

// Start runs the background reaper
func (h *Hub) Start() {
	h.reaper.Start()
}

// Reaper exposes the idle-session reaper
func (h *Hub) Reaper() *Reaper {
	return h.reaper
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func (h *Hub) lockDevice(deviceID string) func() {
	h.locksMu.Lock()
	l, ok := h.deviceLocks[deviceID]
	if !ok {
		l = &deviceLock{}
		h.deviceLocks[deviceID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.deviceLocks, deviceID)
		}
		h.locksMu.Unlock()
	}
}

// Connect admits a device. Rejections close the transport with a code
// naming the failure and return the matching error.
func (h *Hub) Connect(ctx context.Context, deviceID string, transport Transport) (*Session, error) {
	if h.shuttingDown.Load() {
		closeWith(transport, entities.CloseGoingAway, "server shutting down")
		return nil, ErrShuttingDown
	}

	if err := entities.ValidateDeviceID(deviceID); err != nil {
		h.logger.Warn("Rejected invalid device id", zap.String("deviceID", deviceID))
		closeWith(transport, entities.CloseInvalidDeviceID, entities.DeviceIDError(deviceID))
		return nil, ErrInvalidDeviceID
	}

	unlock := h.lockDevice(deviceID)
	defer unlock()

	user, err := h.deps.Users.GetUser(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			h.logger.Warn("Rejected unregistered device", zap.String("deviceID", deviceID))
			closeWith(transport, entities.CloseUserNotRegistered, "Device not registered")
			return nil, ErrUserNotRegistered
		}
		h.logger.Error("Failed to get user", zap.String("deviceID", deviceID), zap.Error(err))
		closeWith(transport, entities.CloseInternalError, "Internal error")
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	position := user.Progress.Position()
	instructions, err := h.deps.Prompts.GetInstructions(ctx, position.Season, position.Episode)
	if err != nil || instructions == "" {
		if err == nil || errors.Is(err, repositories.ErrNotFound) {
			h.logger.Warn("No instructions for learning position",
				zap.String("deviceID", deviceID),
				zap.Int("season", position.Season),
				zap.Int("episode", position.Episode))
			closeWith(transport, entities.CloseInstructionsMissing, "No system prompt for current episode")
			return nil, ErrInstructionsMissing
		}
		h.logger.Error("Failed to get instructions", zap.String("deviceID", deviceID), zap.Error(err))
		closeWith(transport, entities.CloseInternalError, "Internal error")
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if existing := h.lookup(deviceID); existing != nil {
		h.logger.Info("Superseding existing session",
			zap.String("deviceID", deviceID),
			zap.String("sessionID", existing.sessionID))
		h.removeAndFinalize(existing, entities.DisconnectSuperseded)
	}

	s := newSession(h, deviceID, uuid.New().String(), position, instructions, transport)
	if _, err := h.deps.Recorder.StartSession(deviceID, s.sessionID, position.Season, position.Episode, instructions); err != nil {
		s.cancel()
		closeWith(transport, entities.CloseInternalError, "Internal error")
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	bridge := h.deps.Bridges(deviceID, s)
	openCtx, cancel := context.WithTimeout(s.ctx, bridgeOpenTimeout)
	err = bridge.Open(openCtx, instructions)
	cancel()
	if err != nil {
		bridge.Close()
		if !h.cfg.AllowDegradedBridge {
			s.logger.Error("Failed to open speech bridge", zap.Error(err))
			s.finalize(entities.DisconnectError)
			return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
		}
		s.logger.Warn("Continuing without speech engine", zap.Error(err))
		s.transcript.AddErrorMessage("Speech engine unavailable: "+err.Error(),
			map[string]any{"event": "bridge_unavailable"})
		bridge = nil
	}
	s.bridge = bridge

	if h.shuttingDown.Load() {
		s.finalize(entities.DisconnectServerShutdown)
		return nil, ErrShuttingDown
	}

	h.mu.Lock()
	h.sessions[deviceID] = s
	h.mu.Unlock()

	s.pumpsStarted.Store(true)
	h.goSafe(s, s.writePump)
	h.goSafe(s, s.readPump)
	if s.bridge != nil {
		s.bridgeStarted.Store(true)
		h.goSafe(s, s.runBridge)
	}

	s.sendJSON(ConnectionEstablishedMessage{
		BaseMessage: base(MessageTypeConnectionEstablished),
		DeviceID:    deviceID,
		SessionID:   s.sessionID,
		Season:      position.Season,
		Episode:     position.Episode,
		Status:      "ready_for_audio",
		AudioConfig: h.cfg.AudioConfig,
	})

	s.logger.Info("Device connected",
		zap.Int("season", position.Season),
		zap.Int("episode", position.Episode),
		zap.Bool("degraded", s.bridge == nil))
	return s, nil
}

func (h *Hub) lookup(deviceID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[deviceID]
}

// removeAndFinalize requires the device lock. The entry is removed only if
// it still belongs to s.
func (h *Hub) removeAndFinalize(s *Session, reason entities.DisconnectReason) bool {
	h.mu.Lock()
	current, ok := h.sessions[s.deviceID]
	if !ok || current != s {
		h.mu.Unlock()
		return false
	}
	delete(h.sessions, s.deviceID)
	h.mu.Unlock()

	s.finalize(reason)
	return true
}

// Disconnect tears down the device's current session. It reports false
// when nothing was connected.
func (h *Hub) Disconnect(deviceID string, reason entities.DisconnectReason) bool {
	unlock := h.lockDevice(deviceID)
	defer unlock()

	s := h.lookup(deviceID)
	if s == nil {
		return false
	}
	return h.removeAndFinalize(s, reason)
}

// disconnectSession targets one exact session, never its successor
func (h *Hub) disconnectSession(s *Session, reason entities.DisconnectReason) bool {
	unlock := h.lockDevice(s.deviceID)
	defer unlock()
	return h.removeAndFinalize(s, reason)
}

// goSafe runs a session task. A panic is logged and tears down only that
// device's session.
func (h *Hub) goSafe(s *Session, fn func()) {
	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Recovered panic in session task",
					zap.String("deviceID", s.deviceID),
					zap.String("sessionID", s.sessionID),
					zap.Any("panic", r),
					zap.Stack("stack"))
				s.stats.AddError()
				h.disconnectSession(s, entities.DisconnectError)
			}
		}()
		fn()
	}()
}

// snapshot returns the live sessions without holding the lock afterwards
func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Get returns the device's live session info
func (h *Hub) Get(deviceID string) (entities.SessionInfo, bool) {
	s := h.lookup(deviceID)
	if s == nil {
		return entities.SessionInfo{}, false
	}
	return s.Info(), true
}

// ListAll returns info for every live session keyed by device id
func (h *Hub) ListAll() map[string]entities.SessionInfo {
	all := make(map[string]entities.SessionInfo)
	for _, s := range h.snapshot() {
		all[s.deviceID] = s.Info()
	}
	return all
}

// Stats aggregates counters over live sessions
func (h *Hub) Stats() HubStats {
	stats := HubStats{ConnectionsByStatus: make(map[entities.SessionStatus]int)}
	for _, s := range h.snapshot() {
		stats.TotalConnections++
		stats.ConnectionsByStatus[s.Status()]++
		stats.StatsSnapshot = stats.StatsSnapshot.Add(s.Stats())
	}
	return stats
}

// Shutdown disconnects every device, stops the reaper and waits for
// session tasks until ctx expires
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shuttingDown.Store(true)
	h.logger.Info("Shutting down hub")

	var wg sync.WaitGroup
	for _, s := range h.snapshot() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			h.disconnectSession(s, entities.DisconnectServerShutdown)
		}(s)
	}
	wg.Wait()

	h.reaper.Stop()

	done := make(chan struct{})
	go func() {
		h.tasks.Wait()
		h.deps.Recorder.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shut down")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Hub shutdown timed out waiting for session tasks")
		return ctx.Err()
	}
}
