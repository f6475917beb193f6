package websocket

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// CompletionCoordinator finishes an episode when the engine signals the end
// of the exchange
type CompletionCoordinator struct {
	hub      *Hub
	progress repositories.ProgressRepository
	delay    time.Duration
	logger   *zap.Logger
}

// NewCompletionCoordinator creates a new completion coordinator
func NewCompletionCoordinator(hub *Hub, progress repositories.ProgressRepository, delay time.Duration, logger *zap.Logger) *CompletionCoordinator {
	return &CompletionCoordinator{
		hub:      hub,
		progress: progress,
		delay:    delay,
		logger:   logger,
	}
}

// Complete advances the device, tells it where it goes next and schedules
// the disconnect of this exact session. Repeated signals are ignored.
func (c *CompletionCoordinator) Complete(s *Session) {
	if s.ctx.Err() != nil {
		c.logger.Debug("Ignoring completion for closed session", zap.String("sessionID", s.sessionID))
		return
	}
	if !s.completed.CompareAndSwap(false, true) {
		c.logger.Debug("Completion already handled", zap.String("deviceID", s.deviceID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	update, err := c.progress.AdvanceProgress(ctx, s.deviceID)
	cancel()

	switch {
	case errors.Is(err, entities.ErrDailyLimitReached):
		c.logger.Warn("Daily episode limit reached, progress not advanced",
			zap.String("deviceID", s.deviceID))
	case err != nil:
		c.logger.Error("Failed to advance progress",
			zap.String("deviceID", s.deviceID),
			zap.Error(err))
	default:
		c.logger.Info("Episode completed",
			zap.String("deviceID", s.deviceID),
			zap.Int("season", update.Season),
			zap.Int("episode", update.Episode),
			zap.Int("totalCompleted", update.EpisodesCompleted))
		s.sendJSON(EpisodeCompleteMessage{
			BaseMessage:      base(MessageTypeEpisodeComplete),
			NewSeason:        update.Season,
			NewEpisode:       update.Episode,
			TotalCompleted:   update.EpisodesCompleted,
			NewSeasonStarted: update.NewSeason,
		})
	}

	metadata := map[string]any{"event": "episode_complete"}
	if err == nil {
		metadata["new_season"] = update.Season
		metadata["new_episode"] = update.Episode
	}
	s.transcript.AddSystemMessage("Episode completed", metadata)

	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			c.logger.Warn("Failed to close speech bridge", zap.String("deviceID", s.deviceID), zap.Error(err))
		}
	}

	c.hub.goSafe(s, func() {
		if c.delay > 0 {
			timer := time.NewTimer(c.delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				return
			}
		}
		c.hub.disconnectSession(s, entities.DisconnectSessionComplete)
	})
}
