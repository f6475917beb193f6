package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
	"github.com/satriahrh/arunika/orchestrator/internal/auth"
	"github.com/satriahrh/arunika/orchestrator/internal/transcript"
	"github.com/satriahrh/arunika/orchestrator/internal/websocket"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Options are the collaborators the HTTP surface needs
type Options struct {
	Hub         *websocket.Hub
	Recorder    *transcript.Recorder
	Transcripts repositories.TranscriptRepository
	Tokens      *auth.TokenIssuer
	// RequireDeviceToken rejects websocket upgrades without a valid device token
	RequireDeviceToken bool
}

type handlers struct {
	Options
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, opts Options, logger *zap.Logger) {
	h := &handlers{Options: opts, logger: logger}

	// Health check
	e.GET("/health", h.health)

	// Device websocket and its admin views
	e.GET("/ws/connections", h.listConnections)
	e.GET("/ws/connection/:device_id", h.getConnection)
	e.POST("/ws/disconnect/:device_id", h.disconnect)
	e.GET("/ws/stats", h.stats)
	e.GET("/ws/:device_id", h.deviceSocket)

	// Transcript APIs
	v1 := e.Group("/api/v1")
	v1.GET("/conversations/:device_id", h.listConversations)
	v1.GET("/conversations/:device_id/live", h.liveConversation)
	v1.GET("/conversation/:session_id", h.getConversation)
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "ok",
		"service":            "arunika-orchestrator",
		"active_connections": h.Hub.Stats().TotalConnections,
	})
}

// deviceSocket handles device connections, optionally behind a device token
func (h *handlers) deviceSocket(c echo.Context) error {
	deviceID := c.Param("device_id")

	if h.RequireDeviceToken {
		token := bearerToken(c.Request())
		if token == "" {
			h.logger.Warn("WebSocket connection rejected: missing token", zap.String("deviceID", deviceID))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "Device token is required in the Authorization header",
			})
		}

		tokenDevice, err := h.Tokens.ValidateDeviceToken(token)
		if err != nil {
			h.logger.Warn("WebSocket connection rejected: invalid token", zap.String("deviceID", deviceID), zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired device token",
			})
		}
		if tokenDevice != deviceID {
			h.logger.Warn("WebSocket connection rejected: token for another device",
				zap.String("deviceID", deviceID),
				zap.String("tokenDeviceID", tokenDevice))
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "device_mismatch",
				Message: "Token was not issued to this device",
			})
		}
	}

	return websocket.HandleWebSocket(h.Hub, c, deviceID, h.logger)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	// Some device firmwares cannot set headers on the upgrade request
	return r.URL.Query().Get("token")
}

func invalidDeviceID(c echo.Context, deviceID string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_device_id",
		Message: entities.DeviceIDError(deviceID),
	})
}

func (h *handlers) listConnections(c echo.Context) error {
	connections := h.Hub.ListAll()
	return c.JSON(http.StatusOK, ConnectionsResponse{
		Timestamp:        time.Now().UTC(),
		TotalConnections: len(connections),
		Connections:      connections,
	})
}

func (h *handlers) getConnection(c echo.Context) error {
	deviceID := c.Param("device_id")
	if entities.ValidateDeviceID(deviceID) != nil {
		return invalidDeviceID(c, deviceID)
	}

	info, ok := h.Hub.Get(deviceID)
	if !ok {
		return c.JSON(http.StatusOK, ConnectionResponse{
			DeviceID: deviceID,
			Message:  "Device not currently connected",
		})
	}
	return c.JSON(http.StatusOK, ConnectionResponse{
		DeviceID:    deviceID,
		IsConnected: true,
		Connection:  &info,
	})
}

func (h *handlers) disconnect(c echo.Context) error {
	deviceID := c.Param("device_id")
	if entities.ValidateDeviceID(deviceID) != nil {
		return invalidDeviceID(c, deviceID)
	}

	info, ok := h.Hub.Get(deviceID)
	if !ok || !h.Hub.Disconnect(deviceID, entities.DisconnectAdmin) {
		return c.JSON(http.StatusOK, DisconnectResponse{
			DeviceID: deviceID,
			Message:  "Device not currently connected",
			Action:   "none",
		})
	}

	h.logger.Info("Device disconnected by admin", zap.String("deviceID", deviceID))
	return c.JSON(http.StatusOK, DisconnectResponse{
		DeviceID:        deviceID,
		Message:         "Device disconnected successfully",
		Action:          "disconnected",
		SessionDuration: info.SessionDuration,
	})
}

func (h *handlers) stats(c echo.Context) error {
	hubStats := h.Hub.Stats()
	connections := h.Hub.ListAll()

	var totalTime float64
	seasons := make(map[int]bool)
	episodes := make(map[int]bool)
	for _, info := range connections {
		totalTime += info.SessionDuration
		seasons[info.CurrentSeason] = true
		episodes[info.CurrentEpisode] = true
	}

	var average float64
	if len(connections) > 0 {
		average = totalTime / float64(len(connections))
	}

	return c.JSON(http.StatusOK, StatsResponse{
		Timestamp: time.Now().UTC(),
		ConnectionStats: ConnectionStats{
			TotalActiveConnections:        hubStats.TotalConnections,
			AverageSessionDurationSeconds: round2(average),
			TotalSessionTimeSeconds:       round2(totalTime),
		},
		LearningStats: LearningStats{
			ActiveSeasons:          sortedKeys(seasons),
			ActiveEpisodes:         sortedKeys(episodes),
			UniqueSeasonsAccessed:  len(seasons),
			UniqueEpisodesAccessed: len(episodes),
		},
		Traffic:  hubStats.StatsSnapshot,
		ByStatus: hubStats.ConnectionsByStatus,
	})
}

func (h *handlers) listConversations(c echo.Context) error {
	deviceID := c.Param("device_id")
	if entities.ValidateDeviceID(deviceID) != nil {
		return invalidDeviceID(c, deviceID)
	}

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be between 1 and 100",
			})
		}
		limit = n
	}

	sessions, err := h.Transcripts.ListSessions(c.Request().Context(), deviceID, limit)
	if err != nil {
		h.logger.Error("Failed to list conversations", zap.String("deviceID", deviceID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to retrieve conversation history",
		})
	}
	if sessions == nil {
		sessions = []entities.ConversationSummary{}
	}
	return c.JSON(http.StatusOK, ConversationListResponse{
		DeviceID:      deviceID,
		TotalSessions: len(sessions),
		Sessions:      sessions,
	})
}

func (h *handlers) getConversation(c echo.Context) error {
	sessionID := c.Param("session_id")
	session, err := h.Transcripts.FetchConversation(c.Request().Context(), sessionID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Session not found",
		})
	case err != nil:
		h.logger.Error("Failed to fetch conversation", zap.String("sessionID", sessionID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to retrieve conversation",
		})
	}
	return c.JSON(http.StatusOK, session)
}

func (h *handlers) liveConversation(c echo.Context) error {
	deviceID := c.Param("device_id")
	if entities.ValidateDeviceID(deviceID) != nil {
		return invalidDeviceID(c, deviceID)
	}

	stats, ok := h.Recorder.LiveStats(deviceID)
	if !ok {
		return c.JSON(http.StatusOK, LiveConversationResponse{
			DeviceID: deviceID,
			Message:  "No active conversation session",
		})
	}
	return c.JSON(http.StatusOK, LiveConversationResponse{
		DeviceID:         deviceID,
		HasActiveSession: true,
		Stats:            &stats,
	})
}

func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
