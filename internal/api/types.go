package api

import (
	"time"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ConnectionsResponse lists every live session
type ConnectionsResponse struct {
	Timestamp        time.Time                       `json:"timestamp"`
	TotalConnections int                             `json:"total_connections"`
	Connections      map[string]entities.SessionInfo `json:"connections"`
}

// ConnectionResponse describes one device's live session, if any
type ConnectionResponse struct {
	DeviceID    string                `json:"device_id"`
	IsConnected bool                  `json:"is_connected"`
	Message     string                `json:"message,omitempty"`
	Connection  *entities.SessionInfo `json:"connection,omitempty"`
}

// DisconnectResponse reports the outcome of an admin disconnect
type DisconnectResponse struct {
	DeviceID        string  `json:"device_id"`
	Message         string  `json:"message"`
	Action          string  `json:"action"`
	SessionDuration float64 `json:"session_duration,omitempty"`
}

// StatsResponse is the hub-wide view of live sessions
type StatsResponse struct {
	Timestamp       time.Time                      `json:"timestamp"`
	ConnectionStats ConnectionStats                `json:"connection_stats"`
	LearningStats   LearningStats                  `json:"learning_stats"`
	Traffic         entities.StatsSnapshot         `json:"traffic"`
	ByStatus        map[entities.SessionStatus]int `json:"connections_by_status"`
}

type ConnectionStats struct {
	TotalActiveConnections        int     `json:"total_active_connections"`
	AverageSessionDurationSeconds float64 `json:"average_session_duration_seconds"`
	TotalSessionTimeSeconds       float64 `json:"total_session_time_seconds"`
}

type LearningStats struct {
	ActiveSeasons          []int `json:"active_seasons"`
	ActiveEpisodes         []int `json:"active_episodes"`
	UniqueSeasonsAccessed  int   `json:"unique_seasons_accessed"`
	UniqueEpisodesAccessed int   `json:"unique_episodes_accessed"`
}

// ConversationListResponse wraps a device's transcript summaries
type ConversationListResponse struct {
	DeviceID      string                         `json:"device_id"`
	TotalSessions int                            `json:"total_sessions"`
	Sessions      []entities.ConversationSummary `json:"sessions"`
}

// LiveConversationResponse is the live view of a device's open transcript
type LiveConversationResponse struct {
	DeviceID         string                      `json:"device_id"`
	HasActiveSession bool                        `json:"has_active_session"`
	Message          string                      `json:"message,omitempty"`
	Stats            *entities.ConversationStats `json:"stats,omitempty"`
}

// TokenResponse carries a freshly issued device token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}
