package entities

import (
	"errors"
	"regexp"
	"time"
)

// SessionStatus is the lifecycle state of a live device session
type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusConnected  SessionStatus = "connected"
	SessionStatusClosing    SessionStatus = "closing"
	SessionStatusClosed     SessionStatus = "closed"
)

// DisconnectReason explains why a device session was torn down
type DisconnectReason string

const (
	DisconnectClientDisconnect DisconnectReason = "client_disconnect"
	DisconnectServerShutdown   DisconnectReason = "server_shutdown"
	DisconnectTimeout          DisconnectReason = "timeout"
	DisconnectError            DisconnectReason = "error"
	DisconnectSessionComplete  DisconnectReason = "session_complete"
	DisconnectSuperseded       DisconnectReason = "superseded"
	DisconnectUpstreamLost     DisconnectReason = "upstream_lost"
	DisconnectAdmin            DisconnectReason = "admin_disconnect"
)

// Successful reports whether the reason counts as a completed conversation
func (r DisconnectReason) Successful() bool {
	return r == DisconnectSessionComplete
}

// Websocket close codes sent to devices
const (
	CloseNormal              = 1000
	CloseGoingAway           = 1001
	CloseInternalError       = 1011
	CloseInvalidDeviceID     = 4000
	CloseUserNotRegistered   = 4001
	CloseInstructionsMissing = 4002
)

// CloseCode maps the reason to the close code sent to the device
func (r DisconnectReason) CloseCode() int {
	switch r {
	case DisconnectServerShutdown:
		return CloseGoingAway
	case DisconnectError, DisconnectUpstreamLost:
		return CloseInternalError
	default:
		return CloseNormal
	}
}

var deviceIDPattern = regexp.MustCompile(`^[A-Z]{4}\d{4}$`)

// ErrInvalidDeviceID is returned for identifiers not shaped like ABCD1234
var ErrInvalidDeviceID = errors.New("invalid device id")

// ValidateDeviceID checks the four-letters-four-digits device format
func ValidateDeviceID(deviceID string) error {
	if !deviceIDPattern.MatchString(deviceID) {
		return ErrInvalidDeviceID
	}
	return nil
}

// DeviceIDError gives a human readable explanation of a malformed id
func DeviceIDError(deviceID string) string {
	switch {
	case deviceID == "":
		return "Device ID cannot be empty"
	case len(deviceID) != 8:
		return "Device ID must be exactly 8 characters long"
	case !deviceIDPattern.MatchString(deviceID[:4] + "0000"):
		return "First 4 characters must be uppercase letters"
	case !deviceIDPattern.MatchString("AAAA" + deviceID[4:]):
		return "Last 4 characters must be digits"
	}
	return ""
}

// SessionInfo is a read-only snapshot of a live device session
type SessionInfo struct {
	DeviceID         string        `json:"device_id"`
	SessionID        string        `json:"session_id"`
	Status           SessionStatus `json:"status"`
	ConnectedAt      time.Time     `json:"connected_at"`
	LastActivity     time.Time     `json:"last_activity"`
	SessionDuration  float64       `json:"session_duration"`
	CurrentSeason    int           `json:"current_season"`
	CurrentEpisode   int           `json:"current_episode"`
	BridgeConfigured bool          `json:"bridge_configured"`
	StatsSnapshot
}
