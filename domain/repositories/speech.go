package repositories

import (
	"context"
	"errors"
)

// ErrBridgeNotReady is returned when audio is sent before the engine
// acknowledged the session configuration
var ErrBridgeNotReady = errors.New("speech bridge not ready")

// ErrBridgeClosed is returned for sends on a closed bridge
var ErrBridgeClosed = errors.New("speech bridge closed")

// ErrAudioDropped is returned when a frame arrives before configuration
// and the pending buffer has no room left
var ErrAudioDropped = errors.New("audio frame dropped")

// AudioConfig describes the audio format exchanged with devices and engines
type AudioConfig struct {
	SampleRate  int    `json:"sample_rate"`
	Encoding    string `json:"format"`
	Channels    int    `json:"channels"`
	ChunkSizeMs int    `json:"chunk_size_ms"`
}

// DefaultAudioConfig is 16kHz mono PCM16 in 100ms chunks
var DefaultAudioConfig = AudioConfig{
	SampleRate:  16000,
	Encoding:    "pcm16",
	Channels:    1,
	ChunkSizeMs: 100,
}

// SpeechBridge owns one upstream speech engine connection for one device
type SpeechBridge interface {
	// Open dials the engine and starts the configuration handshake.
	// Configuration completes asynchronously, signalled by OnConfigured.
	Open(ctx context.Context, instructions string) error
	// Run is the receive loop. It blocks until the connection ends and
	// returns nil when the bridge was closed locally.
	Run(ctx context.Context) error
	// SendAudio forwards one audio frame. Before configuration the frame is
	// held for the handshake and ErrBridgeNotReady is returned, or
	// ErrAudioDropped once the pending buffer is full.
	SendAudio(audio []byte) error
	// TriggerResponse commits buffered input and asks for a reply
	TriggerResponse() error
	Configured() bool
	Close() error
}

// SpeechEventHandler receives demultiplexed engine events.
// Exactly one method is invoked per engine event.
type SpeechEventHandler interface {
	OnConfigured()
	OnAudioOut(audio []byte)
	OnUserTranscript(text string)
	OnAITranscript(text string)
	OnSystemEvent(text string, metadata map[string]any)
	OnCompletion()
	OnError(code, message string)
}

// SpeechBridgeFactory builds a bridge for a device
type SpeechBridgeFactory func(deviceID string, handler SpeechEventHandler) SpeechBridge
