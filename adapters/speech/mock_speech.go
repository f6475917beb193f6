package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// ScriptedEngine is an in-process speech engine. Tests script its events
// through the bridges it hands out; local runs use it as an echo engine.
type ScriptedEngine struct {
	// AutoConfigure acknowledges the configuration as soon as a bridge opens
	AutoConfigure bool
	// Echo answers TriggerResponse with a transcript pair and the held audio
	Echo bool
	// OpenErr makes every Open fail
	OpenErr error

	pendingLimit int
	logger       *zap.Logger

	mu      sync.Mutex
	bridges map[string]*ScriptedBridge
	opened  atomic.Int64
}

// NewScriptedEngine creates a new scripted engine
func NewScriptedEngine(pendingLimit int, logger *zap.Logger) *ScriptedEngine {
	return &ScriptedEngine{
		AutoConfigure: true,
		pendingLimit:  pendingLimit,
		logger:        logger,
		bridges:       make(map[string]*ScriptedBridge),
	}
}

// Factory returns the bridge factory backed by this engine
func (e *ScriptedEngine) Factory() repositories.SpeechBridgeFactory {
	return func(deviceID string, handler repositories.SpeechEventHandler) repositories.SpeechBridge {
		b := &ScriptedBridge{
			engine:   e,
			deviceID: deviceID,
			handler:  handler,
			logger:   e.logger.With(zap.String("deviceID", deviceID), zap.String("engine", "scripted")),
			gate:     newAudioGate(e.pendingLimit),
			events:   make(chan Event, 64),
			failures: make(chan error, 1),
			done:     make(chan struct{}),
		}
		e.mu.Lock()
		e.bridges[deviceID] = b
		e.mu.Unlock()
		return b
	}
}

// Bridge returns the most recent bridge built for the device
func (e *ScriptedEngine) Bridge(deviceID string) (*ScriptedBridge, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bridges[deviceID]
	return b, ok
}

// Opened counts successful Open calls
func (e *ScriptedEngine) Opened() int64 {
	return e.opened.Load()
}

// ScriptedBridge implements repositories.SpeechBridge for ScriptedEngine
type ScriptedBridge struct {
	engine   *ScriptedEngine
	deviceID string
	handler  repositories.SpeechEventHandler
	logger   *zap.Logger
	gate     *audioGate

	events   chan Event
	failures chan error
	done     chan struct{}

	mu           sync.Mutex
	instructions string
	audio        [][]byte
	heldForEcho  int

	closeOnce sync.Once
}

var _ repositories.SpeechBridge = (*ScriptedBridge)(nil)

// Open implements repositories.SpeechBridge
func (b *ScriptedBridge) Open(_ context.Context, instructions string) error {
	if b.engine.OpenErr != nil {
		return fmt.Errorf("failed to connect to scripted engine: %w", b.engine.OpenErr)
	}
	b.mu.Lock()
	b.instructions = instructions
	b.mu.Unlock()
	b.engine.opened.Add(1)

	b.Emit(SessionCreated{EngineSessionID: "scripted-" + b.deviceID})
	if b.engine.AutoConfigure {
		b.Emit(SessionUpdated{})
	}
	return nil
}

// Run implements repositories.SpeechBridge
func (b *ScriptedBridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case err := <-b.failures:
			return err
		case ev := <-b.events:
			if _, ok := ev.(SessionUpdated); ok {
				b.gate.release(b.record, b.logger)
			}
			dispatch(ev, b.handler, b.logger)
		}
	}
}

// Emit queues an engine event for the receive loop
func (b *ScriptedBridge) Emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Drop simulates the upstream connection going away
func (b *ScriptedBridge) Drop(err error) {
	if err == nil {
		err = errors.New("scripted engine dropped the connection")
	}
	select {
	case b.failures <- err:
	default:
	}
}

// SendAudio implements repositories.SpeechBridge
func (b *ScriptedBridge) SendAudio(audio []byte) error {
	if b.Closed() {
		return repositories.ErrBridgeClosed
	}
	return b.gate.send(audio, b.record, b.logger)
}

func (b *ScriptedBridge) record(audio []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	frame := make([]byte, len(audio))
	copy(frame, audio)
	b.audio = append(b.audio, frame)
	b.heldForEcho += len(frame)
	return nil
}

// TriggerResponse implements repositories.SpeechBridge
func (b *ScriptedBridge) TriggerResponse() error {
	if b.Closed() {
		return repositories.ErrBridgeClosed
	}
	if !b.gate.isOpen() {
		return repositories.ErrBridgeNotReady
	}
	if !b.engine.Echo {
		return nil
	}

	b.mu.Lock()
	heard := b.heldForEcho
	b.heldForEcho = 0
	b.mu.Unlock()

	go func() {
		b.Emit(UserTranscript{Text: fmt.Sprintf("(%d bytes of speech)", heard)})
		b.Emit(ResponseCreated{ResponseID: "scripted"})
		b.Emit(AudioDelta{Audio: make([]byte, heard)})
		b.Emit(AITranscriptDone{Text: "I heard you!"})
		b.Emit(ResponseDone{Status: "completed"})
	}()
	return nil
}

// Configured implements repositories.SpeechBridge
func (b *ScriptedBridge) Configured() bool {
	return b.gate.isOpen()
}

// Close implements repositories.SpeechBridge
func (b *ScriptedBridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}

// Closed reports whether Close was called
func (b *ScriptedBridge) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Audio returns the frames forwarded to the engine after configuration
func (b *ScriptedBridge) Audio() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.audio))
	copy(out, b.audio)
	return out
}

// Instructions returns the instruction text passed to Open
func (b *ScriptedBridge) Instructions() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instructions
}
