package speech

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
)

// DefaultPendingAudioBytes holds about two seconds of 16kHz PCM16
const DefaultPendingAudioBytes = 64000

// audioGate holds device audio until the engine acknowledges the session
// configuration, then flushes it in arrival order. Writes happen under the
// gate lock so flushed frames never interleave with live ones.
type audioGate struct {
	mu        sync.Mutex
	open      bool
	held      [][]byte
	heldBytes int
	limit     int
}

func newAudioGate(limit int) *audioGate {
	if limit <= 0 {
		limit = DefaultPendingAudioBytes
	}
	return &audioGate{limit: limit}
}

// send writes the frame when open. Otherwise the frame is held and
// ErrBridgeNotReady returned, or dropped with ErrAudioDropped when full.
func (g *audioGate) send(frame []byte, write func([]byte) error, logger *zap.Logger) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return write(frame)
	}

	if g.heldBytes+len(frame) > g.limit {
		logger.Warn("Dropping audio received before engine configuration",
			zap.Int("frameSize", len(frame)),
			zap.Int("heldBytes", g.heldBytes))
		return fmt.Errorf("%w: pending audio buffer full", repositories.ErrAudioDropped)
	}

	held := make([]byte, len(frame))
	copy(held, frame)
	g.held = append(g.held, held)
	g.heldBytes += len(frame)
	return repositories.ErrBridgeNotReady
}

// release opens the gate and flushes held frames
func (g *audioGate) release(write func([]byte) error, logger *zap.Logger) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return nil
	}
	g.open = true

	held := g.held
	g.held = nil
	g.heldBytes = 0

	if len(held) > 0 {
		logger.Info("Flushing audio held for engine configuration", zap.Int("frames", len(held)))
	}
	for _, frame := range held {
		if err := write(frame); err != nil {
			return fmt.Errorf("failed to flush held audio: %w", err)
		}
	}
	return nil
}

func (g *audioGate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
