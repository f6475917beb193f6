package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
)

// Reaper disconnects sessions that have been idle longer than the timeout
type Reaper struct {
	hub      *Hub
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	sweeping atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewReaper creates a new idle-session reaper
func NewReaper(hub *Hub, interval, timeout time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Reaper{
		hub:      hub,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop
func (r *Reaper) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
	r.logger.Info("Session reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("timeout", r.timeout))
}

// Stop gracefully stops the reaper and waits for the loop to exit
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.started.Load() {
			<-r.done
		}
		r.logger.Info("Session reaper stopped")
	})
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep disconnects every session idle since before now minus the timeout
// and returns how many it reaped. A sweep already in progress makes this
// call return zero immediately.
func (r *Reaper) Sweep(now time.Time) int {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.logger.Debug("Sweep already running, skipping")
		return 0
	}
	defer r.sweeping.Store(false)

	reaped := 0
	for _, s := range r.hub.snapshot() {
		if r.reap(s, now) {
			reaped++
		}
	}

	if reaped > 0 {
		r.logger.Info("Reaped idle sessions", zap.Int("count", reaped))
	}
	return reaped
}

func (r *Reaper) reap(s *Session, now time.Time) (reaped bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Recovered panic while reaping session",
				zap.String("deviceID", s.deviceID),
				zap.Any("panic", rec))
			reaped = false
		}
	}()

	idle := now.Sub(s.LastActivity())
	if idle <= r.timeout {
		return false
	}

	r.logger.Info("Session idle, disconnecting",
		zap.String("deviceID", s.deviceID),
		zap.String("sessionID", s.sessionID),
		zap.Duration("idle", idle))
	return r.hub.disconnectSession(s, entities.DisconnectTimeout)
}
