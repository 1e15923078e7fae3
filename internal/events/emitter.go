package events

import (
	"sync"
	"time"

	"loom/internal/logging"
)

// DefaultPingInterval is the maximum idle gap before a keepalive ping.
const DefaultPingInterval = 15 * time.Second

// Emitter delivers a strictly ordered event stream for one run and injects
// keepalive pings when the stream goes idle.
type Emitter struct {
	sessionID string
	ch        chan Event
	interval  time.Duration
	logger    logging.Logger

	mu       sync.Mutex
	lastSent time.Time
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithBuffer sets the channel buffer size.
func WithBuffer(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.ch = make(chan Event, n)
		}
	}
}

// NewEmitter starts an emitter for the session, including its keepalive
// loop. Callers must Close it when the run ends.
func NewEmitter(sessionID string, logger logging.Logger, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		sessionID: sessionID,
		ch:        make(chan Event, 64),
		interval:  DefaultPingInterval,
		logger:    logging.OrNop(logger),
		lastSent:  time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.keepalive()
	return e
}

// Events is the consumer side of the stream. It is closed after Close.
func (e *Emitter) Events() <-chan Event { return e.ch }

// SessionID returns the owning session.
func (e *Emitter) SessionID() string { return e.sessionID }

// Emit pushes one event, blocking until the consumer has room. Events
// emitted after Close are dropped.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("dropping %s event after stream close", ev.Type)
		return
	}
	e.lastSent = time.Now()
	e.mu.Unlock()

	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

// EmitTyped builds the event with common fields and emits it.
func (e *Emitter) EmitTyped(t Type, iteration int, fields map[string]any) {
	e.Emit(New(t, e.sessionID, iteration, fields))
}

// Close ends the stream. Safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	close(e.ch)
}

func (e *Emitter) keepalive() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval / 3)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			idle := time.Since(e.lastSent)
			closed := e.closed
			if !closed && idle >= e.interval {
				e.lastSent = time.Now()
			}
			e.mu.Unlock()
			if closed || idle < e.interval {
				continue
			}
			ping := New(TypePing, e.sessionID, 0, nil)
			select {
			case e.ch <- ping:
			case <-e.done:
				return
			}
		}
	}
}
