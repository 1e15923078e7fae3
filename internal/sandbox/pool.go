package sandbox

import (
	"context"
	"sync"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
)

// instanceState tracks one pooled slot. The acquiring state exists so the
// slow launch step happens outside the pool lock without a second session
// racing into the same slot.
type instanceState string

const (
	stateIdle      instanceState = "idle"
	stateAcquiring instanceState = "acquiring"
	stateBusy      instanceState = "busy"
)

type slot struct {
	state    instanceState
	instance Instance
	session  string
	lastUsed time.Time
	useCount int
}

// PoolConfig bounds the pool.
type PoolConfig struct {
	Max         int
	MinWarm     int
	IdleTimeout time.Duration
	MaxUseCount int
}

// DefaultPoolConfig matches the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Max:         10,
		MinWarm:     2,
		IdleTimeout: 300 * time.Second,
		MaxUseCount: 100,
	}
}

// Pool hands out at most one instance per session at a time.
type Pool struct {
	launcher Launcher
	config   PoolConfig
	logger   logging.Logger
	clock    func() time.Time

	mu    sync.Mutex
	slots []*slot
}

// NewPool creates a pool. Call WarmUp to pre-launch the warm set and
// EvictIdle periodically (or use StartJanitor).
func NewPool(launcher Launcher, config PoolConfig, logger logging.Logger) *Pool {
	if config.Max <= 0 {
		config.Max = DefaultPoolConfig().Max
	}
	if config.MaxUseCount <= 0 {
		config.MaxUseCount = DefaultPoolConfig().MaxUseCount
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultPoolConfig().IdleTimeout
	}
	return &Pool{
		launcher: launcher,
		config:   config,
		logger:   logging.OrNop(logger),
		clock:    time.Now,
	}
}

// Acquire leases an instance to the session. Re-entrant for a session that
// already holds a lease; a second acquire racing the first fails with
// concurrent_access.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (Instance, error) {
	if sessionID == "" {
		return nil, errs.New(errs.KindInternal, "sandbox acquire requires a session id")
	}

	p.mu.Lock()
	for _, s := range p.slots {
		if s.session != sessionID {
			continue
		}
		switch s.state {
		case stateBusy:
			inst := s.instance
			p.mu.Unlock()
			return inst, nil
		case stateAcquiring:
			p.mu.Unlock()
			return nil, errs.New(errs.KindConcurrentAccess,
				"session %s is already acquiring a sandbox", sessionID)
		}
	}

	// Prefer a warm idle instance.
	for _, s := range p.slots {
		if s.state == stateIdle {
			s.state = stateBusy
			s.session = sessionID
			s.useCount++
			inst := s.instance
			p.mu.Unlock()
			p.logger.Debug("sandbox %s leased to session %s (use %d)", inst.ID(), sessionID, s.useCount)
			return inst, nil
		}
	}

	if len(p.slots) >= p.config.Max {
		p.mu.Unlock()
		return nil, errs.New(errs.KindSandboxRejected, "sandbox pool exhausted (%d instances)", p.config.Max)
	}

	// Reserve the slot before the slow launch.
	pending := &slot{state: stateAcquiring, session: sessionID}
	p.slots = append(p.slots, pending)
	p.mu.Unlock()

	inst, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	if err != nil {
		p.removeSlot(pending)
		p.mu.Unlock()
		return nil, errs.Wrap(errs.KindSandboxRejected, err, "sandbox launch failed")
	}
	pending.instance = inst
	pending.state = stateBusy
	pending.useCount = 1
	p.mu.Unlock()

	p.logger.Info("launched sandbox %s for session %s", inst.ID(), sessionID)
	return inst, nil
}

// Release returns the session's instance to the pool, or destroys it when
// its use budget is spent.
func (p *Pool) Release(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	var target *slot
	for _, s := range p.slots {
		if s.session == sessionID && s.state == stateBusy {
			target = s
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return nil
	}

	if target.useCount >= p.config.MaxUseCount {
		p.removeSlot(target)
		p.mu.Unlock()
		p.logger.Info("retiring sandbox %s after %d uses", target.instance.ID(), target.useCount)
		return target.instance.Destroy(ctx)
	}

	target.state = stateIdle
	target.session = ""
	target.lastUsed = p.clock()
	p.mu.Unlock()
	return nil
}

// WarmUp launches instances until the warm minimum is met.
func (p *Pool) WarmUp(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.slots) >= p.config.MinWarm {
			p.mu.Unlock()
			return nil
		}
		pending := &slot{state: stateAcquiring}
		p.slots = append(p.slots, pending)
		p.mu.Unlock()

		inst, err := p.launcher.Launch(ctx)

		p.mu.Lock()
		if err != nil {
			p.removeSlot(pending)
			p.mu.Unlock()
			return errs.Wrap(errs.KindSandboxRejected, err, "warm-up launch failed")
		}
		pending.instance = inst
		pending.state = stateIdle
		pending.session = ""
		pending.lastUsed = p.clock()
		p.mu.Unlock()
	}
}

// EvictIdle destroys instances idle past the timeout, never shrinking below
// the warm minimum.
func (p *Pool) EvictIdle(ctx context.Context) int {
	now := p.clock()

	p.mu.Lock()
	var victims []*slot
	for _, s := range p.slots {
		if s.state != stateIdle {
			continue
		}
		if now.Sub(s.lastUsed) < p.config.IdleTimeout {
			continue
		}
		if len(p.slots)-len(victims) <= p.config.MinWarm {
			break
		}
		victims = append(victims, s)
	}
	for _, v := range victims {
		p.removeSlot(v)
	}
	p.mu.Unlock()

	for _, v := range victims {
		if err := v.instance.Destroy(ctx); err != nil {
			p.logger.Warn("failed to destroy idle sandbox %s: %v", v.instance.ID(), err)
		} else {
			p.logger.Debug("evicted idle sandbox %s", v.instance.ID())
		}
	}
	return len(victims)
}

// StartJanitor runs periodic idle eviction until the context is cancelled.
func (p *Pool) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.EvictIdle(ctx)
			}
		}
	}()
}

// ReleaseAll drops every lease held by the session, used on cancellation.
func (p *Pool) ReleaseAll(ctx context.Context, sessionID string) {
	if err := p.Release(ctx, sessionID); err != nil {
		p.logger.Warn("release on cancellation failed for session %s: %v", sessionID, err)
	}
}

// Close destroys every instance.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()

	for _, s := range slots {
		if s.instance != nil {
			_ = s.instance.Destroy(ctx)
		}
	}
}

// Size reports the number of live and pending slots.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// removeSlot must be called with the lock held.
func (p *Pool) removeSlot(target *slot) {
	for i, s := range p.slots {
		if s == target {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}
