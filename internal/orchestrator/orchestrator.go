// Package orchestrator composes the state machine, planner, scheduler,
// router, executor, working memory, and checkpointing into streaming runs.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/errs"
	"loom/internal/events"
	"loom/internal/executor"
	"loom/internal/failure"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/memory"
	"loom/internal/observability"
	"loom/internal/plan"
	"loom/internal/planner"
	"loom/internal/router"
	"loom/internal/sandbox"
	"loom/internal/statemachine"
	"loom/internal/toolregistry"
)

// Deps carries everything the orchestrator composes.
type Deps struct {
	Config      *config.Config
	Client      llm.Client
	Registry    *toolregistry.Registry
	Invoker     executor.Invoker
	Planner     *planner.Planner
	Router      *router.Router
	Store       *memory.Store
	Checkpoints *checkpoint.Manager
	Pool        *sandbox.Pool // optional
	Metrics     *observability.MetricsCollector
	Tracer      *observability.Tracer
	Logger      logging.Logger
}

// Orchestrator owns all active runs.
type Orchestrator struct {
	deps   Deps
	cfg    *config.Config
	logger logging.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// New validates the dependency set.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil || deps.Client == nil || deps.Registry == nil ||
		deps.Invoker == nil || deps.Planner == nil || deps.Router == nil ||
		deps.Store == nil || deps.Checkpoints == nil {
		return nil, errs.New(errs.KindInternal, "orchestrator is missing a required dependency")
	}
	if deps.Metrics == nil {
		deps.Metrics = &observability.MetricsCollector{}
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer(false)
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    deps.Config,
		logger: logging.OrNop(deps.Logger),
		runs:   make(map[string]*runState),
	}, nil
}

// runState is the per-run mutable composition.
type runState struct {
	sessionID string
	goal      string
	machine   *statemachine.Machine
	sched     *plan.Scheduler
	observer  *failure.Observer
	emitter   *events.Emitter
	exec      *executor.Executor
	ec        *executor.Context

	iteration int
	startedAt time.Time
	usage     llm.TokenUsage

	// Findings-recording rule bookkeeping.
	infoSinceFindings int
	lastFindingsBody  string

	// Strike bookkeeping: set when a failure kind crosses the threshold.
	strikeKind errs.Kind
	struck     bool

	cancel context.CancelFunc

	confirmMu sync.Mutex
	pending   *pendingConfirm
	answered  map[string]bool
}

type pendingConfirm struct {
	requestID string
	ch        chan confirmAnswer
}

type confirmAnswer struct {
	approved bool
	feedback string
}

// RunStream starts a new run for the goal and returns its session id and
// ordered event stream. The stream always terminates with one done event.
func (o *Orchestrator) RunStream(ctx context.Context, goal string) (string, <-chan events.Event, error) {
	sessionID := uuid.NewString()
	run, err := o.newRun(sessionID, goal)
	if err != nil {
		return "", nil, err
	}
	if err := o.deps.Store.EnsureSession(sessionID); err != nil {
		run.emitter.Close()
		return "", nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	o.mu.Lock()
	o.runs[sessionID] = run
	o.mu.Unlock()

	go o.drive(runCtx, run, false)
	return sessionID, run.emitter.Events(), nil
}

// Resume restores a session from its newest checkpoint and continues from
// the scheduler's next ready task.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (<-chan events.Event, error) {
	snap, err := o.deps.Checkpoints.Latest(sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, errs.New(errs.KindInternal, "session %s has no checkpoint to resume from", sessionID)
	}

	run, err := o.newRun(sessionID, "")
	if err != nil {
		return nil, err
	}
	if err := o.restore(run, snap); err != nil {
		run.emitter.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel

	o.mu.Lock()
	o.runs[sessionID] = run
	o.mu.Unlock()

	go o.drive(runCtx, run, true)
	return run.emitter.Events(), nil
}

// Confirm delivers a user decision for a pending confirmation request.
// Redelivery of an answered request id is ignored.
func (o *Orchestrator) Confirm(sessionID, requestID string, approved bool, feedback string) error {
	o.mu.Lock()
	run, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return errs.New(errs.KindInternal, "no active run for session %s", sessionID)
	}

	run.confirmMu.Lock()
	defer run.confirmMu.Unlock()
	if run.answered[requestID] {
		return nil
	}
	if run.pending == nil || run.pending.requestID != requestID {
		return errs.New(errs.KindInternal, "unknown confirmation request %s", requestID)
	}
	run.answered[requestID] = true
	pending := run.pending
	run.pending = nil
	pending.ch <- confirmAnswer{approved: approved, feedback: feedback}
	return nil
}

// Cancel requests user-initiated cancellation of a run.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	run, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return errs.New(errs.KindInternal, "no active run for session %s", sessionID)
	}
	run.cancel()
	return nil
}

func (o *Orchestrator) newRun(sessionID, goal string) (*runState, error) {
	machine, err := statemachine.New(logging.NewComponentLogger("statemachine"))
	if err != nil {
		return nil, err
	}

	run := &runState{
		sessionID: sessionID,
		goal:      goal,
		machine:   machine,
		sched: plan.NewScheduler(plan.RetryPolicy{
			DefaultMaxRetries: o.cfg.TaskMaxRetries,
			MaxReplans:        o.cfg.PlannerMaxReplans,
		}, logging.NewComponentLogger("scheduler")),
		observer:  failure.NewObserver(0, logging.NewComponentLogger("failure")),
		emitter:   events.NewEmitter(sessionID, logging.NewComponentLogger("events")),
		ec:        &executor.Context{SessionID: sessionID, KV: map[string]any{}},
		startedAt: time.Now(),
		answered:  make(map[string]bool),
	}

	run.exec = executor.New(
		o.deps.Client,
		o.deps.Registry,
		o.deps.Invoker,
		o.confirmFunc(run),
		executor.Config{
			MaxIterations: o.cfg.MaxIterationsPerTask,
			ToolTimeout:   o.cfg.ToolCallTimeout(),
			ToolRetry: errs.RetryConfig{
				MaxAttempts: o.cfg.ToolMaxRetries,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
			},
			VerifyCompletion: true,
		},
		logging.NewComponentLogger("executor"),
	)
	return run, nil
}

// confirmFunc implements the confirmation protocol for one run: suspend in
// waiting_confirm, emit confirm_required, and wait for the user or the
// deadline.
func (o *Orchestrator) confirmFunc(run *runState) executor.ConfirmFunc {
	return func(ctx context.Context, req executor.ConfirmRequest) (bool, error) {
		o.fire(run, statemachine.SignalNeedConfirm, map[string]any{"request_id": req.RequestID})

		ch := make(chan confirmAnswer, 1)
		run.confirmMu.Lock()
		run.pending = &pendingConfirm{requestID: req.RequestID, ch: ch}
		run.confirmMu.Unlock()

		run.emitter.EmitTyped(events.TypeConfirmRequired, run.iteration, map[string]any{
			"request_id":  req.RequestID,
			"operation":   req.Operation,
			"description": req.Description,
			"context":     req.Context,
		})

		select {
		case answer := <-ch:
			if answer.approved {
				o.fire(run, statemachine.SignalUserConfirmed, nil)
			} else {
				o.fire(run, statemachine.SignalUserRejected, map[string]any{"feedback": answer.feedback})
			}
			return answer.approved, nil
		case <-time.After(o.cfg.ConfirmationTimeout()):
			o.clearPending(run, req.RequestID)
			return false, errs.New(errs.KindConfirmationTimeout,
				"no confirmation for %s within %s", req.Operation, o.cfg.ConfirmationTimeout())
		case <-ctx.Done():
			o.clearPending(run, req.RequestID)
			return false, ctx.Err()
		}
	}
}

func (o *Orchestrator) clearPending(run *runState, requestID string) {
	run.confirmMu.Lock()
	if run.pending != nil && run.pending.requestID == requestID {
		run.pending = nil
	}
	run.answered[requestID] = true
	run.confirmMu.Unlock()
}
