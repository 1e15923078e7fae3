package plan

import (
	"sync"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
)

// Decision is the scheduler's verdict after a task failure.
type Decision string

const (
	DecisionRetry  Decision = "retry"
	DecisionReplan Decision = "replan"
	DecisionAbort  Decision = "abort"
)

// RetryPolicy parameterizes the deterministic failure policy.
type RetryPolicy struct {
	// DefaultMaxRetries applies to tasks that do not set their own cap.
	DefaultMaxRetries int
	// MaxReplans caps repair-plan cycles per session to prevent livelock.
	MaxReplans int
}

// DefaultRetryPolicy mirrors the documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{DefaultMaxRetries: 3, MaxReplans: 2}
}

// Scheduler maintains the current plan and the ready-task frontier.
type Scheduler struct {
	mu      sync.Mutex
	plan    *Plan
	policy  RetryPolicy
	replans int
	logger  logging.Logger
	clock   func() time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler(policy RetryPolicy, logger logging.Logger) *Scheduler {
	if policy.DefaultMaxRetries <= 0 {
		policy.DefaultMaxRetries = 3
	}
	return &Scheduler{
		policy: policy,
		logger: logging.OrNop(logger),
		clock:  time.Now,
	}
}

// Load replaces the current plan after validating it.
func (s *Scheduler) Load(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := p.Clone()
	for _, t := range loaded.Tasks {
		if t.Status == "" {
			t.Status = StatusPending
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = s.policy.DefaultMaxRetries
		}
	}
	s.plan = loaded
	s.logger.Info("plan v%d loaded with %d tasks", loaded.Version, len(loaded.Tasks))
	return nil
}

// Plan returns a copy of the current plan, or nil when none is loaded.
func (s *Scheduler) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return nil
	}
	return s.plan.Clone()
}

// Ready returns the pending tasks whose dependencies are all completed,
// in original plan order.
func (s *Scheduler) Ready() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Scheduler) readyLocked() []*Task {
	if s.plan == nil {
		return nil
	}
	var ready []*Task
	for _, t := range s.plan.Tasks {
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			depTask, found := s.plan.Task(dep)
			if !found || depTask.Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			copied := *t
			ready = append(ready, &copied)
		}
	}
	return ready
}

// Start transitions a ready task to in_progress.
func (s *Scheduler) Start(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.planTaskLocked(taskID)
	if !found {
		return errs.New(errs.KindInternal, "start: unknown task %q", taskID)
	}
	if !s.isReadyLocked(taskID) {
		return errs.New(errs.KindInternal, "start: task %q is not in the ready set (status %s)", taskID, task.Status)
	}
	now := s.clock()
	task.Status = StatusInProgress
	task.StartedAt = &now
	return nil
}

// Complete transitions an in_progress task to completed.
func (s *Scheduler) Complete(taskID, outputSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.planTaskLocked(taskID)
	if !found {
		return errs.New(errs.KindInternal, "complete: unknown task %q", taskID)
	}
	if task.Status != StatusInProgress {
		return errs.New(errs.KindInternal, "complete: task %q is %s, not in_progress", taskID, task.Status)
	}
	now := s.clock()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.OutputSummary = outputSummary
	task.Error = ""
	return nil
}

// Fail records a task failure and consults the retry policy. On a retry
// decision the task is reset to pending with dependencies unchanged.
func (s *Scheduler) Fail(taskID, errorMsg string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.planTaskLocked(taskID)
	if !found {
		return DecisionAbort, errs.New(errs.KindInternal, "fail: unknown task %q", taskID)
	}
	if task.Status != StatusInProgress {
		return DecisionAbort, errs.New(errs.KindInternal, "fail: task %q is %s, not in_progress", taskID, task.Status)
	}

	task.RetryCount++
	task.Status = StatusFailed
	task.Error = errorMsg

	if task.RetryCount < task.MaxRetries {
		// Explicit reset for retry is the only path that clears failed.
		task.Status = StatusPending
		s.logger.Info("task %s failed (attempt %d/%d), retrying", taskID, task.RetryCount, task.MaxRetries)
		return DecisionRetry, nil
	}
	if s.replans < s.policy.MaxReplans {
		s.replans++
		s.logger.Warn("task %s exhausted retries, requesting replan (%d/%d)", taskID, s.replans, s.policy.MaxReplans)
		return DecisionReplan, nil
	}
	s.logger.Error("task %s exhausted retries and replans, aborting", taskID)
	return DecisionAbort, nil
}

// Skip marks a pending or failed task as skipped.
func (s *Scheduler) Skip(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, found := s.planTaskLocked(taskID)
	if !found {
		return errs.New(errs.KindInternal, "skip: unknown task %q", taskID)
	}
	if task.Status == StatusCompleted || task.Status == StatusInProgress {
		return errs.New(errs.KindInternal, "skip: task %q is %s", taskID, task.Status)
	}
	task.Status = StatusSkipped
	task.Error = reason
	return nil
}

// IsComplete reports whether every task is completed or skipped.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil || len(s.plan.Tasks) == 0 {
		return false
	}
	for _, t := range s.plan.Tasks {
		if !t.Status.IsFinal() {
			return false
		}
	}
	return true
}

// IsBlocked reports whether no progress is possible: nothing running, nothing
// ready, and the plan is not complete.
func (s *Scheduler) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return false
	}
	complete := true
	for _, t := range s.plan.Tasks {
		if t.Status == StatusInProgress {
			return false
		}
		if !t.Status.IsFinal() {
			complete = false
		}
	}
	if complete {
		return false
	}
	return len(s.readyLocked()) == 0
}

// ReplacePlan atomically swaps in a new plan, preserving the status of
// completed tasks whose id is stable across versions.
func (s *Scheduler) ReplacePlan(next *Plan) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	replacement := next.Clone()
	for _, t := range replacement.Tasks {
		if t.Status == "" {
			t.Status = StatusPending
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = s.policy.DefaultMaxRetries
		}
		if s.plan == nil {
			continue
		}
		if prev, ok := s.plan.Task(t.ID); ok && prev.Status.IsFinal() {
			t.Status = prev.Status
			t.StartedAt = prev.StartedAt
			t.CompletedAt = prev.CompletedAt
			t.OutputSummary = prev.OutputSummary
		}
	}
	if s.plan != nil && replacement.Version <= s.plan.Version {
		replacement.Version = s.plan.Version + 1
	}
	s.plan = replacement
	s.logger.Info("plan replaced with v%d (%d tasks)", replacement.Version, len(replacement.Tasks))
	return nil
}

// Progress returns the derived progress view of the current plan.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return Progress{}
	}
	return ProgressOf(s.plan)
}

// ReplanCount returns how many replan cycles this session has consumed.
func (s *Scheduler) ReplanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replans
}

func (s *Scheduler) planTaskLocked(taskID string) (*Task, bool) {
	if s.plan == nil {
		return nil, false
	}
	return s.plan.Task(taskID)
}

func (s *Scheduler) isReadyLocked(taskID string) bool {
	for _, t := range s.readyLocked() {
		if t.ID == taskID {
			return true
		}
	}
	return false
}
