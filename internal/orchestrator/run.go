package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loom/internal/checkpoint"
	"loom/internal/errs"
	"loom/internal/events"
	"loom/internal/executor"
	"loom/internal/llm"
	"loom/internal/memory"
	"loom/internal/observability"
	"loom/internal/plan"
	"loom/internal/planner"
	"loom/internal/router"
	"loom/internal/statemachine"
)

// drive runs the full lifecycle for one run and guarantees exactly one done
// event before the stream closes.
func (o *Orchestrator) drive(ctx context.Context, run *runState, resumed bool) {
	ctx, span := o.deps.Tracer.StartSpan(ctx, observability.SpanRun,
		observability.SessionAttrs(run.sessionID)...)
	defer span.End()

	o.deps.Metrics.RunStarted(ctx)

	status := o.runLoop(ctx, run, resumed)

	progress := plan.Progress{}
	if p := run.sched.Plan(); p != nil {
		progress = plan.ProgressOf(p)
	}
	run.emitter.EmitTyped(events.TypeDone, run.iteration, map[string]any{
		"status":   status,
		"progress": progress,
	})

	if o.deps.Pool != nil {
		// Bounded drain: leases must not outlive the run.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		o.deps.Pool.ReleaseAll(releaseCtx, run.sessionID)
		cancel()
	}

	o.deps.Metrics.RunEnded(context.Background(), status, time.Since(run.startedAt))
	run.emitter.Close()
	run.cancel()

	o.mu.Lock()
	delete(o.runs, run.sessionID)
	o.mu.Unlock()
	o.logger.Info("run %s finished: %s after %d iteration(s)", run.sessionID, status, run.iteration)
}

func (o *Orchestrator) runLoop(ctx context.Context, run *runState, resumed bool) string {
	if !resumed {
		if status, ok := o.bootstrap(ctx, run); !ok {
			return status
		}
	}
	return o.taskLoop(ctx, run)
}

// bootstrap takes a fresh run from init through planning. Returns the done
// status and false when the run ends during bootstrap.
func (o *Orchestrator) bootstrap(ctx context.Context, run *runState) (string, bool) {
	if err := o.fire(run, statemachine.SignalUserMessage, map[string]any{"goal": run.goal}); err != nil {
		return o.abortInternal(run, err), false
	}

	decision := o.deps.Router.Route(ctx, run.goal)
	o.deps.Metrics.RecordRouterDecision(ctx, string(decision.Path))
	run.emitter.EmitTyped(events.TypeReasoningDecision, run.iteration, map[string]any{
		"path":             string(decision.Path),
		"skill":            decision.SkillName,
		"skill_confidence": decision.SkillConfidence,
		"structured_score": decision.StructuredScore,
	})

	intentSignal := statemachine.SignalIntentClear
	if decision.Path == router.PathSkill {
		intentSignal = statemachine.SignalSkillMatched
	}
	if err := o.fire(run, intentSignal, nil); err != nil {
		return o.abortInternal(run, err), false
	}

	if decision.Path == router.PathSandboxed && o.deps.Pool != nil {
		if _, err := o.deps.Pool.Acquire(ctx, run.sessionID); err != nil {
			// The run can still proceed on the reasoning path.
			o.emitError(run, err)
		}
	}

	p, err := o.deps.Planner.Plan(ctx, run.goal)
	if err != nil {
		o.emitError(run, err)
		o.fire(run, statemachine.SignalPlanFailed, nil)
		o.fire(run, statemachine.SignalMaxRetriesReached, nil)
		return events.DoneFailed, false
	}
	if err := run.sched.Load(p); err != nil {
		o.emitError(run, err)
		o.fire(run, statemachine.SignalPlanFailed, nil)
		o.fire(run, statemachine.SignalMaxRetriesReached, nil)
		return events.DoneFailed, false
	}

	o.persistPlan(run)
	run.emitter.EmitTyped(events.TypePlanCreated, run.iteration, map[string]any{"plan": run.sched.Plan()})
	if err := o.fire(run, statemachine.SignalPlanCreated, nil); err != nil {
		return o.abortInternal(run, err), false
	}
	return "", true
}

// taskLoop drains the scheduler's frontier until the plan completes, the
// run exhausts its iteration budget, or a terminal failure lands.
func (o *Orchestrator) taskLoop(ctx context.Context, run *runState) string {
	for {
		if status, interrupted := o.checkCancelled(ctx, run); interrupted {
			return status
		}

		if run.sched.IsComplete() {
			o.fireIf(run, statemachine.SignalTaskComplete, nil)
			return events.DoneSuccess
		}
		if run.iteration >= o.cfg.MaxIterationsPerRun {
			o.fireIf(run, statemachine.SignalMaxIterationsReached, nil)
			return events.DoneTimeout
		}

		ready := run.sched.Ready()
		if len(ready) == 0 {
			if status, handled := o.handleBlocked(ctx, run); handled {
				return status
			}
			continue
		}

		run.iteration++
		task := ready[0]
		o.maybeSummarize(run)

		if err := run.sched.Start(task.ID); err != nil {
			return o.abortInternal(run, err)
		}
		run.emitter.EmitTyped(events.TypeTaskStart, run.iteration, map[string]any{
			"task_id": task.ID, "title": task.Title, "status": string(plan.StatusInProgress),
		})

		taskCtx, taskSpan := o.deps.Tracer.StartSpan(ctx, observability.SpanTaskExecute,
			observability.TaskAttrs(task.ID, run.iteration)...)
		outcome, err := run.exec.Execute(taskCtx, task, run.ec, o.recitation(run), o.hooks(taskCtx, run))
		taskSpan.End()
		if err != nil {
			if status, handled := o.handleExecError(ctx, run, err); handled {
				return status
			}
			outcome = &executor.Outcome{Status: executor.StatusFailed, FailReason: err.Error()}
		}

		run.usage.PromptTokens += outcome.Usage.PromptTokens
		run.usage.CompletionTokens += outcome.Usage.CompletionTokens
		run.usage.TotalTokens += outcome.Usage.TotalTokens
		o.deps.Metrics.RecordLLMRequest(ctx, o.deps.Client.Model(),
			outcome.Usage.PromptTokens, outcome.Usage.CompletionTokens)

		switch outcome.Status {
		case executor.StatusCompleted:
			if err := run.sched.Complete(task.ID, outcome.Output); err != nil {
				return o.abortInternal(run, err)
			}
			o.appendProgress(run, fmt.Sprintf("completed %s: %s", task.ID, task.Title))
			run.emitter.EmitTyped(events.TypeTaskComplete, run.iteration, map[string]any{
				"task_id": task.ID, "title": task.Title, "status": string(plan.StatusCompleted),
			})
		default:
			reason := outcome.FailReason
			if reason == "" {
				reason = string(outcome.Status)
			}
			run.emitter.EmitTyped(events.TypeTaskFailed, run.iteration, map[string]any{
				"task_id": task.ID, "title": task.Title, "status": string(plan.StatusFailed), "error": reason,
			})
			if status, terminal := o.handleTaskFailure(ctx, run, task, reason); terminal {
				return status
			}
		}

		o.persistPlan(run)
		run.emitter.EmitTyped(events.TypeProgressUpdate, run.iteration, map[string]any{
			"progress": plan.ProgressOf(run.sched.Plan()),
		})

		o.applyFindingsRule(run, outcome)
		if status, terminal := o.applyStrikeRule(ctx, run); terminal {
			return status
		}

		if o.cfg.CheckpointInterval > 0 && run.iteration%o.cfg.CheckpointInterval == 0 {
			o.saveCheckpoint(ctx, run)
		}
	}
}

// handleBlocked fires the failure path when no progress is possible.
func (o *Orchestrator) handleBlocked(ctx context.Context, run *runState) (string, bool) {
	if !run.sched.IsBlocked() {
		// Transient frontier gap; treat as internal inconsistency rather
		// than spinning.
		return o.abortInternal(run, errs.New(errs.KindInternal, "scheduler has no ready task but is not blocked")), true
	}
	o.emitError(run, errs.New(errs.KindInternal, "plan is blocked: no ready task and no replan budget"))
	o.fireIf(run, statemachine.SignalTaskFailed, nil)
	o.fireIf(run, statemachine.SignalMaxRetriesReached, nil)
	return events.DoneFailed, true
}

// handleExecError maps executor errors that must end the run. Returns
// handled=false for errors the scheduler's retry policy should absorb.
func (o *Orchestrator) handleExecError(ctx context.Context, run *runState, err error) (string, bool) {
	if status, interrupted := o.checkCancelled(ctx, run); interrupted {
		return status, true
	}
	switch errs.KindOf(err) {
	case errs.KindConfirmationTimeout:
		o.emitError(run, err)
		o.fireIf(run, statemachine.SignalTimeoutReached, nil)
		return events.DoneTimeout, true
	case errs.KindInvalidTransition, errs.KindPathEscape, errs.KindConcurrentAccess:
		return o.abortInternal(run, err), true
	}
	return "", false
}

// handleTaskFailure applies the deterministic retry/replan/abort policy.
func (o *Orchestrator) handleTaskFailure(ctx context.Context, run *runState, task *plan.Task, reason string) (string, bool) {
	decision, err := run.sched.Fail(task.ID, reason)
	if err != nil {
		return o.abortInternal(run, err), true
	}

	switch decision {
	case plan.DecisionRetry:
		o.logger.Info("retrying task %s (%s)", task.ID, reason)
		return "", false
	case plan.DecisionReplan:
		return o.replan(ctx, run, task.ID, reason)
	default:
		o.fireIf(run, statemachine.SignalTaskFailed, nil)
		o.fireIf(run, statemachine.SignalMaxRetriesReached, nil)
		return events.DoneFailed, true
	}
}

// replan drives the reflect/replan cycle for a failed task.
func (o *Orchestrator) replan(ctx context.Context, run *runState, failedTaskID, reason string) (string, bool) {
	o.fireIf(run, statemachine.SignalTaskFailed, nil)
	o.fireIf(run, statemachine.SignalCanRetry, nil)

	findings, _ := o.deps.Store.Read(run.sessionID, memory.DocFindings)
	revised, err := o.deps.Planner.Replan(ctx, planner.ReplanRequest{
		Prior:        run.sched.Plan(),
		FailedTaskID: failedTaskID,
		Reason:       reason,
		Findings:     findingsBody(findings),
	})
	if err != nil {
		o.emitError(run, err)
		o.fire(run, statemachine.SignalCannotReplan, nil)
		return events.DoneFailed, true
	}
	if err := run.sched.ReplacePlan(revised); err != nil {
		o.emitError(run, err)
		o.fire(run, statemachine.SignalCannotReplan, nil)
		return events.DoneFailed, true
	}

	o.persistPlan(run)
	run.emitter.EmitTyped(events.TypePlanRevised, run.iteration, map[string]any{"plan": run.sched.Plan()})
	o.fire(run, statemachine.SignalNewPlanCreated, nil)
	return "", false
}

// applyFindingsRule enforces the findings-recording rule: after the
// configured number of information-acquiring tool calls with no findings
// append, the next prompt carries an explicit instruction.
func (o *Orchestrator) applyFindingsRule(run *runState, outcome *executor.Outcome) {
	doc, err := o.deps.Store.Read(run.sessionID, memory.DocFindings)
	if err == nil && doc.Body != run.lastFindingsBody {
		run.lastFindingsBody = doc.Body
		run.infoSinceFindings = 0
	}
	if outcome != nil {
		run.infoSinceFindings += outcome.InfoCalls
	}
	if run.infoSinceFindings >= o.cfg.FindingsRecordEveryNActions {
		run.ec.Instructions = append(run.ec.Instructions,
			"You have gathered information without recording it. Append your key findings to the findings document before continuing.")
		run.infoSinceFindings = 0
	}
}

// applyStrikeRule pauses the run after repeated failures of one kind and
// forces a plan re-read plus a reflect/replan cycle.
func (o *Orchestrator) applyStrikeRule(ctx context.Context, run *runState) (string, bool) {
	if !run.struck {
		return "", false
	}
	run.struck = false
	kind := run.strikeKind
	o.logger.Warn("failure kind %s reached the strike threshold, forcing reflection", kind)

	planDoc, _ := o.deps.Store.Read(run.sessionID, memory.DocPlan)
	run.ec.Instructions = append(run.ec.Instructions,
		"Repeated failures of the same kind were observed. Re-read the plan below, then adjust your approach.\n\n"+findingsBody(planDoc))

	failing := firstFailingTask(run.sched.Plan())
	if failing == "" {
		run.observer.Reset(kind)
		return "", false
	}
	status, terminal := o.replan(ctx, run, failing, fmt.Sprintf("repeated %s failures", kind))
	run.observer.Reset(kind)
	return status, terminal
}

// checkCancelled maps context termination onto the two cancellation
// channels.
func (o *Orchestrator) checkCancelled(ctx context.Context, run *runState) (string, bool) {
	if ctx.Err() == nil {
		return "", false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.fireIf(run, statemachine.SignalTimeoutReached, nil)
		return events.DoneTimeout, true
	}
	o.fireIf(run, statemachine.SignalUserCancelled, nil)
	return events.DoneCancelled, true
}

// hooks bridges executor callbacks onto the state machine, event stream,
// and failure observer.
func (o *Orchestrator) hooks(ctx context.Context, run *runState) executor.Hooks {
	return executor.Hooks{
		OnDelta: func(delta string) {
			run.emitter.EmitTyped(events.TypeContent, run.iteration, map[string]any{"delta": delta})
		},
		OnToolCall: func(call executor.ToolCall) {
			if run.machine.Can(statemachine.SignalNeedTool) {
				o.fire(run, statemachine.SignalNeedTool, map[string]any{"tool": call.Name})
			}
			run.emitter.EmitTyped(events.TypeToolCall, run.iteration, map[string]any{
				"tool_name": call.Name, "parameters": call.Parameters, "call_id": call.ID,
			})
		},
		OnToolResult: func(call executor.ToolCall, status, detail string) {
			fields := map[string]any{"tool_name": call.Name, "status": status, "call_id": call.ID}
			signal := statemachine.SignalToolSucceeded
			if status == "success" {
				fields["result"] = detail
			} else {
				fields["error"] = detail
				signal = statemachine.SignalToolFailed
			}
			run.emitter.EmitTyped(events.TypeToolResult, run.iteration, fields)
			o.deps.Metrics.RecordToolCall(ctx, call.Name, status, 0)

			if run.machine.Can(signal) {
				o.fire(run, signal, nil)
			}
			if run.machine.Can(statemachine.SignalObserveContinue) {
				o.fire(run, statemachine.SignalObserveContinue, nil)
			}
		},
		OnFailure: func(err error) {
			run.observer.RecordError(err)
			kind := errs.KindOf(err)
			if run.observer.ShouldStrike(kind) {
				run.strikeKind = kind
				run.struck = true
			}
		},
	}
}

// fireIf submits a signal only when the current state declares it, for
// spots where the machine may legitimately sit in more than one state.
func (o *Orchestrator) fireIf(run *runState, signal statemachine.Signal, metadata map[string]any) {
	if run.machine.Can(signal) {
		o.fire(run, signal, metadata)
	}
}

// fire submits a signal and emits the entry event for the new state. An
// undeclared transition is a contract violation: it is surfaced as a
// diagnostic and returned.
func (o *Orchestrator) fire(run *runState, signal statemachine.Signal, metadata map[string]any) error {
	state, err := run.machine.Fire(signal, metadata)
	if err != nil {
		o.emitError(run, err)
		return err
	}
	run.emitter.EmitTyped(events.TypeStatus, run.iteration, map[string]any{
		"state":  string(state),
		"signal": string(signal),
	})
	return nil
}

func (o *Orchestrator) abortInternal(run *runState, err error) string {
	o.emitError(run, errs.Wrap(errs.KindInternal, err, "run aborted"))
	return events.DoneFailed
}

func (o *Orchestrator) emitError(run *runState, err error) {
	run.emitter.EmitTyped(events.TypeError, run.iteration, map[string]any{
		"kind":    string(errs.KindOf(err)),
		"message": err.Error(),
	})
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, run *runState) {
	snap := o.snapshot(run)
	if _, err := o.deps.Checkpoints.Save(snap); err != nil {
		o.logger.Warn("checkpoint save failed for %s: %v", run.sessionID, err)
		return
	}
	o.deps.Metrics.RecordCheckpoint(ctx)
}

func (o *Orchestrator) snapshot(run *runState) *checkpoint.Snapshot {
	planJSON, _ := json.Marshal(run.sched.Plan())

	tail := run.ec.Messages
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	messages := make([]checkpoint.ContextMessage, 0, len(tail))
	for _, m := range tail {
		messages = append(messages, checkpoint.ContextMessage{Role: m.Role, Content: m.Content})
	}

	docs := make(map[string]checkpoint.DocumentSnapshot, 3)
	for _, doc := range []memory.Doc{memory.DocPlan, memory.DocFindings, memory.DocProgress} {
		if d, err := o.deps.Store.Read(run.sessionID, doc); err == nil {
			docs[string(doc)] = checkpoint.DocumentSnapshot{Meta: d.Meta, Body: d.Body}
		}
	}

	var failures []checkpoint.FailureRecord
	for _, rec := range run.observer.Recent(20) {
		failures = append(failures, checkpoint.FailureRecord{
			Kind: string(rec.Kind), Detail: rec.Detail, At: rec.At,
		})
	}

	skillGate, sandboxGate := o.deps.Router.Thresholds()
	routerStats := make(map[string]int)
	for path, count := range o.deps.Router.Stats() {
		routerStats[string(path)] = count
	}

	return &checkpoint.Snapshot{
		SessionID:      run.sessionID,
		Plan:           planJSON,
		Iteration:      run.iteration,
		ElapsedSeconds: time.Since(run.startedAt).Seconds(),
		State:          string(run.machine.Current()),
		TokenUsage: checkpoint.TokenUsage{
			Input:  run.usage.PromptTokens,
			Output: run.usage.CompletionTokens,
			Total:  run.usage.TotalTokens,
		},
		ContextTail: messages,
		Documents:   docs,
		Failures:    failures,
		Router: checkpoint.RouterState{
			SkillThreshold:   skillGate,
			SandboxThreshold: sandboxGate,
			Decisions:        routerStats,
		},
	}
}

// restore rebuilds run state from a checkpoint.
func (o *Orchestrator) restore(run *runState, snap *checkpoint.Snapshot) error {
	var p plan.Plan
	if len(snap.Plan) == 0 {
		return errs.New(errs.KindInternal, "checkpoint for %s carries no plan", snap.SessionID)
	}
	if err := json.Unmarshal(snap.Plan, &p); err != nil {
		return errs.Wrap(errs.KindInternal, err, "decode checkpointed plan")
	}
	// In-flight work at snapshot time restarts from pending.
	for _, t := range p.Tasks {
		if t.Status == plan.StatusInProgress {
			t.Status = plan.StatusPending
		}
	}
	if err := run.sched.Load(&p); err != nil {
		return err
	}
	run.goal = p.Goal

	if err := run.machine.Restore(statemachine.State(snap.State)); err != nil {
		return err
	}
	run.iteration = snap.Iteration
	run.usage = llm.TokenUsage{
		PromptTokens:     snap.TokenUsage.Input,
		CompletionTokens: snap.TokenUsage.Output,
		TotalTokens:      snap.TokenUsage.Total,
	}
	for _, m := range snap.ContextTail {
		run.ec.Messages = append(run.ec.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	o.deps.Router.SetThresholds(snap.Router.SkillThreshold, snap.Router.SandboxThreshold)
	o.logger.Info("resumed session %s at iteration %d in state %s", run.sessionID, run.iteration, snap.State)
	return nil
}

func findingsBody(doc *memory.Document) string {
	if doc == nil {
		return ""
	}
	return doc.Body
}

func firstFailingTask(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	for _, t := range p.Tasks {
		if t.Status == plan.StatusFailed || (t.Status == plan.StatusPending && t.RetryCount > 0) {
			return t.ID
		}
	}
	return ""
}
