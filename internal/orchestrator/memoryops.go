package orchestrator

import (
	"fmt"
	"strings"

	"loom/internal/llm"
	"loom/internal/memory"
	"loom/internal/plan"
	"loom/internal/tokencount"
)

// persistPlan renders the current plan into the task_plan document.
func (o *Orchestrator) persistPlan(run *runState) {
	p := run.sched.Plan()
	if p == nil {
		return
	}
	meta := map[string]string{
		"title":  "task_plan",
		"status": planDocStatus(p),
	}
	if err := o.deps.Store.Write(run.sessionID, memory.DocPlan, renderPlan(p), meta); err != nil {
		o.logger.Warn("persisting plan failed for %s: %v", run.sessionID, err)
	}
}

func planDocStatus(p *plan.Plan) string {
	progress := plan.ProgressOf(p)
	switch {
	case progress.Total > 0 && progress.Completed+progress.Skipped == progress.Total:
		return "completed"
	case progress.Failed > 0 && progress.Pending == 0 && progress.InProgress == 0:
		return "failed"
	default:
		return "in_progress"
	}
}

// renderPlan produces the conventional checklist body with stable task ids.
func renderPlan(p *plan.Plan) string {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(p.Goal)
	sb.WriteString(fmt.Sprintf("\n\nVersion %d\n\n", p.Version))
	for _, t := range p.Tasks {
		mark := " "
		switch t.Status {
		case plan.StatusCompleted:
			mark = "x"
		case plan.StatusSkipped:
			mark = "-"
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s", mark, t.ID, t.Title))
		if len(t.DependsOn) > 0 {
			sb.WriteString(" (after " + strings.Join(t.DependsOn, ", ") + ")")
		}
		if t.Status == plan.StatusFailed && t.Error != "" {
			sb.WriteString(" (failed: " + t.Error + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// appendProgress adds a timestamped entry to the progress document.
func (o *Orchestrator) appendProgress(run *runState, entry string) {
	if err := o.deps.Store.Append(run.sessionID, memory.DocProgress, entry); err != nil {
		o.logger.Warn("appending progress failed for %s: %v", run.sessionID, err)
	}
}

// recitation is the compact plan-progress summary prepended to each task
// prompt.
func (o *Orchestrator) recitation(run *runState) string {
	p := run.sched.Plan()
	if p == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(plan.ProgressOf(p).String())
	sb.WriteString("\n")
	for _, t := range p.Tasks {
		sb.WriteString(fmt.Sprintf("  %s [%s] %s\n", t.ID, t.Status, t.Title))
	}
	return sb.String()
}

// maybeSummarize replaces older context with a running summary derived from
// the findings and progress documents once the context crosses the
// high-water mark. The documents stay authoritative.
func (o *Orchestrator) maybeSummarize(run *runState) {
	window := o.cfg.ContextWindowTokens
	if window <= 0 || len(run.ec.Messages) <= summaryKeepTail {
		return
	}

	total := 0
	for _, m := range run.ec.Messages {
		total += tokencount.Count(m.Content)
	}
	if float64(total) < o.cfg.ContextSummaryTriggerRatio*float64(window) {
		return
	}

	findings, _ := o.deps.Store.Read(run.sessionID, memory.DocFindings)
	progress, _ := o.deps.Store.Read(run.sessionID, memory.DocProgress)

	var summary strings.Builder
	summary.WriteString("Summary of the work so far (older conversation has been compacted).\n")
	if body := findingsBody(findings); body != "" {
		summary.WriteString("\nFindings:\n")
		summary.WriteString(body)
	}
	if body := findingsBody(progress); body != "" {
		summary.WriteString("\nProgress log:\n")
		summary.WriteString(body)
	}

	tail := run.ec.Messages[len(run.ec.Messages)-summaryKeepTail:]
	compacted := make([]llm.Message, 0, summaryKeepTail+1)
	compacted = append(compacted, llm.Message{Role: "system", Content: summary.String()})
	compacted = append(compacted, tail...)
	dropped := len(run.ec.Messages) - len(tail)
	run.ec.Messages = compacted
	o.logger.Info("compacted context for %s: dropped %d message(s) at %d tokens", run.sessionID, dropped, total)
}

// summaryKeepTail is how many recent messages survive compaction.
const summaryKeepTail = 4
