// Package plan defines the task DAG model produced by the planner and driven
// by the scheduler.
package plan

import (
	"fmt"
	"time"

	"loom/internal/errs"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// IsFinal reports whether the status counts toward plan completion.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Task is the atomic unit of work inside a plan.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria string     `json:"acceptance_criteria,omitempty"`
	SuggestedTools     []string   `json:"suggested_tools,omitempty"`
	Status             Status     `json:"status"`
	DependsOn          []string   `json:"depends_on,omitempty"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Error              string     `json:"error,omitempty"`
	OutputSummary      string     `json:"output_summary,omitempty"`
}

// Plan is an ordered, acyclic collection of tasks for one goal.
type Plan struct {
	Goal    string  `json:"goal"`
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

// Clone returns a deep copy so callers can mutate scheduler state without
// aliasing the planner's output.
func (p *Plan) Clone() *Plan {
	out := &Plan{Goal: p.Goal, Version: p.Version, Tasks: make([]*Task, 0, len(p.Tasks))}
	for _, t := range p.Tasks {
		copied := *t
		copied.SuggestedTools = append([]string(nil), t.SuggestedTools...)
		copied.DependsOn = append([]string(nil), t.DependsOn...)
		out.Tasks = append(out.Tasks, &copied)
	}
	return out
}

// Task returns the task with the given id.
func (p *Plan) Task(id string) (*Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Validate checks the plan invariants: dependency ids resolve inside the plan,
// at least one task is startable, and the dependency graph is acyclic.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errs.New(errs.KindPlanValidationFailed, "plan has no tasks")
	}

	ids := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return errs.New(errs.KindPlanValidationFailed, "task %q has empty id", t.Title)
		}
		if ids[t.ID] {
			return errs.New(errs.KindPlanValidationFailed, "duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}

	rootless := false
	for _, t := range p.Tasks {
		if len(t.DependsOn) == 0 {
			rootless = true
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return errs.New(errs.KindPlanValidationFailed, "task %q depends on itself", t.ID)
			}
			if !ids[dep] {
				return errs.New(errs.KindPlanValidationFailed, "task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if !rootless {
		return errs.New(errs.KindPlanValidationFailed, "plan has no task with empty dependencies")
	}

	if cycle := p.findCycle(); cycle != "" {
		return errs.New(errs.KindPlanValidationFailed, "dependency cycle involving task %q", cycle)
	}
	return nil
}

// findCycle returns the id of a task inside a dependency cycle, or "".
func (p *Plan) findCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Tasks))
	byID := make(map[string]*Task, len(p.Tasks))
	for _, t := range p.Tasks {
		byID[t.ID] = t
	}

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if hit := visit(dep); hit != "" {
				return hit
			}
		}
		state[id] = done
		return ""
	}

	for _, t := range p.Tasks {
		if hit := visit(t.ID); hit != "" {
			return hit
		}
	}
	return ""
}

// Progress is the derived per-status view over a plan.
type Progress struct {
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	InProgress int     `json:"in_progress"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Ratio      float64 `json:"ratio"`
}

// ProgressOf computes the progress view on demand.
func ProgressOf(p *Plan) Progress {
	var prog Progress
	prog.Total = len(p.Tasks)
	for _, t := range p.Tasks {
		switch t.Status {
		case StatusPending:
			prog.Pending++
		case StatusInProgress:
			prog.InProgress++
		case StatusCompleted:
			prog.Completed++
		case StatusFailed:
			prog.Failed++
		case StatusSkipped:
			prog.Skipped++
		}
	}
	if prog.Total > 0 {
		prog.Ratio = float64(prog.Completed+prog.Skipped) / float64(prog.Total)
	}
	return prog
}

// String renders a compact single-line summary for logs and recitation.
func (p Progress) String() string {
	return fmt.Sprintf("%d/%d done (%d pending, %d in progress, %d failed, %d skipped)",
		p.Completed+p.Skipped, p.Total, p.Pending, p.InProgress, p.Failed, p.Skipped)
}
