// Package planner turns a user goal into a validated atomic-task plan using
// the model, and repairs or revises plans when execution fails.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"loom/internal/errs"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/plan"
	"loom/internal/toolregistry"
)

// cannotReplanMarker is the explicit refusal the model emits when the prior
// plan cannot be repaired.
const cannotReplanMarker = "CANNOT_REPLAN"

// ErrCannotReplan is returned when the model explicitly declines to revise a
// failed plan.
var ErrCannotReplan = errs.New(errs.KindPlanValidationFailed, "planner cannot produce a revised plan")

// Planner produces and revises plans.
type Planner struct {
	client     llm.Client
	registry   *toolregistry.Registry
	maxRepairs int
	logger     logging.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxRepairs caps the repair-prompt attempts after an invalid plan.
func WithMaxRepairs(n int) Option {
	return func(p *Planner) {
		if n >= 0 {
			p.maxRepairs = n
		}
	}
}

// New builds a planner on top of the given model client and tool registry.
func New(client llm.Client, registry *toolregistry.Registry, logger logging.Logger, opts ...Option) *Planner {
	p := &Planner{
		client:     client,
		registry:   registry,
		maxRepairs: 3,
		logger:     logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ReplanRequest carries the failure context for a plan revision.
type ReplanRequest struct {
	Prior        *plan.Plan
	FailedTaskID string
	Reason       string
	Findings     string
}

// Plan asks the model for an atomic plan for the goal, repairing invalid
// structures up to the configured attempt cap.
func (p *Planner) Plan(ctx context.Context, goal string) (*plan.Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, errs.New(errs.KindPlanValidationFailed, "goal is empty")
	}
	return p.planWithRepairs(ctx, p.planPrompt(goal), goal)
}

// Replan asks the model to revise a failed plan. Completed tasks from the
// prior plan are preserved with their ids, titles, and statuses.
func (p *Planner) Replan(ctx context.Context, req ReplanRequest) (*plan.Plan, error) {
	if req.Prior == nil {
		return nil, errs.New(errs.KindPlanValidationFailed, "replan requires the prior plan")
	}
	revised, err := p.planWithRepairs(ctx, p.replanPrompt(req), req.Prior.Goal)
	if err != nil {
		return nil, err
	}
	merged := preserveCompleted(req.Prior, revised)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (p *Planner) planWithRepairs(ctx context.Context, prompt string, goal string) (*plan.Plan, error) {
	messages := []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: prompt},
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRepairs; attempt++ {
		resp, err := p.client.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: 0.2,
		})
		if err != nil {
			return nil, err
		}
		if strings.Contains(resp.Content, cannotReplanMarker) {
			return nil, ErrCannotReplan
		}

		parsed, err := parsePlan(resp.Content, goal)
		if err == nil {
			if err := parsed.Validate(); err == nil {
				p.logger.Info("plan accepted after %d repair(s): %d tasks", attempt, len(parsed.Tasks))
				return parsed, nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}

		p.logger.Warn("plan attempt %d rejected: %v", attempt+1, lastErr)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(
				"The plan was rejected: %v\nReturn a corrected JSON plan only.", lastErr)},
		)
	}
	return nil, errs.Wrap(errs.KindPlanValidationFailed, lastErr,
		"plan still invalid after %d repair attempts", p.maxRepairs)
}

const plannerSystemPrompt = `You are a task planner. Decompose the goal into the smallest list of atomic tasks.
Each task must be completable by a single tool-using loop and have exactly one verifiable acceptance criterion.
Respond with JSON only, in this shape:
{"tasks":[{"id":"t1","title":"...","description":"...","acceptance_criteria":"...","depends_on":[],"suggested_tools":[]}]}
If asked to revise a plan and no viable revision exists, respond with the single token CANNOT_REPLAN.`

func (p *Planner) planPrompt(goal string) string {
	var sb strings.Builder
	sb.WriteString("Goal:\n")
	sb.WriteString(goal)
	sb.WriteString("\n\nAvailable tools:\n")
	sb.WriteString(p.toolCatalog())
	return sb.String()
}

func (p *Planner) replanPrompt(req ReplanRequest) string {
	prior, _ := json.Marshal(req.Prior)
	var sb strings.Builder
	sb.WriteString("Goal:\n")
	sb.WriteString(req.Prior.Goal)
	sb.WriteString("\n\nPrior plan (JSON):\n")
	sb.Write(prior)
	sb.WriteString("\n\nFailed task: ")
	sb.WriteString(req.FailedTaskID)
	sb.WriteString("\nFailure reason: ")
	sb.WriteString(req.Reason)
	if req.Findings != "" {
		sb.WriteString("\n\nRelevant findings:\n")
		sb.WriteString(req.Findings)
	}
	sb.WriteString("\n\nRevise the plan. Keep every completed task unchanged (same id, title). ")
	sb.WriteString("Replace or split the failed task so the goal remains reachable.\n\nAvailable tools:\n")
	sb.WriteString(p.toolCatalog())
	return sb.String()
}

func (p *Planner) toolCatalog() string {
	if p.registry == nil {
		return "(none)"
	}
	var sb strings.Builder
	for _, name := range p.registry.Names() {
		tool, err := p.registry.Get(name)
		if err != nil {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(tool.Description())
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "(none)"
	}
	return sb.String()
}

// wirePlan is the JSON shape the model is asked to produce.
type wirePlan struct {
	Tasks []wireTask `json:"tasks"`
}

type wireTask struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	DependsOn          []string `json:"depends_on"`
	SuggestedTools     []string `json:"suggested_tools"`
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// parsePlan extracts the JSON payload from a model reply, repairing malformed
// JSON before giving up.
func parsePlan(raw, goal string) (*plan.Plan, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, errs.New(errs.KindPlanValidationFailed, "reply contains no JSON object")
	}

	var wire wirePlan
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, errs.Wrap(errs.KindPlanValidationFailed, err, "plan JSON is malformed")
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			return nil, errs.Wrap(errs.KindPlanValidationFailed, err, "plan JSON is malformed after repair")
		}
	}

	out := &plan.Plan{Goal: goal, Version: 1}
	for _, t := range wire.Tasks {
		out.Tasks = append(out.Tasks, &plan.Task{
			ID:                 t.ID,
			Title:              t.Title,
			Description:        t.Description,
			AcceptanceCriteria: t.AcceptanceCriteria,
			DependsOn:          t.DependsOn,
			SuggestedTools:     t.SuggestedTools,
			Status:             plan.StatusPending,
		})
	}
	return out, nil
}

// extractJSON prefers a fenced code block, then falls back to the outermost
// object literal.
func extractJSON(raw string) string {
	if m := jsonFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// preserveCompleted carries completed and skipped tasks from the prior plan
// into the revision, keeping their ids and statuses.
func preserveCompleted(prior, revised *plan.Plan) *plan.Plan {
	merged := revised.Clone()
	merged.Version = prior.Version + 1

	for _, old := range prior.Tasks {
		if !old.Status.IsFinal() {
			continue
		}
		if existing, ok := merged.Task(old.ID); ok {
			existing.Title = old.Title
			existing.Status = old.Status
			existing.OutputSummary = old.OutputSummary
			existing.StartedAt = old.StartedAt
			existing.CompletedAt = old.CompletedAt
			continue
		}
		copied := *old
		merged.Tasks = append([]*plan.Task{&copied}, merged.Tasks...)
	}
	return merged
}
