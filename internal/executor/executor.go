// Package executor drives the model-and-tool loop for a single task until it
// completes, fails verifiably, or runs out of iterations.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/internal/errs"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/plan"
	"loom/internal/toolregistry"
)

// Status is the terminal state of one task execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Outcome summarizes one task execution.
type Outcome struct {
	Status     Status
	Output     string
	FailReason string
	Iterations int
	ToolCalls  int
	InfoCalls  int
	Usage      llm.TokenUsage
}

// Context is the mutable execution state shared across a run's tasks.
type Context struct {
	SessionID   string
	WorkspaceID string
	Messages    []llm.Message
	KV          map[string]any
	// Instructions are prepended to the next prompt and then cleared.
	// The orchestrator uses this to enforce its behavioral rules.
	Instructions []string
}

// ConfirmRequest asks the user to approve a critical tool call.
type ConfirmRequest struct {
	RequestID   string
	Operation   string
	Description string
	Context     map[string]any
}

// ConfirmFunc suspends until the user approves or rejects the operation.
// A confirmation_timeout error ends the task.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// Hooks let the orchestrator observe the loop for event emission and
// failure accounting.
type Hooks struct {
	OnDelta      func(delta string)
	OnToolCall   func(call ToolCall)
	OnToolResult func(call ToolCall, status string, detail string)
	OnFailure    func(err error)
}

// Invoker executes a named tool. Satisfied by toolregistry.CachingInvoker.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (*toolregistry.Result, error)
}

// Config bounds a single task execution.
type Config struct {
	MaxIterations int
	ToolTimeout   time.Duration
	ToolRetry     errs.RetryConfig
	// VerifyCompletion enables the acceptance-criterion check on the
	// final answer.
	VerifyCompletion bool
}

// DefaultConfig returns the documented per-task defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    10,
		ToolTimeout:      30 * time.Second,
		ToolRetry:        errs.DefaultRetryConfig(),
		VerifyCompletion: true,
	}
}

// Executor runs one task at a time against a model and the tool registry.
type Executor struct {
	client   llm.StreamingClient
	registry *toolregistry.Registry
	invoker  Invoker
	confirm  ConfirmFunc
	config   Config
	logger   logging.Logger
}

// New builds an executor. confirm may be nil when no confirmation channel
// exists; critical tools then fail with confirmation_required.
func New(client llm.Client, registry *toolregistry.Registry, invoker Invoker, confirm ConfirmFunc, config Config, logger logging.Logger) *Executor {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultConfig().MaxIterations
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultConfig().ToolTimeout
	}
	return &Executor{
		client:   llm.EnsureStreaming(client),
		registry: registry,
		invoker:  invoker,
		confirm:  confirm,
		config:   config,
		logger:   logging.OrNop(logger),
	}
}

// Execute drives the loop for one task. The recitation is the compact plan
// progress summary prepended to the task prompt.
func (e *Executor) Execute(ctx context.Context, task *plan.Task, ec *Context, recitation string, hooks Hooks) (*Outcome, error) {
	outcome := &Outcome{Status: StatusTimeout}

	prompt := e.taskPrompt(task, recitation, ec)
	ec.Messages = append(ec.Messages, llm.Message{Role: "user", Content: prompt})
	ec.Instructions = nil

	for iteration := 0; iteration < e.config.MaxIterations; iteration++ {
		outcome.Iterations = iteration + 1

		var buffer strings.Builder
		resp, err := e.client.StreamComplete(ctx, llm.CompletionRequest{Messages: ec.Messages}, llm.StreamCallbacks{
			OnContentDelta: func(delta llm.ContentDelta) {
				if delta.Delta == "" {
					return
				}
				buffer.WriteString(delta.Delta)
				if hooks.OnDelta != nil {
					hooks.OnDelta(delta.Delta)
				}
			},
		})
		if err != nil {
			if hooks.OnFailure != nil {
				hooks.OnFailure(err)
			}
			return nil, err
		}
		turn := buffer.String()
		if turn == "" && resp != nil {
			turn = resp.Content
		}
		if resp != nil {
			outcome.Usage.PromptTokens += resp.Usage.PromptTokens
			outcome.Usage.CompletionTokens += resp.Usage.CompletionTokens
			outcome.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		ec.Messages = append(ec.Messages, llm.Message{Role: "assistant", Content: turn})

		if answer, done := FinalAnswer(turn); done {
			return e.finish(ctx, task, ec, outcome, answer, hooks)
		}

		calls := ParseToolCalls(turn)
		if len(calls) == 0 {
			// Pure reasoning turn: nudge the model toward an actionable step.
			ec.Messages = append(ec.Messages, llm.Message{
				Role:    "user",
				Content: "Continue. Invoke a tool or emit <final_answer> when the acceptance criterion is met.",
			})
			continue
		}

		for _, call := range calls {
			outcome.ToolCalls++
			if hooks.OnToolCall != nil {
				hooks.OnToolCall(call)
			}
			block, infoCall, err := e.invokeTool(ctx, call, ec, hooks)
			if err != nil {
				return nil, err
			}
			if infoCall {
				outcome.InfoCalls++
			}
			ec.Messages = append(ec.Messages, llm.Message{Role: "tool", Name: call.Name, Content: block})
		}
	}

	outcome.FailReason = fmt.Sprintf("task did not finish within %d iterations", e.config.MaxIterations)
	return outcome, nil
}

// invokeTool runs one parsed call end to end: lookup, confirmation gate,
// retried invocation, result normalization, and failure accounting. Tool
// failures become tool-result blocks, not Go errors; only contract and
// confirmation-flow errors propagate.
func (e *Executor) invokeTool(ctx context.Context, call ToolCall, ec *Context, hooks Hooks) (block string, infoCall bool, fatal error) {
	tool, err := e.registry.Get(call.Name)
	if err != nil {
		e.observeFailure(hooks, err)
		detail := fmt.Sprintf("unknown tool %q", call.Name)
		if hooks.OnToolResult != nil {
			hooks.OnToolResult(call, "error", detail)
		}
		return toolResultBlock(call.Name, "error", detail), false, nil
	}
	infoCall = toolregistry.IsInfoAcquiring(tool)

	if tool.Risk().RequiresConfirmation() {
		approved, err := e.confirmCall(ctx, call, tool, ec)
		if err != nil {
			e.observeFailure(hooks, err)
			return "", infoCall, err
		}
		if !approved {
			denied := errs.New(errs.KindConfirmationDenied, "user rejected %s", call.Name)
			e.observeFailure(hooks, denied)
			if hooks.OnToolResult != nil {
				hooks.OnToolResult(call, "error", denied.Error())
			}
			return toolResultBlock(call.Name, "error", denied.Error()), infoCall, nil
		}
	}

	callCtx, cancel := context.WithTimeout(toolregistry.WithSession(ctx, ec.SessionID), e.config.ToolTimeout)
	defer cancel()
	result, err := errs.RetryWithResult(callCtx, e.config.ToolRetry, func(ctx context.Context) (*toolregistry.Result, error) {
		return e.invoker.Invoke(ctx, call.Name, call.Parameters)
	}, e.logger)
	if err != nil {
		e.observeFailure(hooks, err)
		if hooks.OnToolResult != nil {
			hooks.OnToolResult(call, "error", err.Error())
		}
		return toolResultBlock(call.Name, "error", err.Error()), infoCall, nil
	}

	if hooks.OnToolResult != nil {
		hooks.OnToolResult(call, "success", result.Content)
	}
	payload := any(result.Content)
	if len(result.Data) > 0 {
		payload = map[string]any{"content": result.Content, "data": result.Data}
	}
	return toolResultBlock(call.Name, "success", payload), infoCall, nil
}

func (e *Executor) confirmCall(ctx context.Context, call ToolCall, tool toolregistry.Tool, ec *Context) (bool, error) {
	if e.confirm == nil {
		return false, errs.New(errs.KindConfirmationRequired,
			"tool %s requires confirmation but no confirmation channel is configured", call.Name)
	}
	return e.confirm(ctx, ConfirmRequest{
		RequestID:   uuid.NewString(),
		Operation:   call.Name,
		Description: tool.Description(),
		Context:     map[string]any{"parameters": call.Parameters, "session_id": ec.SessionID},
	})
}

// finish optionally verifies the acceptance criterion with a second model
// turn before declaring success.
func (e *Executor) finish(ctx context.Context, task *plan.Task, ec *Context, outcome *Outcome, answer string, hooks Hooks) (*Outcome, error) {
	outcome.Output = answer

	if e.config.VerifyCompletion && task.AcceptanceCriteria != "" {
		verdict, err := e.verify(ctx, task, answer, outcome)
		if err != nil {
			e.logger.Warn("acceptance verification failed to run, accepting answer: %v", err)
		} else if !verdict {
			outcome.Status = StatusFailed
			outcome.FailReason = fmt.Sprintf("acceptance criterion not met: %s", task.AcceptanceCriteria)
			failure := errs.New(errs.KindToolPermanent, "%s", outcome.FailReason)
			e.observeFailure(hooks, failure)
			return outcome, nil
		}
	}

	outcome.Status = StatusCompleted
	return outcome, nil
}

func (e *Executor) verify(ctx context.Context, task *plan.Task, answer string, outcome *Outcome) (bool, error) {
	resp, err := e.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You are a strict acceptance checker. Reply with VERDICT:PASS or VERDICT:FAIL followed by one sentence."},
			{Role: "user", Content: fmt.Sprintf(
				"Task: %s\nAcceptance criterion: %s\nSubmitted result:\n%s",
				task.Title, task.AcceptanceCriteria, answer)},
		},
		Temperature: 0,
	})
	if err != nil {
		return false, err
	}
	outcome.Usage.PromptTokens += resp.Usage.PromptTokens
	outcome.Usage.CompletionTokens += resp.Usage.CompletionTokens
	outcome.Usage.TotalTokens += resp.Usage.TotalTokens
	return !strings.Contains(resp.Content, "VERDICT:FAIL"), nil
}

func (e *Executor) observeFailure(hooks Hooks, err error) {
	if hooks.OnFailure != nil && err != nil {
		hooks.OnFailure(err)
	}
}

func (e *Executor) taskPrompt(task *plan.Task, recitation string, ec *Context) string {
	var sb strings.Builder
	if len(ec.Instructions) > 0 {
		for _, inst := range ec.Instructions {
			sb.WriteString(inst)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if recitation != "" {
		sb.WriteString("Plan progress:\n")
		sb.WriteString(recitation)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Current task: ")
	sb.WriteString(task.Title)
	sb.WriteString("\n")
	if task.Description != "" {
		sb.WriteString(task.Description)
		sb.WriteString("\n")
	}
	if task.AcceptanceCriteria != "" {
		sb.WriteString("Acceptance criterion: ")
		sb.WriteString(task.AcceptanceCriteria)
		sb.WriteString("\n")
	}
	if len(task.SuggestedTools) > 0 {
		sb.WriteString("Suggested tools: ")
		sb.WriteString(strings.Join(task.SuggestedTools, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\nInvoke tools with <tool_call>{\"name\":\"...\",\"parameters\":{...}}</tool_call>. ")
	sb.WriteString("When the acceptance criterion is met, reply with <final_answer>...</final_answer>.")
	return sb.String()
}
