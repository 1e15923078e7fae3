package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/errs"
	"loom/internal/llm"
	"loom/internal/plan"
	"loom/internal/toolregistry"
)

type directInvoker struct {
	registry *toolregistry.Registry
}

func (d *directInvoker) Invoke(ctx context.Context, name string, params map[string]any) (*toolregistry.Result, error) {
	tool, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := toolregistry.ValidateParams(tool, params); err != nil {
		return nil, err
	}
	return tool.Invoke(ctx, params)
}

type stubTool struct {
	name   string
	risk   toolregistry.Risk
	info   bool
	calls  int
	invoke func(ctx context.Context, params map[string]any) (*toolregistry.Result, error)
}

func (s *stubTool) Name() string                                { return s.name }
func (s *stubTool) Description() string                         { return "stub tool" }
func (s *stubTool) Risk() toolregistry.Risk                     { return s.risk }
func (s *stubTool) InfoAcquiring() bool                         { return s.info }
func (s *stubTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{}
}

func (s *stubTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	s.calls++
	if s.invoke != nil {
		return s.invoke(ctx, params)
	}
	return &toolregistry.Result{Content: "stub output"}, nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ToolRetry = errs.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.VerifyCompletion = false
	return cfg
}

func testTask() *plan.Task {
	return &plan.Task{
		ID:                 "t1",
		Title:              "look something up",
		AcceptanceCriteria: "the answer is stated",
	}
}

func TestExecuteToolThenFinalAnswer(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	tool := &stubTool{name: "lookup", risk: toolregistry.RiskReadOnly}
	require.NoError(t, registry.Register(tool))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"lookup","parameters":{"q":"x"}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>the answer is 42</final_answer>`},
	)
	e := New(client, registry, &directInvoker{registry}, nil, fastConfig(), nil)

	var toolResults []string
	ec := &Context{SessionID: "sess-1"}
	outcome, err := e.Execute(context.Background(), testTask(), ec, "1/2 tasks done", Hooks{
		OnToolResult: func(_ ToolCall, status, _ string) { toolResults = append(toolResults, status) },
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "the answer is 42", outcome.Output)
	assert.Equal(t, 1, outcome.ToolCalls)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Equal(t, []string{"success"}, toolResults)
	assert.Equal(t, 1, tool.calls)

	// The tool result is injected back into the conversation.
	last := ec.Messages[len(ec.Messages)-2]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, `"status":"success"`)

	// The first prompt carries the plan recitation.
	assert.Contains(t, ec.Messages[0].Content, "1/2 tasks done")
}

func TestUnknownToolSynthesizesErrorResult(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"ghost","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>gave up on the tool</final_answer>`},
	)
	e := New(client, registry, &directInvoker{registry}, nil, fastConfig(), nil)

	var failures []error
	outcome, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{
		OnFailure: func(err error) { failures = append(failures, err) },
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	require.Len(t, failures, 1)
	assert.Equal(t, errs.KindToolUnknown, errs.KindOf(failures[0]))
}

func TestTransientToolErrorIsRetried(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	tool := &stubTool{name: "flaky", risk: toolregistry.RiskReadOnly}
	tool.invoke = func(_ context.Context, _ map[string]any) (*toolregistry.Result, error) {
		if tool.calls < 2 {
			return nil, errs.New(errs.KindToolTransient, "rate limited")
		}
		return &toolregistry.Result{Content: "ok"}, nil
	}
	require.NoError(t, registry.Register(tool))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"flaky","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>done</final_answer>`},
	)
	e := New(client, registry, &directInvoker{registry}, nil, fastConfig(), nil)

	outcome, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, 2, tool.calls, "transient failure must be retried")
}

func TestPermanentToolErrorIsNotRetried(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	tool := &stubTool{name: "broken", risk: toolregistry.RiskReadOnly}
	tool.invoke = func(_ context.Context, _ map[string]any) (*toolregistry.Result, error) {
		return nil, errs.New(errs.KindToolPermanent, "unsupported operation")
	}
	require.NoError(t, registry.Register(tool))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"broken","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>reported failure</final_answer>`},
	)
	e := New(client, registry, &directInvoker{registry}, nil, fastConfig(), nil)

	ec := &Context{}
	_, err := e.Execute(context.Background(), testTask(), ec, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, tool.calls)

	toolMsg := ec.Messages[2]
	assert.Contains(t, toolMsg.Content, `"status":"error"`)
	assert.Contains(t, toolMsg.Content, "unsupported operation")
}

func TestCriticalToolConfirmationDenied(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	tool := &stubTool{name: "delete_all", risk: toolregistry.RiskCritical}
	require.NoError(t, registry.Register(tool))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"delete_all","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>aborted the deletion</final_answer>`},
	)

	var asked ConfirmRequest
	confirm := func(_ context.Context, req ConfirmRequest) (bool, error) {
		asked = req
		return false, nil
	}
	e := New(client, registry, &directInvoker{registry}, confirm, fastConfig(), nil)

	outcome, err := e.Execute(context.Background(), testTask(), &Context{SessionID: "sess-1"}, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, 0, tool.calls, "denied tool must not run")
	assert.Equal(t, "delete_all", asked.Operation)
	assert.NotEmpty(t, asked.RequestID)
}

func TestCriticalToolConfirmationApproved(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	tool := &stubTool{name: "deploy", risk: toolregistry.RiskCritical}
	require.NoError(t, registry.Register(tool))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"deploy","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>deployed</final_answer>`},
	)
	confirm := func(_ context.Context, _ ConfirmRequest) (bool, error) { return true, nil }
	e := New(client, registry, &directInvoker{registry}, confirm, fastConfig(), nil)

	outcome, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, 1, tool.calls)
}

func TestConfirmationTimeoutAbortsTask(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	require.NoError(t, registry.Register(&stubTool{name: "deploy", risk: toolregistry.RiskCritical}))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"deploy","parameters":{}}</tool_call>`},
	)
	confirm := func(_ context.Context, _ ConfirmRequest) (bool, error) {
		return false, errs.New(errs.KindConfirmationTimeout, "no reply within deadline")
	}
	e := New(client, registry, &directInvoker{registry}, confirm, fastConfig(), nil)

	_, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{})
	require.Error(t, err)
	assert.Equal(t, errs.KindConfirmationTimeout, errs.KindOf(err))
}

func TestVerifierRejectsFinalAnswer(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<final_answer>half-finished work</final_answer>`},
		llm.MockTurn{Content: "VERDICT:FAIL the criterion is not met"},
	)
	cfg := fastConfig()
	cfg.VerifyCompletion = true
	e := New(client, registry, &directInvoker{registry}, nil, cfg, nil)

	outcome, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Contains(t, outcome.FailReason, "acceptance criterion")
}

func TestIterationCapReturnsTimeout(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	client := llm.NewMockClient("mock", llm.MockTurn{Content: "thinking out loud, no action"})
	cfg := fastConfig()
	cfg.MaxIterations = 3
	e := New(client, registry, &directInvoker{registry}, nil, cfg, nil)

	outcome, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, outcome.Status)
	assert.Equal(t, 3, outcome.Iterations)
}

func TestInfoAcquiringCallsAreCounted(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	require.NoError(t, registry.Register(&stubTool{name: "web_search", risk: toolregistry.RiskReadOnly, info: true}))

	client := llm.NewMockClient("mock",
		llm.MockTurn{Content: `<tool_call>{"name":"web_search","parameters":{}}</tool_call>` +
			`<tool_call>{"name":"web_search","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: `<final_answer>found it</final_answer>`},
	)
	e := New(client, registry, &directInvoker{registry}, nil, fastConfig(), nil)

	outcome, err := e.Execute(context.Background(), testTask(), &Context{}, "", Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.InfoCalls)
}

func TestInjectedInstructionsAppearInPrompt(t *testing.T) {
	registry := toolregistry.NewRegistry(nil)
	client := llm.NewMockClient("mock", llm.MockTurn{Content: `<final_answer>ok</final_answer>`})
	e := New(client, registry, &directInvoker{registry}, nil, fastConfig(), nil)

	ec := &Context{Instructions: []string{"Record your findings before continuing."}}
	_, err := e.Execute(context.Background(), testTask(), ec, "", Hooks{})
	require.NoError(t, err)
	assert.Contains(t, ec.Messages[0].Content, "Record your findings")
	assert.Empty(t, ec.Instructions, "instructions are consumed once")
}
