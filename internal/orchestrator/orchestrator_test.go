package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/events"
	"loom/internal/llm"
	"loom/internal/memory"
	"loom/internal/planner"
	"loom/internal/router"
	"loom/internal/toolregistry"
)

type scriptedTool struct {
	name   string
	risk   toolregistry.Risk
	info   bool
	calls  atomic.Int64
	invoke func(ctx context.Context, params map[string]any) (*toolregistry.Result, error)
}

func (t *scriptedTool) Name() string        { return t.name }
func (t *scriptedTool) Description() string { return "test tool " + t.name }
func (t *scriptedTool) Risk() toolregistry.Risk {
	return t.risk
}
func (t *scriptedTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{}
}
func (t *scriptedTool) InfoAcquiring() bool { return t.info }
func (t *scriptedTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	t.calls.Add(1)
	if t.invoke != nil {
		return t.invoke(ctx, params)
	}
	return &toolregistry.Result{Content: "ok"}, nil
}

type harness struct {
	orch   *Orchestrator
	client *llm.MockClient
	cfg    *config.Config
	root   string
}

func newHarness(t *testing.T, root string, cfg *config.Config, client *llm.MockClient, tools ...toolregistry.Tool) *harness {
	t.Helper()

	registry := toolregistry.NewRegistry(nil)
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	invoker, err := toolregistry.NewCachingInvoker(registry, toolregistry.DefaultCacheConfig(), nil)
	require.NoError(t, err)

	store, err := memory.NewStore(root, "ws", nil)
	require.NoError(t, err)

	matcher, err := router.NewSkillMatcher(nil, nil, nil)
	require.NoError(t, err)

	orch, err := New(Deps{
		Config:      cfg,
		Client:      client,
		Registry:    registry,
		Invoker:     invoker,
		Planner:     planner.New(client, registry, nil),
		Router:      router.New(matcher, nil),
		Store:       store,
		Checkpoints: checkpoint.NewManager(store, cfg.MaxCheckpoints, nil),
	})
	require.NoError(t, err)
	return &harness{orch: orch, client: client, cfg: cfg, root: root}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CheckpointInterval = 1
	cfg.FindingsRecordEveryNActions = 100
	return cfg
}

// collect drains the stream until it closes, invoking onEvent for each event.
func collect(t *testing.T, ch <-chan events.Event, onEvent func(events.Event)) []events.Event {
	t.Helper()
	var out []events.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			out = append(out, ev)
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event stream did not close")
	}
	return out
}

func ofType(evs []events.Event, t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func firstIndex(evs []events.Event, t events.Type) int {
	for i, ev := range evs {
		if ev.Type == t {
			return i
		}
	}
	return -1
}

const singleTaskPlan = `{"tasks":[{"id":"t1","title":"summarize the file","description":"read and summarize","acceptance_criteria":"","depends_on":[],"suggested_tools":["read_file"]}]}`

func TestRunStreamHappyPath(t *testing.T) {
	tool := &scriptedTool{name: "read_file", risk: toolregistry.RiskReadOnly}
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: singleTaskPlan},
		llm.MockTurn{Content: `<tool_call>{"name":"read_file","parameters":{"path":"a.txt"}}</tool_call>`},
		llm.MockTurn{Content: "<final_answer>the file says hello</final_answer>", Usage: llm.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}},
	)
	h := newHarness(t, t.TempDir(), testConfig(), client, tool)

	sessionID, ch, err := h.orch.RunStream(context.Background(), "summarize a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	evs := collect(t, ch, nil)

	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1, "a run emits exactly one done event")
	assert.Equal(t, events.DoneSuccess, dones[0].Data["status"])
	assert.Equal(t, events.TypeDone, evs[len(evs)-1].Type, "done is the final event")

	// Causal ordering across the run.
	planIdx := firstIndex(evs, events.TypePlanCreated)
	startIdx := firstIndex(evs, events.TypeTaskStart)
	callIdx := firstIndex(evs, events.TypeToolCall)
	resultIdx := firstIndex(evs, events.TypeToolResult)
	completeIdx := firstIndex(evs, events.TypeTaskComplete)
	require.True(t, planIdx >= 0 && startIdx > planIdx, "plan precedes the first task")
	require.True(t, callIdx > startIdx && resultIdx > callIdx, "tool result follows its call")
	require.True(t, completeIdx > resultIdx, "task completion follows the tool round trip")

	for _, ev := range evs {
		assert.Equal(t, sessionID, ev.Data["sessionId"])
	}
	assert.EqualValues(t, 1, tool.calls.Load())
}

func TestRunPersistsPlanAndProgressDocuments(t *testing.T) {
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: singleTaskPlan},
		llm.MockTurn{Content: "<final_answer>done</final_answer>"},
	)
	root := t.TempDir()
	h := newHarness(t, root, testConfig(), client)

	sessionID, ch, err := h.orch.RunStream(context.Background(), "summarize a.txt")
	require.NoError(t, err)
	collect(t, ch, nil)

	store, err := memory.NewStore(root, "ws", nil)
	require.NoError(t, err)

	planDoc, err := store.Read(sessionID, memory.DocPlan)
	require.NoError(t, err)
	assert.Equal(t, "completed", planDoc.Meta["status"])
	assert.Contains(t, planDoc.Body, "- [x] t1: summarize the file")

	progressDoc, err := store.Read(sessionID, memory.DocProgress)
	require.NoError(t, err)
	assert.Contains(t, progressDoc.Body, "completed t1")
}

func TestTaskFailureRetriesThenReplans(t *testing.T) {
	cfg := testConfig()
	cfg.TaskMaxRetries = 1
	cfg.PlannerMaxReplans = 2

	checkedPlan := `{"tasks":[{"id":"t1","title":"verify output","description":"","acceptance_criteria":"output contains OK","depends_on":[],"suggested_tools":[]}]}`
	revisedPlan := `{"tasks":[{"id":"t2","title":"produce output another way","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":[]}]}`
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: checkedPlan},
		llm.MockTurn{Content: "<final_answer>nope</final_answer>"},
		llm.MockTurn{Content: "VERDICT:FAIL missing OK"},
		llm.MockTurn{Content: "<final_answer>still nope</final_answer>"},
		llm.MockTurn{Content: "VERDICT:FAIL missing OK"},
		llm.MockTurn{Content: revisedPlan},
		llm.MockTurn{Content: "<final_answer>done differently</final_answer>"},
	)
	h := newHarness(t, t.TempDir(), cfg, client)

	_, ch, err := h.orch.RunStream(context.Background(), "produce OK output")
	require.NoError(t, err)
	evs := collect(t, ch, nil)

	assert.Len(t, ofType(evs, events.TypePlanRevised), 1)
	assert.GreaterOrEqual(t, len(ofType(evs, events.TypeTaskFailed)), 2)
	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneSuccess, dones[0].Data["status"])
	assert.Equal(t, 7, client.Calls())
}

func TestTaskFailureWithoutBudgetFailsRun(t *testing.T) {
	cfg := testConfig()
	cfg.TaskMaxRetries = 0
	cfg.PlannerMaxReplans = 0

	checkedPlan := `{"tasks":[{"id":"t1","title":"verify output","description":"","acceptance_criteria":"output contains OK","depends_on":[],"suggested_tools":[]}]}`
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: checkedPlan},
		llm.MockTurn{Content: "<final_answer>nope</final_answer>"},
		llm.MockTurn{Content: "VERDICT:FAIL missing OK"},
	)
	h := newHarness(t, t.TempDir(), cfg, client)

	_, ch, err := h.orch.RunStream(context.Background(), "produce OK output")
	require.NoError(t, err)
	evs := collect(t, ch, nil)

	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneFailed, dones[0].Data["status"])
}

func TestPlanGenerationFailureEndsRun(t *testing.T) {
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: "I cannot produce structured output today."},
	)
	h := newHarness(t, t.TempDir(), testConfig(), client)

	_, ch, err := h.orch.RunStream(context.Background(), "do something")
	require.NoError(t, err)
	evs := collect(t, ch, nil)

	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneFailed, dones[0].Data["status"])
	assert.NotEmpty(t, ofType(evs, events.TypeError))
	assert.Empty(t, ofType(evs, events.TypeTaskStart))
}

func TestConfirmationApproved(t *testing.T) {
	tool := &scriptedTool{name: "delete_db", risk: toolregistry.RiskCritical}
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: `{"tasks":[{"id":"t1","title":"clean up","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":["delete_db"]}]}`},
		llm.MockTurn{Content: `<tool_call>{"name":"delete_db","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: "<final_answer>cleaned</final_answer>"},
	)
	h := newHarness(t, t.TempDir(), testConfig(), client, tool)

	sessionID, ch, err := h.orch.RunStream(context.Background(), "clean up the database")
	require.NoError(t, err)

	var requestID string
	evs := collect(t, ch, func(ev events.Event) {
		if ev.Type != events.TypeConfirmRequired {
			return
		}
		requestID, _ = ev.Data["request_id"].(string)
		require.NoError(t, h.orch.Confirm(sessionID, requestID, true, ""))
		// Redelivery of an answered decision is ignored, not an error.
		require.NoError(t, h.orch.Confirm(sessionID, requestID, false, ""))
	})

	require.NotEmpty(t, requestID)
	assert.EqualValues(t, 1, tool.calls.Load(), "approved critical tool runs once")
	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneSuccess, dones[0].Data["status"])
}

func TestConfirmationDeniedToolNotRun(t *testing.T) {
	tool := &scriptedTool{name: "delete_db", risk: toolregistry.RiskCritical}
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: `{"tasks":[{"id":"t1","title":"clean up","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":["delete_db"]}]}`},
		llm.MockTurn{Content: `<tool_call>{"name":"delete_db","parameters":{}}</tool_call>`},
		llm.MockTurn{Content: "<final_answer>left everything in place</final_answer>"},
	)
	h := newHarness(t, t.TempDir(), testConfig(), client, tool)

	sessionID, ch, err := h.orch.RunStream(context.Background(), "clean up the database")
	require.NoError(t, err)

	evs := collect(t, ch, func(ev events.Event) {
		if ev.Type == events.TypeConfirmRequired {
			requestID, _ := ev.Data["request_id"].(string)
			require.NoError(t, h.orch.Confirm(sessionID, requestID, false, "too risky"))
		}
	})

	assert.EqualValues(t, 0, tool.calls.Load(), "denied critical tool never runs")
	results := ofType(evs, events.TypeToolResult)
	require.NotEmpty(t, results)
	assert.Equal(t, "error", results[0].Data["status"])
	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneSuccess, dones[0].Data["status"])
}

func TestConfirmationTimeoutEndsRun(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTimeoutS = 0 // expire immediately

	tool := &scriptedTool{name: "delete_db", risk: toolregistry.RiskCritical}
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: `{"tasks":[{"id":"t1","title":"clean up","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":["delete_db"]}]}`},
		llm.MockTurn{Content: `<tool_call>{"name":"delete_db","parameters":{}}</tool_call>`},
	)
	h := newHarness(t, t.TempDir(), cfg, client, tool)

	_, ch, err := h.orch.RunStream(context.Background(), "clean up the database")
	require.NoError(t, err)
	evs := collect(t, ch, nil)

	assert.EqualValues(t, 0, tool.calls.Load())
	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneTimeout, dones[0].Data["status"])
}

func TestCancelEndsRunAsCancelled(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	tool := &scriptedTool{
		name: "slow_read",
		risk: toolregistry.RiskReadOnly,
		invoke: func(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: `{"tasks":[{"id":"t1","title":"read slowly","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":["slow_read"]}]}`},
		llm.MockTurn{Content: `<tool_call>{"name":"slow_read","parameters":{}}</tool_call>`},
	)
	h := newHarness(t, t.TempDir(), testConfig(), client, tool)

	sessionID, ch, err := h.orch.RunStream(context.Background(), "read the big file")
	require.NoError(t, err)

	go func() {
		<-started
		_ = h.orch.Cancel(sessionID)
	}()
	evs := collect(t, ch, nil)

	dones := ofType(evs, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneCancelled, dones[0].Data["status"])
}

func TestCheckpointResumeContinuesPlan(t *testing.T) {
	cfg := testConfig()
	cfg.TaskMaxRetries = 0
	cfg.PlannerMaxReplans = 0

	twoTaskPlan := `{"tasks":[
		{"id":"t1","title":"gather","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":[]},
		{"id":"t2","title":"report","description":"","acceptance_criteria":"report contains OK","depends_on":["t1"],"suggested_tools":[]}]}`
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: twoTaskPlan},
		llm.MockTurn{Content: "<final_answer>gathered</final_answer>"},
		llm.MockTurn{Content: "<final_answer>no report</final_answer>"},
		llm.MockTurn{Content: "VERDICT:FAIL no OK"},
	)
	root := t.TempDir()
	h := newHarness(t, root, cfg, client)

	sessionID, ch, err := h.orch.RunStream(context.Background(), "gather and report")
	require.NoError(t, err)
	evs := collect(t, ch, nil)
	require.Equal(t, events.DoneFailed, ofType(evs, events.TypeDone)[0].Data["status"])

	// A fresh process resumes from the newest checkpoint and finishes the
	// remaining task without replanning or redoing t1.
	resumeClient := llm.NewMockClient("test-model",
		llm.MockTurn{Content: "<final_answer>report: OK</final_answer>"},
		llm.MockTurn{Content: "VERDICT:PASS looks right"},
	)
	h2 := newHarness(t, root, cfg, resumeClient)

	ch2, err := h2.orch.Resume(context.Background(), sessionID)
	require.NoError(t, err)
	evs2 := collect(t, ch2, nil)

	dones := ofType(evs2, events.TypeDone)
	require.Len(t, dones, 1)
	assert.Equal(t, events.DoneSuccess, dones[0].Data["status"])
	assert.Empty(t, ofType(evs2, events.TypePlanCreated), "resume does not replan")

	starts := ofType(evs2, events.TypeTaskStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "t2", starts[0].Data["task_id"])
	assert.Equal(t, 2, resumeClient.Calls())
}

func TestResumeWithoutCheckpointFails(t *testing.T) {
	client := llm.NewMockClient("test-model")
	h := newHarness(t, t.TempDir(), testConfig(), client)

	_, err := h.orch.Resume(context.Background(), "no-such-session")
	require.Error(t, err)
}

func TestFindingsInstructionInjectedAfterInfoCalls(t *testing.T) {
	cfg := testConfig()
	cfg.FindingsRecordEveryNActions = 2

	tool := &scriptedTool{name: "web_search", risk: toolregistry.RiskReadOnly, info: true}
	twoTaskPlan := `{"tasks":[
		{"id":"t1","title":"research","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":["web_search"]},
		{"id":"t2","title":"write up","description":"","acceptance_criteria":"","depends_on":["t1"],"suggested_tools":[]}]}`
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: twoTaskPlan},
		llm.MockTurn{Content: `<tool_call>{"name":"web_search","parameters":{"q":"a"}}</tool_call>` +
			`<tool_call>{"name":"web_search","parameters":{"q":"b"}}</tool_call>`},
		llm.MockTurn{Content: "<final_answer>researched</final_answer>"},
		llm.MockTurn{Content: "<final_answer>written</final_answer>"},
	)
	h := newHarness(t, t.TempDir(), cfg, client, tool)

	_, ch, err := h.orch.RunStream(context.Background(), "research then write")
	require.NoError(t, err)
	evs := collect(t, ch, nil)
	require.Equal(t, events.DoneSuccess, ofType(evs, events.TypeDone)[0].Data["status"])

	var instructed bool
	for _, req := range client.Requests() {
		for _, msg := range req.Messages {
			if msg.Role == "user" && strings.Contains(msg.Content, "Append your key findings") {
				instructed = true
			}
		}
	}
	assert.True(t, instructed, "second task prompt carries the findings reminder")
}

func TestRecitationCarriesPlanProgress(t *testing.T) {
	twoTaskPlan := `{"tasks":[
		{"id":"t1","title":"gather","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":[]},
		{"id":"t2","title":"report","description":"","acceptance_criteria":"","depends_on":["t1"],"suggested_tools":[]}]}`
	client := llm.NewMockClient("test-model",
		llm.MockTurn{Content: twoTaskPlan},
		llm.MockTurn{Content: "<final_answer>gathered</final_answer>"},
		llm.MockTurn{Content: "<final_answer>reported</final_answer>"},
	)
	h := newHarness(t, t.TempDir(), testConfig(), client)

	_, ch, err := h.orch.RunStream(context.Background(), "gather and report")
	require.NoError(t, err)
	collect(t, ch, nil)

	reqs := client.Requests()
	require.Len(t, reqs, 3)
	// The second task's prompt recites t1 as completed.
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Contains(t, last.Content, "Plan progress:")
	assert.Contains(t, last.Content, "t1 [completed] gather")
}
