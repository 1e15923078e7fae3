package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/events"
	"loom/internal/llm"
	"loom/internal/memory"
	"loom/internal/orchestrator"
	"loom/internal/planner"
	"loom/internal/router"
	"loom/internal/toolregistry"
)

const scriptedPlan = `{"tasks":[{"id":"t1","title":"answer","description":"","acceptance_criteria":"","depends_on":[],"suggested_tools":[]}]}`

func newTestServer(t *testing.T, script ...llm.MockTurn) (*Server, *httptest.Server) {
	t.Helper()

	client := llm.NewMockClient("test-model", script...)
	registry := toolregistry.NewRegistry(nil)
	invoker, err := toolregistry.NewCachingInvoker(registry, toolregistry.DefaultCacheConfig(), nil)
	require.NoError(t, err)
	store, err := memory.NewStore(t.TempDir(), "ws", nil)
	require.NoError(t, err)
	matcher, err := router.NewSkillMatcher(nil, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	orch, err := orchestrator.New(orchestrator.Deps{
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

	srv := New(orch, registry, cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
}

func TestStartRunRequiresGoal(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/runs", "application/json", bytes.NewBufferString(`{"goal":"  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRunStreamsSSE(t *testing.T) {
	_, ts := newTestServer(t,
		llm.MockTurn{Content: scriptedPlan},
		llm.MockTurn{Content: "<final_answer>42</final_answer>"},
	)

	resp, err := http.Post(ts.URL+"/api/runs", "application/json", bytes.NewBufferString(`{"goal":"answer the question"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-Id"))

	var types []events.Type
	reader := events.NewFrameReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, ev.Type)
	}

	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeDone, types[len(types)-1])
	assert.Contains(t, types, events.TypePlanCreated)
	assert.Contains(t, types, events.TypeTaskComplete)
}

func TestConfirmUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/sessions/nope/confirm", "application/json",
		bytes.NewBufferString(`{"request_id":"r1","approved":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/sessions/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunOverWebSocket(t *testing.T) {
	_, ts := newTestServer(t,
		llm.MockTurn{Content: scriptedPlan},
		llm.MockTurn{Content: "<final_answer>42</final_answer>"},
	)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/ws?goal=answer"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "session", first["type"])

	sawDone := false
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		if ev.Type == events.TypeDone {
			sawDone = true
		}
	}
	assert.True(t, sawDone, "stream delivers the terminal done event")
}
