package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted client for tests. Each call pops the next
// response; when the script is exhausted it repeats the last entry.
type MockClient struct {
	mu            sync.Mutex
	model         string
	script        []MockTurn
	calls         int
	requests      []CompletionRequest
	usageCallback func(usage TokenUsage, model string, provider string)
}

// MockTurn is one scripted model reply.
type MockTurn struct {
	Content string
	Usage   TokenUsage
	Err     error
}

var (
	_ StreamingClient     = (*MockClient)(nil)
	_ UsageTrackingClient = (*MockClient)(nil)
)

// NewMockClient creates a scripted client.
func NewMockClient(model string, script ...MockTurn) *MockClient {
	return &MockClient{model: model, script: script}
}

// Append adds further turns to the script.
func (m *MockClient) Append(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, turns...)
}

// Calls returns how many completions have been requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns every request seen so far.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockClient) Model() string {
	return m.model
}

func (m *MockClient) SetUsageCallback(callback func(usage TokenUsage, model string, provider string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageCallback = callback
}

func (m *MockClient) next(req CompletionRequest) (MockTurn, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	idx := m.calls
	m.calls++
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	var turn MockTurn
	if idx >= 0 {
		turn = m.script[idx]
	}
	callback := m.usageCallback
	fire := func() {
		if callback != nil {
			callback(turn.Usage, m.model, "mock")
		}
	}
	return turn, fire
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turn, fire := m.next(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	fire()
	return &CompletionResponse{Content: turn.Content, StopReason: "stop", Usage: turn.Usage}, nil
}

func (m *MockClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnContentDelta != nil {
		if resp.Content != "" {
			callbacks.OnContentDelta(ContentDelta{Delta: resp.Content})
		}
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}
	return resp, nil
}
