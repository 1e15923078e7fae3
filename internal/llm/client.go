// Package llm defines the provider-neutral chat-completion contract and the
// clients that implement it.
package llm

import "context"

// Client represents any chat-completion provider.
type Client interface {
	// Complete sends messages and returns a response (non-streaming).
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier.
	Model() string
}

// StreamingClient extends Client with delta streaming.
type StreamingClient interface {
	Client
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error)
}

// UsageTrackingClient reports token usage to a callback as responses land.
type UsageTrackingClient interface {
	SetUsageCallback(callback func(usage TokenUsage, model string, provider string))
}

// CompletionRequest contains all parameters for a completion.
type CompletionRequest struct {
	Messages      []Message      `json:"messages"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StopSequences []string       `json:"stop,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message represents one conversation turn.
type Message struct {
	Role     string         `json:"role"` // system, user, assistant, tool
	Content  string         `json:"content"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentDelta is one streamed content fragment. Final marks the end of the
// content stream.
type ContentDelta struct {
	Delta string
	Final bool
}

// StreamCallbacks receives streaming notifications.
type StreamCallbacks struct {
	OnContentDelta func(delta ContentDelta)
}

// streamingAdapter synthesizes streaming callbacks for clients that only
// implement Complete.
type streamingAdapter struct {
	base Client
}

var _ StreamingClient = (*streamingAdapter)(nil)

// EnsureStreaming guarantees the returned client implements StreamingClient,
// wrapping non-streaming implementations with a fallback adapter.
func EnsureStreaming(client Client) StreamingClient {
	if client == nil {
		return nil
	}
	if streaming, ok := client.(StreamingClient); ok {
		return streaming
	}
	return &streamingAdapter{base: client}
}

func (a *streamingAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return a.base.Complete(ctx, req)
}

func (a *streamingAdapter) Model() string {
	return a.base.Model()
}

func (a *streamingAdapter) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	resp, err := a.base.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnContentDelta != nil {
		if resp != nil && resp.Content != "" {
			callbacks.OnContentDelta(ContentDelta{Delta: resp.Content})
		}
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}
	return resp, nil
}
