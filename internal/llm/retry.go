package llm

import (
	"context"

	"loom/internal/errs"
	"loom/internal/logging"
)

// retryClient wraps a client with retry logic for transient provider errors.
// Streaming requests are not retried to avoid duplicating partial output.
type retryClient struct {
	underlying Client
	config     errs.RetryConfig
	logger     logging.Logger
}

var _ StreamingClient = (*retryClient)(nil)

// WrapWithRetry adds transient-error retries to an existing client.
func WrapWithRetry(client Client, config errs.RetryConfig) Client {
	return &retryClient{
		underlying: client,
		config:     config,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

func (c *retryClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return errs.RetryWithResult(ctx, c.config, func(ctx context.Context) (*CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	}, c.logger)
}

func (c *retryClient) StreamComplete(ctx context.Context, req CompletionRequest, callbacks StreamCallbacks) (*CompletionResponse, error) {
	return EnsureStreaming(c.underlying).StreamComplete(ctx, req, callbacks)
}

func (c *retryClient) SetUsageCallback(callback func(usage TokenUsage, model string, provider string)) {
	if tracking, ok := c.underlying.(UsageTrackingClient); ok {
		tracking.SetUsageCallback(callback)
	}
}
