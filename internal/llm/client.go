package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// ChatStream starts a streaming completion. The returned stream must
	// be closed by the caller; [Collect] does so.
	ChatStream(ctx context.Context, req *Request) (Stream, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
