package agent

import "context"

// Capability is the opaque reasoning unit behind an agent. Implementations
// must honour ctx cancellation and return promptly once it is done.
type Capability interface {
	Invoke(ctx context.Context, task Task, conv ConversationContext) (ExecutionResult, error)
}

// Streamer is implemented by capabilities that can stream partial output.
type Streamer interface {
	InvokeStream(ctx context.Context, task Task, conv ConversationContext) (<-chan PartialResult, error)
}

// Pinger is implemented by capabilities that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, task Task, conv ConversationContext) (ExecutionResult, error)

// Invoke calls f.
func (f CapabilityFunc) Invoke(ctx context.Context, task Task, conv ConversationContext) (ExecutionResult, error) {
	return f(ctx, task, conv)
}

// Reply is a CapabilityFunc that always answers with output.
func Reply(output string) CapabilityFunc {
	return func(_ context.Context, _ Task, _ ConversationContext) (ExecutionResult, error) {
		return ExecutionResult{Status: StatusSucceeded, Output: output}, nil
	}
}
