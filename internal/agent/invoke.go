package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Invoke calls c on behalf of ref and always returns a terminal result.
//
// Errors, panics and context expiry are folded into the result status. When
// ctx ends before c returns, Invoke reports timeout or cancelled without
// waiting; whatever c eventually returns is dropped.
func Invoke(ctx context.Context, c Capability, ref AgentRef, task Task, conv ConversationContext) ExecutionResult {
	start := time.Now()
	if !task.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, task.Deadline)
		defer cancel()
	}

	done := make(chan ExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ExecutionResult{Status: StatusFailed, Error: fmt.Sprintf("panic: %v", r)}
			}
		}()
		res, err := c.Invoke(ctx, task, conv)
		done <- normalize(ctx, res, err)
	}()

	var res ExecutionResult
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		default:
			res = fromContext(ctx)
		}
	}
	res.AgentID = ref.ID
	res.Duration = time.Since(start)
	res.FinishedAt = time.Now()
	return res
}

func normalize(ctx context.Context, res ExecutionResult, err error) ExecutionResult {
	if err == nil {
		if res.Status == 0 {
			res.Status = StatusSucceeded
		}
		return res
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
	case errors.Is(err, context.Canceled):
		res.Status = StatusCancelled
	case ctx.Err() != nil:
		res = fromContext(ctx)
	default:
		res.Status = StatusFailed
	}
	res.Error = err.Error()
	return res
}

func fromContext(ctx context.Context) ExecutionResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ExecutionResult{Status: StatusTimeout, Error: "deadline exceeded"}
	}
	msg := "cancelled"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		msg = cause.Error()
	}
	return ExecutionResult{Status: StatusCancelled, Error: msg}
}
