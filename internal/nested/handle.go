package nested

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/fault"
)

// RunContext identifies the run launching a child. Registry is the roster
// the child may draw from; children can only narrow it.
type RunContext struct {
	RunID    string
	ParentID string
	Depth    int
	Registry *agent.Registry
}

// Request is sent by the parent to start a child.
type Request struct {
	CorrelationID string       `json:"correlation_id"`
	Task          agent.Task   `json:"task"`
	Scope         []string     `json:"scope,omitempty"`
	Spec          WorkflowSpec `json:"spec"`
}

// Response is the child's single reply. Result holds the final state of
// the workflow that ran (a run, session, chat, plan, or child responses).
type Response struct {
	CorrelationID string       `json:"correlation_id"`
	ChildID       string       `json:"child_id"`
	Kind          Kind         `json:"kind"`
	Status        agent.Status `json:"status"`
	Output        string       `json:"output,omitempty"`
	Result        any          `json:"result,omitempty"`
	Failure       *fault.Error `json:"failure,omitempty"`
	FinishedAt    time.Time    `json:"finished_at"`
}

// Succeeded reports whether the child finished successfully.
func (r Response) Succeeded() bool { return r.Status == agent.StatusSucceeded }

// SubWorkflowHandle is the parent's side of a launched child. It is owned
// by the parent; siblings never share a handle.
type SubWorkflowHandle struct {
	ParentID      string
	ChildID       string
	CorrelationID string
	Depth         int
	Kind          Kind
	Name          string
	LaunchedAt    time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	resp *Response
}

// HandleView is a point-in-time copy of a handle.
type HandleView struct {
	ParentID      string    `json:"parent_id"`
	ChildID       string    `json:"child_id"`
	CorrelationID string    `json:"correlation_id"`
	Depth         int       `json:"depth"`
	Kind          Kind      `json:"kind"`
	Name          string    `json:"name,omitempty"`
	LaunchedAt    time.Time `json:"launched_at"`
	Done          bool      `json:"done"`
	Response      *Response `json:"response,omitempty"`
}

func newHandle(parent RunContext, childID, correlationID string, spec WorkflowSpec, cancel context.CancelCauseFunc) *SubWorkflowHandle {
	return &SubWorkflowHandle{
		ParentID:      parent.RunID,
		ChildID:       childID,
		CorrelationID: correlationID,
		Depth:         parent.Depth + 1,
		Kind:          spec.Kind,
		Name:          spec.Name,
		LaunchedAt:    time.Now(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// settle stores the first response and releases waiters. Later calls are
// ignored.
func (h *SubWorkflowHandle) settle(resp Response) bool {
	settled := false
	h.once.Do(func() {
		h.mu.Lock()
		h.resp = &resp
		h.mu.Unlock()
		close(h.done)
		settled = true
	})
	return settled
}

// Done is closed once the response is available.
func (h *SubWorkflowHandle) Done() <-chan struct{} { return h.done }

// Cancel stops the child. Its outcome becomes cancelled unless it had
// already answered.
func (h *SubWorkflowHandle) Cancel(cause error) { h.cancel(cause) }

// Wait blocks until the child answers or ctx ends. A fatal failure in the
// child is also returned as the error.
func (h *SubWorkflowHandle) Wait(ctx context.Context) (Response, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Response{}, fault.Wrap(fault.KindCancelled, "nested.Wait", context.Cause(ctx))
	}
	h.mu.Lock()
	resp := *h.resp
	h.mu.Unlock()
	if resp.Failure != nil && resp.Failure.Kind.Fatal() {
		return resp, resp.Failure
	}
	return resp, nil
}

// Snapshot returns a copy of the handle.
func (h *SubWorkflowHandle) Snapshot() HandleView {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := HandleView{
		ParentID:      h.ParentID,
		ChildID:       h.ChildID,
		CorrelationID: h.CorrelationID,
		Depth:         h.Depth,
		Kind:          h.Kind,
		Name:          h.Name,
		LaunchedAt:    h.LaunchedAt,
		Done:          h.resp != nil,
	}
	if h.resp != nil {
		r := *h.resp
		v.Response = &r
	}
	return v
}
