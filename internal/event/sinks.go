package event

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Multi fans every event out to each sink in order.
type Multi []Sink

// Emit forwards ev to every sink.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at debug, or warn for failures.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

// Emit logs ev.
func (l *LogSink) Emit(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.String("component", ev.Component),
		zap.String("run", ev.RunID),
	}
	if ev.ParentID != "" {
		fields = append(fields, zap.String("parent", ev.ParentID))
	}
	if len(ev.Attrs) > 0 {
		fields = append(fields, zap.Any("attrs", ev.Attrs))
	}
	if ev.Type.Warning() {
		l.logger.Warn("orchestration event", fields...)
		return
	}
	l.logger.Debug("orchestration event", fields...)
}

// Recorder keeps the most recent events per run in memory.
type Recorder struct {
	mu      sync.RWMutex
	perRun  map[string][]Event
	runs    []string
	limit   int
	maxRuns int
	total   atomic.Int64
}

// NewRecorder keeps up to limit events per run for the last maxRuns runs.
// Zero values fall back to 500 events and 256 runs.
func NewRecorder(limit, maxRuns int) *Recorder {
	if limit <= 0 {
		limit = 500
	}
	if maxRuns <= 0 {
		maxRuns = 256
	}
	return &Recorder{perRun: make(map[string][]Event), limit: limit, maxRuns: maxRuns}
}

// Emit records ev under its run and, when set, its parent run.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.total.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append(ev.RunID, ev)
	if ev.ParentID != "" && ev.ParentID != ev.RunID {
		r.append(ev.ParentID, ev)
	}
}

// append must be called with r.mu held.
func (r *Recorder) append(runID string, ev Event) {
	evs, ok := r.perRun[runID]
	if !ok {
		r.runs = append(r.runs, runID)
		if len(r.runs) > r.maxRuns {
			delete(r.perRun, r.runs[0])
			r.runs = r.runs[1:]
		}
	}
	evs = append(evs, ev)
	if len(evs) > r.limit {
		evs = evs[len(evs)-r.limit:]
	}
	r.perRun[runID] = evs
}

// Events returns a copy of the events recorded for runID.
func (r *Recorder) Events(runID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.perRun[runID]...)
}

// Count returns how many events of typ were recorded for runID.
func (r *Recorder) Count(runID string, typ Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ev := range r.perRun[runID] {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Total returns the number of events seen since creation.
func (r *Recorder) Total() int64 {
	return r.total.Load()
}
