// Package notify broadcasts finished runs to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/event"
	"go.uber.org/zap"
)

// Severity orders notices.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Notice is one outbound notification.
type Notice struct {
	Event    event.Type `json:"event"`
	RunID    string     `json:"run_id"`
	ParentID string     `json:"parent_id,omitempty"`
	Title    string     `json:"title"`
	Content  string     `json:"content"`
	Severity Severity   `json:"severity"`
}

// Notifier delivers notices to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, n *Notice) error
	Close() error
}

// Record tracks a sent notice.
type Record struct {
	Notice  *Notice   `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

// Filter decides which events become notices.
type Filter func(ev event.Event) bool

// RootsAndFailures passes terminal events of top-level runs and every
// terminal failure.
func RootsAndFailures(ev event.Event) bool {
	if !ev.Type.Terminal() {
		return false
	}
	return ev.ParentID == "" || ev.Type.Warning() || failed(ev)
}

func failed(ev event.Event) bool {
	switch fmt.Sprint(ev.Attrs["status"]) {
	case "failed", "timeout", "cancelled", "aborted":
		return true
	}
	return false
}

// Gateway fans notices out to every registered notifier.
type Gateway struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	filter    Filter
	history   []Record
	limit     int
	logger    *zap.Logger
}

// NewGateway creates a gateway. A nil filter uses RootsAndFailures.
func NewGateway(filter Filter, logger *zap.Logger) *Gateway {
	if filter == nil {
		filter = RootsAndFailures
	}
	return &Gateway{
		notifiers: make(map[string]Notifier),
		filter:    filter,
		limit:     200,
		logger:    logger,
	}
}

// Register adds a notifier, replacing any for the same platform.
func (g *Gateway) Register(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers[n.Platform()] = n
	g.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Platforms returns the registered platform names, sorted.
func (g *Gateway) Platforms() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.notifiers))
	for p := range g.notifiers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Publish turns ev into a notice when the filter accepts it. It has the
// shape of a bus publish function so it can run behind an async queue.
func (g *Gateway) Publish(ctx context.Context, ev event.Event) error {
	if !g.filter(ev) {
		return nil
	}
	return g.Broadcast(ctx, NoticeFor(ev))
}

// Broadcast sends n to every notifier. Failures on one platform do not
// stop the others.
func (g *Gateway) Broadcast(ctx context.Context, n *Notice) error {
	g.mu.RLock()
	targets := make([]Notifier, 0, len(g.notifiers))
	for _, nt := range g.notifiers {
		targets = append(targets, nt)
	}
	g.mu.RUnlock()

	var errs []error
	var sent []string
	for _, nt := range targets {
		if err := nt.Notify(ctx, n); err != nil {
			g.logger.Error("notify failed",
				zap.String("platform", nt.Platform()),
				zap.String("run", n.RunID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nt.Platform(), err))
			continue
		}
		sent = append(sent, nt.Platform())
	}
	sort.Strings(sent)

	g.mu.Lock()
	g.history = append(g.history, Record{Notice: n, SentAt: time.Now(), Targets: sent})
	if len(g.history) > g.limit {
		g.history = g.history[len(g.history)-g.limit:]
	}
	g.mu.Unlock()
	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (g *Gateway) History(limit int) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if limit <= 0 || limit > len(g.history) {
		limit = len(g.history)
	}
	return append([]Record(nil), g.history[len(g.history)-limit:]...)
}

// Close shuts down all notifiers.
func (g *Gateway) Close() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for platform, n := range g.notifiers {
		if err := n.Close(); err != nil {
			g.logger.Error("notifier close failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// NoticeFor formats ev for humans.
func NoticeFor(ev event.Event) *Notice {
	n := &Notice{
		Event:    ev.Type,
		RunID:    ev.RunID,
		ParentID: ev.ParentID,
		Severity: SeverityInfo,
	}
	if ev.Type.Warning() || failed(ev) {
		n.Severity = SeverityWarning
	}

	what := ev.Component
	switch ev.Type {
	case event.RunFinished:
		what = "Concurrent run"
	case event.SessionAborted, event.SessionCompleted:
		what = "Handoff session"
	case event.ChatTerminated:
		what = "Group chat"
	case event.PlanCompleted, event.PlanFailed:
		what = "Plan"
	case event.ChildWorkflowCompleted:
		what = "Child workflow"
	}
	outcome := string(ev.Type)
	if i := strings.LastIndex(outcome, "_"); i >= 0 {
		outcome = outcome[i+1:]
	}
	if s, ok := ev.Attrs["status"]; ok {
		outcome = fmt.Sprint(s)
	}
	n.Title = fmt.Sprintf("%s %s", what, outcome)

	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		if k != "status" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s", ev.RunID)
	if ev.ParentID != "" {
		fmt.Fprintf(&sb, " (parent %s)", ev.ParentID)
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n%s: %v", k, ev.Attrs[k])
	}
	n.Content = sb.String()
	return n
}
