package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/checkpoint"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/fault"
	"github.com/nidhogg/nuka-swarm/internal/hook"
	"github.com/nidhogg/nuka-swarm/internal/lineage"
	"github.com/nidhogg/nuka-swarm/internal/nested"
	"github.com/nidhogg/nuka-swarm/internal/notify"
	"go.uber.org/zap"
)

// Lineage answers run-tree queries.
type Lineage interface {
	Children(ctx context.Context, runID string) ([]lineage.Run, error)
	Ancestry(ctx context.Context, runID string) ([]string, error)
}

// Tailer follows a run's event stream.
type Tailer interface {
	Tail(ctx context.Context, runID, lastID string) <-chan event.Event
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	base     context.Context
	registry *agent.Registry
	runner   *nested.Runner
	queue    *hook.Queue
	recorder *event.Recorder
	runs     *runBook
	store    checkpoint.Store
	lineage  Lineage
	tailer   Tailer
	notifier *notify.Gateway
	logger   *zap.Logger
}

// NewHandler creates a new API handler. Workflows started through the API
// live as long as base, not as long as the request that launched them.
func NewHandler(
	base context.Context,
	registry *agent.Registry,
	runner *nested.Runner,
	queue *hook.Queue,
	recorder *event.Recorder,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		base:     base,
		registry: registry,
		runner:   runner,
		queue:    queue,
		recorder: recorder,
		runs:     newRunBook(512),
		logger:   logger,
	}
}

// SetStore enables checkpoint lookups.
func (h *Handler) SetStore(s checkpoint.Store) { h.store = s }

// SetLineage enables run-tree queries.
func (h *Handler) SetLineage(l Lineage) { h.lineage = l }

// SetTailer enables live event streams.
func (h *Handler) SetTailer(t Tailer) { h.tailer = t }

// SetNotifier exposes notification history.
func (h *Handler) SetNotifier(g *notify.Gateway) { h.notifier = g }

// Drain waits for the workflows started through the API to finish. Call it
// after base is cancelled so their final events reach the sinks.
func (h *Handler) Drain(ctx context.Context) error {
	return h.runs.Wait(ctx)
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)

		r.Post("/workflows", h.startWorkflow)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/cancel", h.cancelRun)
		r.Get("/runs/{id}/events", h.runEvents)
		r.Get("/runs/{id}/stream", h.streamEvents)
		r.Get("/runs/{id}/checkpoint", h.runCheckpoint)
		r.Get("/runs/{id}/children", h.runChildren)

		// Interventions
		r.Get("/interventions", h.listInterventions)
		r.Post("/interventions/{id}", h.resolveIntervention)

		r.Get("/notifications", h.listNotifications)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": h.registry.Len(),
		"runs":   h.runs.Len(),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec nested.WorkflowSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	handle, err := h.runner.RunChild(h.base, h.runner.Root(), spec)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, fault.ErrNestingDepthExceeded) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	h.runs.Add(handle)
	h.logger.Info("workflow started",
		zap.String("run", handle.ChildID),
		zap.Stringer("kind", handle.Kind),
		zap.String("name", handle.Name))

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if _, err := handle.Wait(r.Context()); err != nil && !errors.Is(err, fault.ErrCancelled) {
			h.logger.Warn("workflow failed", zap.String("run", handle.ChildID), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, handle.Snapshot())
		return
	}
	writeJSON(w, http.StatusAccepted, handle.Snapshot())
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runs.List())
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.runs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, handle.Snapshot())
}

var errCancelledByOperator = errors.New("cancelled by operator")

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.runs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	handle.Cancel(errCancelledByOperator)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) runEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recorder.Events(chi.URLParam(r, "id")))
}

// streamEvents relays a run's events as server-sent events until the client
// goes away.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.tailer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event streams not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("from")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range h.tailer.Tail(r.Context(), chi.URLParam(r, "id"), lastID) {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("encode event", zap.String("event", ev.ID), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) runCheckpoint(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "checkpoints not configured"})
		return
	}
	snap, err := h.store.LoadSnapshot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, checkpoint.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "checkpoint not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) runChildren(w http.ResponseWriter, r *http.Request) {
	if h.lineage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lineage not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	children, err := h.lineage.Children(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ancestry, err := h.lineage.Ancestry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":      id,
		"ancestry": ancestry,
		"children": children,
	})
}

func (h *Handler) listInterventions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.List())
}

func (h *Handler) resolveIntervention(w http.ResponseWriter, r *http.Request) {
	var d hook.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := h.queue.Resolve(r.Context(), chi.URLParam(r, "id"), d)
	if errors.Is(err, hook.ErrUnknownIntervention) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.notifier.History(limit))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
