// Package webhook receives GitHub workflow_run deliveries, verifies their
// signature and hands queued and completed runs to the coordinator.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/selfrunner/internal/githubapi"
)

// Events is implemented by the coordinator.
type Events interface {
	OnWorkflowQueued(ctx context.Context, run githubapi.WorkflowRun) error
	OnWorkflowCompleted(ctx context.Context, run githubapi.WorkflowRun) error
}

// Config holds Handler settings.
type Config struct {
	// Secret is the webhook secret used to verify X-Hub-Signature-256.
	Secret string

	Events Events

	// BaseContext is the parent of every delivery's processing context.
	// Deliveries are processed after the response is written, so they
	// must not inherit the request context.  Default: context.Background().
	BaseContext context.Context

	Logger *slog.Logger
}

// Handler is the http.Handler for POST /webhook.
type Handler struct {
	secret  []byte
	events  Events
	baseCtx context.Context
	logger  *slog.Logger

	wg sync.WaitGroup

	tracer   trace.Tracer
	received metric.Int64Counter
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}

	h := &Handler{
		secret:  []byte(cfg.Secret),
		events:  cfg.Events,
		baseCtx: cfg.BaseContext,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("selfrunner/webhook"),
	}

	var err error
	h.received, err = otel.Meter("selfrunner/webhook").Int64Counter(
		"selfrunner.webhook.deliveries",
		metric.WithDescription("Total number of webhook deliveries received"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create deliveries counter", slog.String("error", err.Error()))
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deliveryID := github.DeliveryID(r)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	eventType := github.WebHookType(r)
	logger := h.logger.With(
		slog.String("delivery", deliveryID),
		slog.String("event", eventType),
	)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.count(r.Context(), eventType, "rejected")
		logger.Warn("rejected webhook delivery", slog.String("error", err.Error()))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		h.count(r.Context(), eventType, "invalid")
		logger.Warn("unparsable webhook delivery", slog.String("error", err.Error()))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *github.PingEvent:
		h.count(r.Context(), eventType, "ping")
		logger.Info("webhook ping", slog.String("zen", e.GetZen()))
		w.WriteHeader(http.StatusOK)

	case *github.WorkflowRunEvent:
		run, ok := workflowRun(e)
		if !ok {
			h.count(r.Context(), eventType, "invalid")
			http.Error(w, "missing workflow run", http.StatusBadRequest)
			return
		}
		h.count(r.Context(), eventType, run.Status)

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.dispatch(logger, run)
		}()
		w.WriteHeader(http.StatusAccepted)

	default:
		h.count(r.Context(), eventType, "ignored")
		logger.Debug("ignoring webhook event")
		w.WriteHeader(http.StatusNoContent)
	}
}

// Wait blocks until every accepted delivery has been processed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) dispatch(logger *slog.Logger, run githubapi.WorkflowRun) {
	ctx, span := h.tracer.Start(h.baseCtx, "webhook.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("github.run_id", run.ID),
		attribute.String("github.repo", run.Repository.FullName()),
		attribute.String("github.run_status", run.Status),
	)

	logger = logger.With(
		slog.String("repo", run.Repository.FullName()),
		slog.Int64("runID", run.ID),
		slog.String("status", run.Status),
	)

	var err error
	switch run.Status {
	case githubapi.StatusCompleted:
		err = h.events.OnWorkflowCompleted(ctx, run)
	case githubapi.StatusQueued:
		err = h.events.OnWorkflowQueued(ctx, run)
	default:
		logger.Debug("ignoring workflow run status")
		return
	}
	if err != nil {
		span.RecordError(err)
		logger.Error("handling workflow run failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) count(ctx context.Context, eventType, outcome string) {
	if h.received == nil {
		return
	}
	h.received.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventType),
		attribute.String("outcome", outcome),
	))
}

func workflowRun(e *github.WorkflowRunEvent) (githubapi.WorkflowRun, bool) {
	wr := e.GetWorkflowRun()
	if wr == nil {
		return githubapi.WorkflowRun{}, false
	}

	repo := wr.GetRepository()
	if repo == nil {
		repo = e.GetRepo()
	}
	if repo.GetName() == "" {
		return githubapi.WorkflowRun{}, false
	}

	return githubapi.WorkflowRun{
		ID:     wr.GetID(),
		Status: wr.GetStatus(),
		Repository: githubapi.Repository{
			Owner: repo.GetOwner().GetLogin(),
			Name:  repo.GetName(),
		},
	}, true
}
