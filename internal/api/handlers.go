package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/maltedev/product-pipeline/internal/database"
	"github.com/maltedev/product-pipeline/internal/fetcher"
	"github.com/maltedev/product-pipeline/internal/models"
	"github.com/maltedev/product-pipeline/internal/pipeline"
)

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

// BatchRunner is satisfied by *pipeline.Controller.
type BatchRunner interface {
	RunWithOptions(ctx context.Context, urls []string, opts fetcher.Options) []pipeline.Outcome
}

// OutboxStats reports the state of the transactional outbox. It is nil
// unless records are written to Postgres.
type OutboxStats interface {
	Stats(ctx context.Context) (database.OutboxStats, error)
}

type Handlers struct {
	runner       BatchRunner
	outbox       OutboxStats
	defaults     fetcher.Options
	maxBatchSize int
	logger       *slog.Logger
}

type HandlersOptions struct {
	Runner BatchRunner
	Outbox OutboxStats
	// Defaults fill request fields the caller left empty.
	Defaults     fetcher.Options
	MaxBatchSize int
}

// NewHandlers creates the HTTP handlers. MaxBatchSize defaults to 100.
func NewHandlers(opts HandlersOptions, logger *slog.Logger) *Handlers {
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = 100
	}
	return &Handlers{
		runner:       opts.Runner,
		outbox:       opts.Outbox,
		defaults:     opts.Defaults,
		maxBatchSize: opts.MaxBatchSize,
		logger:       logger.With("component", "api"),
	}
}

// BatchRequest is a list of product page URLs plus fetch options.
type BatchRequest struct {
	URLs             []string `json:"urls"`
	RenderJavascript *bool    `json:"renderJavascript,omitempty"`
	GeoLocation      string   `json:"geoLocation,omitempty"`
	UserAgentProfile string   `json:"userAgentProfile,omitempty"`
}

type BatchResponse struct {
	Summary  pipeline.Summary  `json:"summary"`
	Outcomes []OutcomeResponse `json:"outcomes"`
}

type OutcomeResponse struct {
	URL      string                `json:"url"`
	Status   string                `json:"status"`
	Reason   string                `json:"reason,omitempty"`
	Stage    string                `json:"stage,omitempty"`
	Error    string                `json:"error,omitempty"`
	Attempts int                   `json:"attempts"`
	Record   *models.ProductRecord `json:"record,omitempty"`
}

// RunBatch runs the submitted URLs through the pipeline and returns one
// outcome per URL in request order.
func (h *Handlers) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.URLs) == 0 {
		h.respondError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > h.maxBatchSize {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds maximum size of %d urls", h.maxBatchSize))
		return
	}

	opts := h.fetchOptions(req)
	h.logger.Info("batch received", "urls", len(req.URLs), "render_javascript", opts.RenderJavascript)

	outcomes := h.runner.RunWithOptions(r.Context(), req.URLs, opts)

	resp := BatchResponse{
		Summary:  pipeline.Summarize(outcomes),
		Outcomes: make([]OutcomeResponse, len(outcomes)),
	}
	for i, o := range outcomes {
		resp.Outcomes[i] = toOutcomeResponse(o)
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) fetchOptions(req BatchRequest) fetcher.Options {
	opts := h.defaults
	if req.RenderJavascript != nil {
		opts.RenderJavascript = *req.RenderJavascript
	}
	if req.GeoLocation != "" {
		opts.GeoLocation = req.GeoLocation
	}
	if req.UserAgentProfile != "" {
		opts.UserAgentProfile = req.UserAgentProfile
	}
	return opts
}

func toOutcomeResponse(o pipeline.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		URL:      o.URL,
		Status:   string(o.Kind),
		Reason:   o.Reason,
		Stage:    string(o.Stage),
		Attempts: o.Attempts,
		Record:   o.Record,
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

// Health reports ok, plus outbox backlog when an outbox is configured.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
	}
	status := http.StatusOK

	if h.outbox != nil {
		stats, err := h.outbox.Stats(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox stats", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}

		health["outbox"] = map[string]interface{}{
			"pending":     stats.Pending,
			"dead_letter": stats.DeadLetter,
		}
		if stats.Pending > pendingWarnThreshold {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if stats.DeadLetter > deadLetterErrorThreshold {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
