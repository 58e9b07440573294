package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-apns-delivery/internal/pipeline"
	"github.com/tinywideclouds/go-apns-delivery/pkg/dispatch"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
	maxBatchBytes    = 1 << 20
)

type DeliveryAPI struct {
	Runner   pipeline.BatchRunner
	Reports  dispatch.ReportStore
	Feedback dispatch.FeedbackStore
	Logger   *slog.Logger
}

func NewDeliveryAPI(runner pipeline.BatchRunner, reports dispatch.ReportStore, feedback dispatch.FeedbackStore, logger *slog.Logger) *DeliveryAPI {
	return &DeliveryAPI{
		Runner:   runner,
		Reports:  reports,
		Feedback: feedback,
		Logger:   logger,
	}
}

// Submit delivers a batch synchronously and answers with its report.
// POST /api/v1/deliveries
func (api *DeliveryAPI) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	batch, err := pipeline.DecodeBatchRequest(body)
	if err != nil {
		api.Logger.Warn("Submit: invalid batch", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := api.Runner.Run(ctx, batch)
	if errors.Is(err, pipeline.ErrGatewayUnavailable) {
		response.WriteJSONError(w, http.StatusServiceUnavailable, "gateway unavailable")
		return
	}
	if err != nil {
		api.Logger.Error("Submit: batch failed", "batch_id", batch.BatchID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "delivery failed")
		return
	}
	api.Logger.Info("Submit: batch delivered", "user", userID, "batch_id", batch.BatchID, "failure", report.Failure)

	writeJSON(w, http.StatusOK, report)
}

// Get returns a stored report.
// GET /api/v1/deliveries/{id}
func (api *DeliveryAPI) Get(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing batch id")
		return
	}

	report, err := api.Reports.Get(r.Context(), batchID)
	if errors.Is(err, dispatch.ErrReportNotFound) {
		response.WriteJSONError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		api.Logger.Error("failed to get report", "batch_id", batchID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// List returns the most recent reports.
// GET /api/v1/deliveries?limit=N
func (api *DeliveryAPI) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	reports, err := api.Reports.List(r.Context(), limit)
	if err != nil {
		api.Logger.Error("failed to list reports", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// Feedback drains queued rejected-token feedback.
// GET /api/v1/feedback?limit=N
func (api *DeliveryAPI) Feedback(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := api.Feedback.Pop(r.Context(), limit)
	if err != nil {
		api.Logger.Error("failed to pop feedback", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
