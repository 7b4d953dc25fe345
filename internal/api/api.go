// Package api serves the read-only audit log of webhook requests.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/mailhook/internal/auth"
	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/logging"
	"github.com/austindbirch/mailhook/internal/tracing"
)

const WebhookRequestsPath = "/v1/webhook-requests"

type errorBody struct {
	Error string `json:"error"`
}

// Handler lists the authenticated server's log entries
type Handler struct {
	logs   delivery.LogReader
	logger *logging.Logger
}

func NewHandler(logs delivery.LogReader, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{logs: logs, logger: logger}
}

// Register mounts the API on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+WebhookRequestsPath, h.listWebhookRequests)
}

func (h *Handler) listWebhookRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	serverID, ok := auth.ServerIDFromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}

	page, err := queryInt(r, "page")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "page must be an integer"})
		return
	}
	perPage, err := queryInt(r, "per_page")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "per_page must be an integer"})
		return
	}

	ctx, span := tracing.StartSpan(ctx, "api.list_webhook_requests",
		attribute.String("server_id", serverID),
		attribute.Int("page", page),
	)
	defer span.End()

	result, err := h.logs.ListLogs(ctx, serverID, page, perPage)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithServer(serverID).WithError(err).Error("list webhook requests failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// queryInt returns 0 for a missing parameter so paging defaults apply
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
