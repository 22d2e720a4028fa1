package httpapi

import (
	"net/http"
	"strconv"

	"github.com/txn2/mcp-streampay/pkg/audit"
)

// operationsResponse wraps a page of audit events.
type operationsResponse struct {
	Data   []audit.Event `json:"data"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// listOperations handles GET /api/v1/operations.
func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		Type:      audit.EventType(q.Get("type")),
		Operation: q.Get("operation"),
		Manager:   q.Get("manager"),
		Creator:   q.Get("creator"),
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
		Limit:     parseIntParam(q, "limit"),
		Offset:    max(parseIntParam(q, "offset"), 0),
	}
	if v := q.Get("stream_id"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			filter.StreamID = &id
		}
	}
	if v := q.Get("success"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Success = &b
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultOperationsLimit
	}
	filter.Limit = min(filter.Limit, maxOperationsLimit)

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to query operations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query operations")
		return
	}
	writeJSON(w, http.StatusOK, operationsResponse{Data: events, Limit: filter.Limit, Offset: filter.Offset})
}

// operationsOverview handles GET /api/v1/operations/overview.
func (h *Handler) operationsOverview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ov, err := h.metrics.Overview(r.Context(), parseTimeParam(q, "start_time"), parseTimeParam(q, "end_time"))
	if err != nil {
		h.logger.Error("failed to compute overview", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute overview")
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// operationsBreakdown handles GET /api/v1/operations/breakdown.
func (h *Handler) operationsBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dim := audit.BreakdownDimension(q.Get("group_by"))
	if dim == "" {
		dim = audit.BreakdownByOperation
	}
	if !audit.ValidBreakdownDimensions[dim] {
		writeError(w, http.StatusBadRequest, "invalid group_by: "+string(dim))
		return
	}
	entries, err := h.metrics.Breakdown(r.Context(), audit.BreakdownFilter{
		GroupBy:   dim,
		Limit:     parseIntParam(q, "limit"),
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
	})
	if err != nil {
		h.logger.Error("failed to compute breakdown", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute breakdown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group_by": dim, "data": entries})
}
