package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/session"
	"github.com/txn2/mcp-streampay/pkg/stream"
)

// streamListResponse wraps a list of stream summaries.
type streamListResponse struct {
	Data  []stream.Summary `json:"data"`
	Total int              `json:"total"`
}

// listStreams handles GET /api/v1/streams. Optional filters: creator, token,
// active=true.
func (h *Handler) listStreams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var records []stream.Record
	switch {
	case q.Get("creator") != "":
		creator, err := chain.ParseAddress(q.Get("creator"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		records = h.reg.ByCreator(creator)
	case q.Get("token") != "":
		token, err := chain.ParseAddress(q.Get("token"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		records = h.reg.ByToken(token)
	default:
		records = h.reg.All()
	}

	summaries := h.summarize(records)
	if active, err := strconv.ParseBool(q.Get("active")); err == nil && active {
		kept := summaries[:0]
		for _, s := range summaries {
			if s.Active {
				kept = append(kept, s)
			}
		}
		summaries = kept
	}
	writeJSON(w, http.StatusOK, streamListResponse{Data: summaries, Total: len(summaries)})
}

// listCreators handles GET /api/v1/creators.
func (h *Handler) listCreators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.reg.Creators()})
}

// listCreatorStreams handles GET /api/v1/creators/{creator}/streams.
func (h *Handler) listCreatorStreams(w http.ResponseWriter, r *http.Request) {
	creator, err := chain.ParseAddress(r.PathValue("creator"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summaries := h.summarize(h.reg.ByCreator(creator))
	writeJSON(w, http.StatusOK, streamListResponse{Data: summaries, Total: len(summaries)})
}

// getStream handles GET /api/v1/streams/{creator}/{id}. With a session pool
// it returns the full session view, authority fields included.
func (h *Handler) getStream(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := h.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	if h.pool == nil {
		writeJSON(w, http.StatusOK, rec.Summarize(h.ts.Now(), h.cfg.WarningLevel, h.cfg.CriticalLevel))
		return
	}
	writeJSON(w, http.StatusOK, h.pool.Get(id).View())
}

// requestResponse reports the outcome of a cancel or fund request.
type requestResponse struct {
	Status  session.Status `json:"status"`
	TxHash  chain.TxHash   `json:"tx_hash,omitempty"`
	Error   string         `json:"error,omitempty"`
	Pending bool           `json:"pending"`
	View    session.View   `json:"view"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type fundRequest struct {
	Seconds int64 `json:"seconds"`
}

// cancelStream handles POST /api/v1/streams/{creator}/{id}/cancel.
func (h *Handler) cancelStream(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Sessions are only opened for streams the registry knows.
	if _, ok := h.reg.Get(id); !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var reason []byte
	if req.Reason != "" {
		reason = []byte(req.Reason)
	}

	s := h.pool.Get(id)
	o := s.RequestCancel(r.Context(), reason)
	h.logOutcome(r, "cancel", id, o)
	writeOutcome(w, o, s.View())
}

// fundStream handles POST /api/v1/streams/{creator}/{id}/fund.
func (h *Handler) fundStream(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := h.reg.Get(id); !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	var req fundRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s := h.pool.Get(id)
	o := s.RequestFund(r.Context(), req.Seconds)
	h.logOutcome(r, "fund", id, o)
	writeOutcome(w, o, s.View())
}

func (h *Handler) logOutcome(r *http.Request, op string, id stream.Identity, o session.Outcome) {
	attrs := []any{
		"operation", op,
		"stream", id.String(),
		"status", o.Status.String(),
		"request_id", GetRequestID(r.Context()),
	}
	if o.Err != nil {
		attrs = append(attrs, "error", o.Err)
	}
	h.logger.Info("stream request", attrs...)
}

func writeOutcome(w http.ResponseWriter, o session.Outcome, view session.View) {
	resp := requestResponse{Status: o.Status, TxHash: o.TxHash, Pending: o.Unknown(), View: view}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	writeJSON(w, outcomeStatus(o), resp)
}

// outcomeStatus maps an outcome to an HTTP status. A timed-out request is
// accepted: its result is settled by reconciliation.
func outcomeStatus(o session.Outcome) int {
	switch {
	case o.OK():
		return http.StatusOK
	case o.Unknown():
		return http.StatusAccepted
	case o.Status == session.StatusFailed:
		return http.StatusBadGateway
	case errors.Is(o.Err, session.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(o.Err, session.ErrStreamUnknown):
		return http.StatusNotFound
	case errors.Is(o.Err, session.ErrNoAccount), errors.Is(o.Err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}
