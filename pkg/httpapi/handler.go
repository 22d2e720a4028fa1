// Package httpapi serves stream state and stream requests over REST.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/mcp-streampay/pkg/audit"
	"github.com/txn2/mcp-streampay/pkg/auth"
	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/registry"
	"github.com/txn2/mcp-streampay/pkg/session"
	"github.com/txn2/mcp-streampay/pkg/stream"
	"github.com/txn2/mcp-streampay/pkg/timesource"
)

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 1000
	maxBodyBytes           = 1 << 16
)

// Config configures the API handler.
type Config struct {
	// Manager is the contract whose streams are served.
	Manager chain.Address

	// WarningLevel and CriticalLevel grade funding status.
	WarningLevel  time.Duration
	CriticalLevel time.Duration

	// Authenticator guards every route when set. Without it the API is
	// read-only and open.
	Authenticator auth.Authenticator

	// RequireAuth rejects requests without credentials.
	RequireAuth bool

	Logger *slog.Logger
}

// Handler provides the stream REST API.
type Handler struct {
	mux     *http.ServeMux
	root    http.Handler
	reg     *registry.Registry
	pool    *session.Pool
	ts      *timesource.Clock
	audit   audit.Logger
	metrics audit.Metrics
	cfg     Config
	logger  *slog.Logger
}

// NewHandler creates the API handler. pool, auditLog and metrics may be nil;
// the routes that need them are then not registered.
func NewHandler(reg *registry.Registry, pool *session.Pool, ts *timesource.Clock, auditLog audit.Logger, metrics audit.Metrics, cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mux:     http.NewServeMux(),
		reg:     reg,
		pool:    pool,
		ts:      ts,
		audit:   auditLog,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	h.registerRoutes()

	var next http.Handler = h.mux
	if cfg.Authenticator != nil {
		next = auth.Middleware(cfg.Authenticator, cfg.RequireAuth)(next)
	}
	h.root = RequestID(next)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /api/v1/streams", h.listStreams)
	h.mux.HandleFunc("GET /api/v1/creators", h.listCreators)
	h.mux.HandleFunc("GET /api/v1/creators/{creator}/streams", h.listCreatorStreams)
	h.mux.HandleFunc("GET /api/v1/streams/{creator}/{id}", h.getStream)

	if h.pool != nil && h.cfg.Authenticator != nil {
		operator := auth.RequireRole(auth.RoleOperator)
		h.mux.Handle("POST /api/v1/streams/{creator}/{id}/cancel", operator(http.HandlerFunc(h.cancelStream)))
		h.mux.Handle("POST /api/v1/streams/{creator}/{id}/fund", operator(http.HandlerFunc(h.fundStream)))
	}
	if h.audit != nil {
		h.mux.HandleFunc("GET /api/v1/operations", h.listOperations)
	}
	if h.metrics != nil {
		h.mux.HandleFunc("GET /api/v1/operations/overview", h.operationsOverview)
		h.mux.HandleFunc("GET /api/v1/operations/breakdown", h.operationsBreakdown)
	}
}

// identity resolves the {creator}/{id} path values against the served
// manager.
func (h *Handler) identity(r *http.Request) (stream.Identity, error) {
	creator, err := chain.ParseAddress(r.PathValue("creator"))
	if err != nil {
		return stream.Identity{}, err
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return stream.Identity{}, err
	}
	return stream.Identity{Manager: h.cfg.Manager, Creator: creator, StreamID: id}, nil
}

func (h *Handler) summarize(records []stream.Record) []stream.Summary {
	now := h.ts.Now()
	out := make([]stream.Summary, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Summarize(now, h.cfg.WarningLevel, h.cfg.CriticalLevel))
	}
	return out
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseTimeParam parses an RFC 3339 query parameter, ignoring bad values.
func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func parseIntParam(q url.Values, key string) int {
	if v := q.Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
