// Package api exposes golden records, change events and load controls over
// HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/governance"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Server serves the control surface.
type Server struct {
	store          store.Store
	loads          *governance.Loads
	exports        *governance.Exports
	allowedOrigins []string
	now            func() time.Time
}

// NewServer creates a server. An empty origin list allows any origin.
func NewServer(st store.Store, loads *governance.Loads, exports *governance.Exports, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{store: st, loads: loads, exports: exports, allowedOrigins: allowedOrigins, now: time.Now}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/golden", func(r chi.Router) {
		r.Get("/", s.handleListGolden)
		r.Get("/{id}", s.handleGetGolden)
		r.Get("/{id}/history", s.handleHistory)
	})
	r.Route("/events", func(r chi.Router) {
		r.Get("/", s.handleListEvents)
		r.Post("/ack", s.handleAckEvents)
	})
	r.Route("/loads", func(r chi.Router) {
		r.Get("/", s.handleListLoads)
		r.Get("/{id}", s.handleGetLoad)
		r.Post("/{id}/quarantine", s.handleQuarantine)
		r.Post("/{id}/promote", s.handlePromote)
	})
	r.Get("/exports/status", s.handleExportStatus)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListGolden(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.store.ListGolden(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "limit": limit, "offset": offset})
}

func (s *Server) handleGetGolden(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGolden(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGolden(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	versions, err := s.store.VersionHistory(r.Context(), g.EntityID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": g.EntityID, "versions": versions})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := store.EventFilter{
		EntityID: q.Get("entity_id"),
		Limit:    limit,
	}
	if v := q.Get("unprocessed"); v != "" {
		if filter.UnprocessedOnly, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "unprocessed must be a boolean")
			return
		}
	}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, model.EventType(strings.ToUpper(t)))
	}

	evts, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts, "count": len(evts)})
}

type ackRequest struct {
	EventIDs []string `json:"event_ids"`
}

func (s *Server) handleAckEvents(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.EventIDs) == 0 {
		writeError(w, http.StatusBadRequest, "event_ids is required")
		return
	}
	n, err := s.store.MarkEventsProcessed(r.Context(), req.EventIDs, s.now().UTC())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (s *Server) handleListLoads(w http.ResponseWriter, r *http.Request) {
	limit, _, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	loads, err := s.store.ListLoads(r.Context(), store.LoadFilter{
		SourceType: q.Get("source_type"),
		Status:     model.LoadStatus(q.Get("status")),
		Limit:      limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loads": loads})
}

func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	load, err := s.store.GetLoad(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

type quarantineRequest struct {
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
	ReverseSent bool   `json:"reverse_sent"`
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var req quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	actor := actorFor(r, req.Actor)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	res, err := s.loads.Quarantine(r.Context(), chi.URLParam(r, "id"), req.Reason, actor, req.ReverseSent)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type promoteRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	actor := actorFor(r, req.Actor)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	load, err := s.loads.Promote(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.exports.QueueStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case eris.Is(err, governance.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func actorFor(r *http.Request, actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return strings.TrimSpace(r.Header.Get("X-Actor"))
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, eris.New("limit must be a positive integer")
		}
	}
	limit = min(limit, maxLimit)
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, eris.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
