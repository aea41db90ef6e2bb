// Package api exposes the operational HTTP surface: job enqueue and
// inspection, per-tenant and global sync status, and the manual sync
// triggers. Domain routing/auth lives in front of this service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/jobs"
	"github.com/you/supportd/internal/marketsync"
	"github.com/you/supportd/internal/storage"
)

type Server struct {
	store    *storage.Store
	producer *jobs.Producer
	engine   *marketsync.Engine
	log      *zap.Logger
}

func NewServer(store *storage.Store, producer *jobs.Producer, engine *marketsync.Engine, log *zap.Logger) *Server {
	return &Server{store: store, producer: producer, engine: engine, log: log.With(zap.String("component", "api"))}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/jobs", s.enqueueJob)
	r.Get("/v1/jobs/stats", s.jobStats)
	r.Get("/v1/jobs/failures", s.recentFailures)

	r.Get("/v1/sync", s.syncStatusAll)
	r.Get("/v1/sync/{tenant}", s.syncStatus)
	r.Post("/v1/sync/global", s.globalSync)
	r.Post("/v1/sync/{tenant}/delta", s.deltaSync)
	r.Post("/v1/sync/{tenant}/backfill", s.backfill)
	r.Post("/v1/sync/{tenant}/sweep", s.sweep)

	r.Post("/v1/deliveries", s.enqueueDelivery)
	r.Put("/v1/credentials/{tenant}", s.putCredentials)

	return r
}

type enqueueJobRequest struct {
	Type        string          `json:"type"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "type and tenant_id are required")
		return
	}

	opts := jobs.EnqueueOptions{MaxAttempts: req.MaxAttempts}
	if req.RunAt != nil {
		opts.RunAt = *req.RunAt
	}
	id, err := s.producer.Enqueue(r.Context(), req.Type, req.TenantID, req.Payload, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.JobStats(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) recentFailures(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	failed, err := s.store.RecentFailures(r.Context(), limit)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failed})
}

func (s *Server) syncStatusAll(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListSyncStates(r.Context(), marketsync.System)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": states})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetSyncState(r.Context(), chi.URLParam(r, "tenant"), marketsync.System)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) globalSync(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.RunGlobalSync(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) deltaSync(w http.ResponseWriter, r *http.Request) {
	res := s.engine.SyncTenant(r.Context(), chi.URLParam(r, "tenant"))
	writeJSON(w, http.StatusOK, res)
}

type backfillRequest struct {
	Days int `json:"days"`
}

func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res := s.engine.BackfillTenant(r.Context(), chi.URLParam(r, "tenant"), req.Days)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	res := s.engine.SweepMissingItems(r.Context(), chi.URLParam(r, "tenant"))
	writeJSON(w, http.StatusOK, res)
}

type enqueueDeliveryRequest struct {
	ConnectionID string  `json:"connection_id"`
	TicketID     string  `json:"ticket_id"`
	OrderRef     *string `json:"order_ref,omitempty"`
	ToAddress    *string `json:"to_address,omitempty"`
	Subject      string  `json:"subject"`
	Body         string  `json:"body"`
	InReplyTo    *string `json:"in_reply_to,omitempty"`
	References   *string `json:"references,omitempty"`
}

func (s *Server) enqueueDelivery(w http.ResponseWriter, r *http.Request) {
	var req enqueueDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConnectionID == "" || req.TicketID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "connection_id, ticket_id and body are required")
		return
	}

	d, err := s.store.EnqueueDelivery(r.Context(), storage.EnqueueDeliveryParams{
		ConnectionID: req.ConnectionID,
		TicketID:     req.TicketID,
		OrderRef:     req.OrderRef,
		ToAddress:    req.ToAddress,
		Subject:      req.Subject,
		Body:         req.Body,
		InReplyTo:    req.InReplyTo,
		References:   req.References,
	})
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": d.ID, "status": string(d.Status)})
}

func (s *Server) putCredentials(w http.ResponseWriter, r *http.Request) {
	var secret json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&secret); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant := chi.URLParam(r, "tenant")
	if err := s.store.PutCredentials(r.Context(), tenant, marketsync.System, secret); err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
