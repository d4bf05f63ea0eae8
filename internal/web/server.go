package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/domain"
	apperrors "github.com/tonwhales/tonhub-connect/internal/errors"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
)

// StatusFunc reports a transport connection state.
type StatusFunc func() domain.BridgeStatus

// HealthFunc reports backend health; nil error means healthy.
type HealthFunc func(ctx context.Context) error

// Server is the local admin API: connection inventory, the pending request
// feed and the approval queue decisions. It binds to a local address; it has
// no authentication of its own and must not be exposed publicly.
type Server struct {
	cfg       config.WebConfig
	sessions  *tonconnect.SessionRegistry
	pending   *tonconnect.PendingRequestRegistry
	approvals *ApprovalQueue

	bridgeStatus  StatusFunc
	watcherStatus StatusFunc
	checkHealth   HealthFunc

	httpServer *http.Server
	errors     *apperrors.ErrorMiddleware
	log        *zap.Logger
}

// NewServer wires the admin API over the shared session registry.
func NewServer(
	cfg config.WebConfig,
	sessions *tonconnect.SessionRegistry,
	pending *tonconnect.PendingRequestRegistry,
	approvals *ApprovalQueue,
	bridgeStatus, watcherStatus StatusFunc,
	checkHealth HealthFunc,
) *Server {
	return &Server{
		cfg:           cfg,
		sessions:      sessions,
		pending:       pending,
		approvals:     approvals,
		bridgeStatus:  bridgeStatus,
		watcherStatus: watcherStatus,
		checkHealth:   checkHealth,
		errors:        apperrors.NewErrorMiddleware(),
		log:           logger.New("web"),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("POST /api/connections/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/requests", s.handleRequests)
	mux.HandleFunc("POST /api/requests/{id}/decision", s.handleDecision)
	return s.errors.RecoveryMiddleware(securityHeaders(mux))
}

// Start begins serving. Returns immediately; serving errors are logged.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		s.log.Info("Admin API listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Admin API server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Response encoding failed", zap.Error(err))
	}
}

/* ------------------------------------------------------------------ *
|  Handlers                                                           |
* -------------------------------------------------------------------*/

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	var detail string

	if s.checkHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.checkHealth(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			detail = apperrors.SanitizeForClient(err)
		}
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"detail": detail,
		"bridge": s.bridgeStatus(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bridge":            s.bridgeStatus(),
		"watcher":           s.watcherStatus(),
		"activeConnections": metrics.GetActiveConnectionsCount(),
		"pendingRequests":   metrics.GetPendingRequestsCount(),
		"requestsProcessed": metrics.GetRequestsProcessedCount(),
		"responsesSent":     metrics.GetResponsesSentCount(),
		"requestsPerSecond": metrics.GetRequestsPerSecond(),
		"connectsPerSecond": metrics.GetConnectsPerSecond(),
		"errorRate":         metrics.GetErrorRate(),
	})
}

// connectionView is the redacted wire form of a stored connection. Session
// key material never leaves the process.
type connectionView struct {
	Endpoint            string          `json:"endpoint"`
	Name                string          `json:"name"`
	URL                 string          `json:"url"`
	IconURL             string          `json:"iconUrl,omitempty"`
	ManifestURL         string          `json:"manifestUrl"`
	AutoConnectDisabled bool            `json:"autoConnectDisabled"`
	Transports          []transportView `json:"transports"`
}

type transportView struct {
	Type            string `json:"type"`
	ClientSessionID string `json:"clientSessionId,omitempty"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	apps, err := s.sessions.Deps().Store.List(r.Context())
	if err != nil {
		s.errors.HandleError(w, r, apperrors.DatabaseError("list_connections", err))
		return
	}

	views := make([]connectionView, 0, len(apps))
	for endpoint, app := range apps {
		view := connectionView{
			Endpoint:            endpoint,
			Name:                app.Name,
			URL:                 app.URL,
			IconURL:             app.IconURL,
			ManifestURL:         app.ManifestURL,
			AutoConnectDisabled: app.AutoConnectDisabled,
		}
		for _, t := range app.Transports {
			view.Transports = append(view.Transports, transportView{
				Type:            t.Type,
				ClientSessionID: t.ClientSessionID,
			})
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"connections": views})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Endpoint == "" {
		s.errors.HandleError(w, r, apperrors.ValidationError("endpoint", "endpoint is required"))
		return
	}

	mgr := s.sessions.Manager(body.Endpoint)
	if err := mgr.Disconnect(r.Context(), time.Now().UnixMilli()); err != nil {
		s.errors.HandleError(w, r, apperrors.InternalError("disconnect", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":   s.pending.List(),
		"approvals": s.approvals.List(),
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var decision Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		s.errors.HandleError(w, r, apperrors.ValidationError("decision", "malformed decision body"))
		return
	}

	if err := s.approvals.Decide(id, decision); err != nil {
		s.errors.HandleError(w, r, apperrors.NotFoundError("approval "+id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
