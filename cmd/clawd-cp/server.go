package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ridermw/ClawdBody/internal/auth"
	"github.com/ridermw/ClawdBody/internal/config"
	"github.com/ridermw/ClawdBody/internal/metrics"
	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/secret"
	"github.com/ridermw/ClawdBody/internal/session"
	"github.com/ridermw/ClawdBody/internal/setup"
	"github.com/ridermw/ClawdBody/internal/store"
)

// API types
type CreateInstanceRequest struct {
	Name     string        `json:"name,omitempty"`
	Provider provider.Kind `json:"provider,omitempty"`
	Type     string        `json:"type,omitempty"`
	Region   string        `json:"region,omitempty"`
}

type CreateInstanceResponse struct {
	ID        string        `json:"id"`
	Provider  provider.Kind `json:"provider"`
	Status    string        `json:"status"`
	Addr      string        `json:"addr,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type SetupRequest struct {
	Provider        provider.Kind `json:"provider,omitempty"`
	APICredential   string        `json:"apiCredential,omitempty"`
	SSHPrivateKey   string        `json:"sshPrivateKey,omitempty"`
	MessagingToken  string        `json:"messagingToken,omitempty"`
	MessagingUserID string        `json:"messagingUserId,omitempty"`
	InstanceType    string        `json:"instanceType,omitempty"`
	Region          string        `json:"region,omitempty"`
}

type SetupResponse struct {
	SetupID  string        `json:"setupId"`
	Provider provider.Kind `json:"provider"`
}

type SetupStatusResponse struct {
	Status            store.Status  `json:"status"`
	Provider          provider.Kind `json:"provider"`
	VMCreated         bool          `json:"vmCreated"`
	AgentInstalled    bool          `json:"agentInstalled"`
	ChannelConfigured bool          `json:"channelConfigured"`
	GatewayStarted    bool          `json:"gatewayStarted"`
	InstanceID        string        `json:"instanceId,omitempty"`
	ErrorMessage      string        `json:"errorMessage,omitempty"`
}

type ErrorResponse struct {
	Error        string `json:"error"`
	NeedsUpgrade bool   `json:"needsUpgrade,omitempty"`
}

// Server is the control plane: provisioning API, setup status, and the
// interactive terminal endpoints.
type Server struct {
	cfg       *config.Config
	router    chi.Router
	providers map[provider.Kind]provider.Provider
	orch      *setup.Orchestrator
	sessions  *session.Registry
	tokens    *auth.TokenManager
	box       *secret.Box
	store     store.Store
	logger    *log.Logger
}

// NewServer wires the control plane routes.
func NewServer(cfg *config.Config, providers map[provider.Kind]provider.Provider, orch *setup.Orchestrator, st store.Store, tokens *auth.TokenManager, box *secret.Box, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		providers: providers,
		orch:      orch,
		sessions:  session.NewRegistry(),
		tokens:    tokens,
		box:       box,
		store:     st,
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(metricsMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Method("GET", "/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.tokens))

		r.Post("/instances", s.handleCreateInstance)
		r.Get("/instances", s.handleListInstances)
		r.Get("/instances/{id}", s.handleGetInstance)
		r.Delete("/instances/{id}", s.handleDeleteInstance)

		r.Post("/setup", s.handleStartSetup)
		r.Get("/setup/status", s.handleSetupStatus)

		r.Post("/terminal/connect", s.handleTerminalConnect)
		r.Get("/terminal/stream", s.handleTerminalStream)
		r.Post("/terminal/input", s.handleTerminalInput)
		r.Post("/terminal/resize", s.handleTerminalResize)
		r.Post("/terminal/disconnect", s.handleTerminalDisconnect)
		r.Post("/terminal/heartbeat", s.handleTerminalHeartbeat)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	prov, ok := s.lookupProvider(req.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	name := req.Name
	if name == "" {
		name = "clawd-" + auth.UserID(r.Context())
	}
	inst, _, err := prov.CreateInstance(r.Context(), provider.InstanceConfig{
		Name:   name,
		Type:   req.Type,
		Region: req.Region,
	})
	if err != nil {
		if provider.IsBilling(err) {
			writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
				Error:        "instance class requires a payment method on the provider account",
				NeedsUpgrade: true,
			})
			return
		}
		s.logger.Printf("create instance failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create instance")
		return
	}

	metrics.InstancesCreated.WithLabelValues(string(prov.Kind())).Inc()
	writeJSON(w, http.StatusCreated, CreateInstanceResponse{
		ID:        inst.ID,
		Provider:  inst.Provider,
		Status:    inst.Status,
		Addr:      inst.Addr,
		CreatedAt: inst.CreatedAt,
	})
}

// handleListInstances reports the instances backing the caller's setup
// record. The control plane provisions at most one host per user, so the
// list has zero or one entries.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	out := []CreateInstanceResponse{}
	rec, err := s.store.Get(r.Context(), auth.UserID(r.Context()))
	if err == nil && rec.InstanceID != "" {
		prov, ok := s.providers[rec.Provider]
		if ok {
			if inst, err := prov.GetInstance(r.Context(), rec.InstanceID); err == nil {
				out = append(out, CreateInstanceResponse{
					ID:        inst.ID,
					Provider:  inst.Provider,
					Status:    inst.Status,
					Addr:      inst.Addr,
					CreatedAt: inst.CreatedAt,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	prov, ok := s.lookupProvider(provider.Kind(r.URL.Query().Get("provider")))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	inst, err := prov.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	prov, ok := s.lookupProvider(provider.Kind(r.URL.Query().Get("provider")))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	if err := prov.DeleteInstance(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	metrics.InstancesDeleted.WithLabelValues(string(prov.Kind())).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartSetup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := req.Provider
	if kind == "" {
		kind = s.cfg.DefaultProvider
	}
	userID := auth.UserID(r.Context())

	h, err := s.orch.Start(r.Context(), setup.Request{
		UserID:          userID,
		Provider:        kind,
		APICredential:   req.APICredential,
		SSHPrivateKey:   []byte(req.SSHPrivateKey),
		SSHUser:         s.cfg.SSH.User,
		MessagingToken:  req.MessagingToken,
		MessagingUserID: req.MessagingUserID,
		InstanceType:    req.InstanceType,
		Region:          req.Region,
	})
	if err != nil {
		if errors.Is(err, setup.ErrInProgress) {
			writeError(w, http.StatusConflict, "setup already running")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.SetupsStarted.WithLabelValues(string(kind)).Inc()
	go s.observeSetup(h, kind, time.Now())

	writeJSON(w, http.StatusAccepted, SetupResponse{SetupID: h.UserID, Provider: kind})
}

func (s *Server) observeSetup(h *setup.Handle, kind provider.Kind, started time.Time) {
	<-h.Done()
	metrics.SetupDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())

	rec, err := s.store.Get(context.Background(), h.UserID)
	if err != nil {
		return
	}
	metrics.SetupsCompleted.WithLabelValues(string(kind), string(rec.Status)).Inc()
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, "no setup record")
		return
	}
	writeJSON(w, http.StatusOK, SetupStatusResponse{
		Status:            rec.Status,
		Provider:          rec.Provider,
		VMCreated:         rec.VMCreated,
		AgentInstalled:    rec.AgentInstalled,
		ChannelConfigured: rec.ChannelConfigured,
		GatewayStarted:    rec.GatewayStarted,
		InstanceID:        rec.InstanceID,
		ErrorMessage:      rec.ErrorMessage,
	})
}

// lookupProvider resolves a provider kind, defaulting to the configured
// one.
func (s *Server) lookupProvider(kind provider.Kind) (provider.Provider, bool) {
	if kind == "" {
		kind = s.cfg.DefaultProvider
	}
	p, ok := s.providers[kind]
	return p, ok
}

// startSessionReaper closes sessions whose heartbeat went stale.
func (s *Server) startSessionReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Session.ReapInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.ReapIdle(s.cfg.Session.IdleTimeout.Std()); n > 0 {
				s.logger.Printf("reaped %d idle sessions", n)
				metrics.IdleSessionsReaped.Add(float64(n))
				metrics.ActiveSessions.Set(float64(s.sessions.Len()))
			}
		}
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message})
}
