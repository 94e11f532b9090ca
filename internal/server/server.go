package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/taskhub/taskhub/internal/config"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/orchestrator"
	"github.com/taskhub/taskhub/internal/pushsubscription"
	"github.com/taskhub/taskhub/internal/ratelimit"
	"github.com/taskhub/taskhub/pkg/cerr"
	"github.com/taskhub/taskhub/pkg/clog"
)

// Server is the JSON API for task submission, queries, and the review bridge.
type Server struct {
	server   *http.Server
	env      *config.Env
	orch     *orchestrator.Orchestrator
	pushRepo pushsubscription.Repository
	bus      *eventbus.Bus
	limiter  ratelimit.Limiter
}

func NewServer(env *config.Env, orch *orchestrator.Orchestrator, pushRepo pushsubscription.Repository, bus *eventbus.Bus, limiter ratelimit.Limiter) *Server {
	return &Server{
		env:      env,
		orch:     orch,
		pushRepo: pushRepo,
		bus:      bus,
		limiter:  limiter,
	}
}

// Handler assembles the full middleware-wrapped handler. Exposed so tests
// can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		r.With(s.rateLimitMiddleware).Post("/tasks", s.handleSubmit)
		r.Get("/tasks", s.handleList)
		r.Get("/tasks/{token}", s.handleQuery)
		r.Post("/tasks/{token}/clarify", s.handleClarify)
		r.Post("/tasks/{token}/cancel", s.handleCancel)
		r.Post("/reviews/{id}/approve", s.handleApprove)
		r.Post("/reviews/{id}/reject", s.handleReject)
		r.Get("/status", s.handleStatus)
		r.Get("/push/vapid-public-key", s.handleVAPIDPublicKey)
		r.Post("/push/subscribe", s.handleSubscribe)
		r.Post("/push/unsubscribe", s.handleUnsubscribe)
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

// ListenAndServe starts the HTTP server. The provided context is the base
// context for all incoming requests; cancelling it unblocks long handlers so
// shutdown does not have to wait for them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if apiKey != s.env.APIKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":    cerr.Unauthenticated.String(),
				"message": "invalid api key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Requester")
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		allowed, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			// A broken limiter backend must not take submissions down with it.
			slog.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			cerr.SetNewJSONError(r.Context(), cerr.ResourceExhausted, "too many submissions, slow down", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Description string `json:"description"`
	Requester   string `json:"requester"`
	Priority    string `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	if req.Requester == "" {
		req.Requester = r.Header.Get("X-Requester")
	}
	res, err := s.orch.Submit(ctx, req.Description, req.Requester, req.Priority)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	snapshots, err := s.orch.ListRecent(ctx, limit)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": snapshots})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.orch.QueryStatus(ctx, chi.URLParam(r, "token"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snap)
}

type clarifyRequest struct {
	Answers []string `json:"answers"`
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	snap, err := s.orch.ProvideClarification(ctx, chi.URLParam(r, "token"), req.Answers)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.orch.Cancel(ctx, chi.URLParam(r, "token"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snap)
}

type reviewRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	snap, err := s.orch.ApproveArtifact(ctx, chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snap)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	snap, err := s.orch.RejectArtifact(ctx, chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, err := s.orch.SystemStatus(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, status)
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), map[string]string{"public_key": s.env.VAPIDPublicKey})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "endpoint and keys are required", nil)
		return
	}

	// Re-subscribing with the same endpoint replaces the old registration.
	if existing, err := s.pushRepo.FindByEndpoint(ctx, req.Endpoint); err == nil {
		if err := s.pushRepo.Delete(ctx, existing.ID); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}

	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.Keys.P256dh,
		AuthKey:   req.Keys.Auth,
		CreatedAt: time.Now(),
	}
	if err := s.pushRepo.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.bus.PublishNew(eventbus.EventTypePushSubscribed, sub.ID, "", nil)
	cerr.SetJSONResponse(ctx, map[string]string{"id": sub.ID})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "malformed request body", err)
		return
	}
	if err := s.pushRepo.DeleteByEndpoint(ctx, req.Endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	s.bus.PublishNew(eventbus.EventTypePushUnsubscribed, req.Endpoint, "", nil)
	cerr.SetJSONResponse(ctx, map[string]string{"status": "unsubscribed"})
}
