// Package agentserver hosts the remote planning backend the resolver escalates
// to. It accepts raw browser context and returns a validated plan.
package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tabi/internal/config"
	"tabi/internal/inference"
	"tabi/internal/interactions"
)

// HealthStatus is the body of the health route.
const HealthStatus = "Tabi's backend is live!"

// maxBody bounds an /agent request. Bookmark trees can be large.
const maxBody = 8 << 20

// InteractionStore persists anonymized interaction records.
type InteractionStore interface {
	Insert(ctx context.Context, rec interactions.Record) error
	Recent(ctx context.Context, limit int) ([]interactions.Record, error)
}

// Server serves the agent API.
type Server struct {
	cfg      config.AgentConfig
	planner  Planner
	store    InteractionStore
	limiters *clientLimiters
	logger   *zap.Logger
	handler  http.Handler
	now      func() time.Time
}

// New wires the routes. store may be nil, which disables the interaction log.
func New(cfg config.AgentConfig, planner Planner, store InteractionStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		planner:  planner,
		store:    store,
		limiters: newClientLimiters(cfg.RateLimit, cfg.Burst),
		logger:   logger.Named("agent"),
		now:      time.Now,
	}

	router := mux.NewRouter()
	router.HandleFunc("/", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/agent", s.handleAgent).Methods(http.MethodPost)
	if store != nil {
		router.HandleFunc("/interactions", s.handleInteractions).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	})
	s.handler = c.Handler(router)
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("agent backend listening", zap.String("addr", s.cfg.Listen))

	select {
	case <-ctx.Done():
		s.logger.Info("agent backend shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": HealthStatus})
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req inference.AgentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	key := req.Context.ClientID
	if key == "" {
		key = remoteHost(r)
	}
	if !s.limiters.allow(key) {
		s.logger.Debug("rate limited", zap.String("client", key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx := r.Context()
	if timeout := s.cfg.GetTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := s.now()
	plan, err := s.planner.Plan(ctx, req)
	if err != nil {
		s.logger.Error("planning failed", zap.String("client", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("plan served",
		zap.String("client", key),
		zap.String("action", string(plan.Action)),
		zap.Float64("confidence", plan.Confidence),
		zap.Duration("elapsed", s.now().Sub(start)))

	if s.store != nil {
		rec := interactions.Build(uuid.NewString(), req.Prompt, plan, req.Context.Tabs, s.cfg.IncludeRawOutput, s.now())
		if err := s.store.Insert(ctx, rec); err != nil {
			s.logger.Warn("interaction not stored", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing interactions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []interactions.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"interactions": records, "count": len(records)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimiters holds one token bucket per client key. A non-positive rate
// disables limiting.
type clientLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientLimiters(perSecond float64, burst int) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiters{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiters) allow(key string) bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[key] = l
	}
	c.mu.Unlock()
	return l.Allow()
}
