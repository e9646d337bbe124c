// Package server wires the Connection Hub, Session Broker, and their
// collaborators into one HTTP/WebSocket listener for a single replica
// (spec §3's "replica" unit, §4.2/§4.3).
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fleethub/fleethub/internal/agentstore"
	"github.com/fleethub/fleethub/internal/authority"
	"github.com/fleethub/fleethub/internal/config"
	"github.com/fleethub/fleethub/internal/connhub"
	"github.com/fleethub/fleethub/internal/metrics"
	"github.com/fleethub/fleethub/internal/presence"
	"github.com/fleethub/fleethub/internal/sessionbroker"
	"github.com/fleethub/fleethub/internal/snapshotstore"
)

// Server is the replica process: one Connection Hub, one Session Broker,
// and the HTTP surface operators and agents connect through.
type Server struct {
	cfg *config.ServerConfig
	log zerolog.Logger

	db          *sql.DB
	presence    presence.Directory
	agents      *agentstore.Store
	snapshots   *snapshotstore.Store
	authority   authority.Authority
	metrics     *metrics.Registry
	promReg     *prometheus.Registry

	hub         *connhub.Hub
	broker      *sessionbroker.Broker
	transcripts *TranscriptLog

	rateLimiter *RateLimiter
	router      *chi.Mux
	httpServer  *http.Server
	cron        *cron.Cron

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

// New wires every collaborator and builds the router. db must already
// have agentstore and snapshotstore migrations applied.
func New(cfg *config.ServerConfig, db *sql.DB, log zerolog.Logger) (*Server, error) {
	log = log.With().Str("component", "server").Str("replica_id", cfg.ReplicaID).Logger()

	dir, err := newPresenceDirectory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("server: presence directory: %w", err)
	}

	agents := agentstore.New(db)
	snapshots := snapshotstore.New(db, cfg.SnapshotRetention)
	promReg := newPrometheusRegistry()
	reg := metrics.New(promReg)

	var auth authority.Authority
	switch cfg.AuthMode {
	case "static":
		auth = authority.NewStaticAuthority(cfg.StaticAuthSecret, agents)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		oidcAuth, err := authority.NewOIDCAuthority(ctx, cfg.OIDCIssuer, cfg.OIDCClientID, agents)
		if err != nil {
			return nil, fmt.Errorf("server: oidc discovery: %w", err)
		}
		auth = oidcAuth
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())

	transcripts, err := NewTranscriptLog(cfg.DataDir + "/transcripts")
	if err != nil {
		log.Warn().Err(err).Msg("transcript logging disabled")
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		db:          db,
		presence:    dir,
		agents:      agents,
		snapshots:   snapshots,
		authority:   auth,
		metrics:     reg,
		promReg:     promReg,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		transcripts: transcripts,
		hubCtx:      hubCtx,
		hubCancel:   hubCancel,
	}

	broker := sessionbroker.New(log, cfg.ReplicaID, dir, nil, reg, cfg.SessionIdleTimeout) // agents set after hub exists
	hub := connhub.New(log, connhub.Config{
		ReplicaID:        cfg.ReplicaID,
		Presence:         dir,
		Agents:           agents,
		Snapshots:        snapshots,
		Router:           broker,
		Metrics:          reg,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		EvictTimeout:     cfg.EvictTimeout,
	})
	broker.SetAgentSender(hub)

	s.hub = hub
	s.broker = broker

	s.setupRouter()
	s.setupCron()

	go func() {
		if err := hub.Run(hubCtx); err != nil {
			log.Error().Err(err).Msg("connection hub stopped")
		}
	}()

	return s, nil
}

func newPresenceDirectory(cfg *config.ServerConfig, log zerolog.Logger) (presence.Directory, error) {
	if cfg.UsesMemoryDirectory() {
		return presence.NewMemoryDirectory(cfg.PresenceTTL), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return presence.NewRedisDirectory(client, cfg.PresenceTTL, log), nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metricsHandler(s.promReg))

	r.Get("/ws", s.handleAgentWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)
		r.With(s.requireRateLimit).Get("/terminal/{agentID}", s.handleOperatorTerminal)
	})

	s.router = r
}

// securityHeaders mirrors the teacher's dashboard hardening headers.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// setupCron schedules snapshot retention pruning and the idle terminal
// session sweep, grounded on the pack's cron-based maintenance jobs
// (spec SPEC_FULL.md §C, `robfig/cron/v3`).
func (s *Server) setupCron() {
	s.cron = cron.New()
	_, _ = s.cron.AddFunc("@every 1m", func() {
		if _, err := s.snapshots.Prune(context.Background(), time.Now()); err != nil {
			s.log.Warn().Err(err).Msg("snapshot retention prune failed")
		}
	})
	_, _ = s.cron.AddFunc("@every 1m", func() {
		s.broker.SweepIdle(time.Now())
	})
	s.cron.Start()
}

// Run starts the HTTP listener and blocks until it exits.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the Connection Hub and stops the HTTP listener within
// ctx's deadline (spec §5 T_drain).
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the HTTP handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Presence exposes the presence directory for tests that need to observe
// agent online/offline transitions directly.
func (s *Server) Presence() presence.Directory { return s.presence }

func isWebSocketOrigin(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
