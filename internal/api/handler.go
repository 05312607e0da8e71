package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"execution-core/internal/dispatch"
	"execution-core/internal/events"
	"execution-core/internal/liveness"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/pkg/db"
)

// Dispatcher is the inbound signal surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig model.Signal) (*dispatch.Future, error)
	Cancel(correlationID string) error
	Lookup(correlationID string) (model.ExecutionResult, bool)
	Pending() int
}

// Sessions is the operator view of the session manager.
type Sessions interface {
	Sessions() []model.SessionInfo
	Snapshot(accountID string) (model.SessionInfo, error)
	Enable(ctx context.Context, accountID string) error
	Disable(ctx context.Context, accountID, reason string) error
}

// Server wires HTTP endpoints around the liveness store, session manager and dispatcher.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	Queries    *db.Queries
	Live       *liveness.Store
	Sessions   Sessions
	Dispatcher Dispatcher
	Metrics    *monitor.SystemMetrics
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	DryRun  bool
	Driver  string
	Version string
}

func NewServer(bus *events.Bus, queries *db.Queries, live *liveness.Store, sessions Sessions, dispatcher Dispatcher, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware(rate.Limit(20), 50))

	s := &Server{
		Router:     r,
		Bus:        bus,
		Queries:    queries,
		Live:       live,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.GET("/metrics", s.promMetrics)

	api := s.Router.Group("/api")
	{
		api.GET("/liveness", s.listLiveness)
		api.GET("/liveness/:key", s.getLiveness)
		api.GET("/sessions", s.listSessions)
		api.GET("/executions", s.listExecutions)
		api.GET("/executions/:correlation_id", s.getExecution)
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/signals", s.createSignal)
			protected.POST("/signals/:correlation_id/cancel", s.cancelSignal)
			protected.POST("/accounts/:id/enable", s.enableAccount)
			protected.POST("/accounts/:id/disable", s.disableAccount)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"dry_run": s.Meta.DryRun,
		"driver":  s.Meta.Driver,
		"version": s.Meta.Version,
	}
	if s.Dispatcher != nil {
		resp["pending_signals"] = s.Dispatcher.Pending()
	}
	c.JSON(http.StatusOK, resp)
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
