package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/registry"
)

// Server wires HTTP endpoints around the order managers, the reconciliation
// service and the exchange registry.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Orders   map[string]*order.Manager
	Recon    *reconciliation.Service
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Meta     SystemMeta

	log      *zap.Logger
	limiters *ipLimiters
}

// SystemMeta describes runtime status exposed by /health.
type SystemMeta struct {
	Version     string
	DefaultMode string
	Started     time.Time
}

// Deps are the collaborators of a Server. Monitor and Bus are optional.
type Deps struct {
	Bus      *events.Bus
	Orders   map[string]*order.Manager
	Recon    *reconciliation.Service
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Log      *zap.Logger
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

func NewServer(deps Deps, meta SystemMeta) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	if meta.Started.IsZero() {
		meta.Started = time.Now().UTC()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}

	s := &Server{
		Router:   gin.New(),
		Bus:      deps.Bus,
		Orders:   deps.Orders,
		Recon:    deps.Recon,
		Registry: deps.Registry,
		Monitor:  deps.Monitor,
		Meta:     meta,
		log:      log,
		limiters: newIPLimiters(deps.RateLimit, deps.Burst),
	}

	var metrics *monitor.SystemMetrics
	var inst *monitor.Instruments
	if deps.Monitor != nil {
		metrics = deps.Monitor.Metrics()
		inst = deps.Monitor.Instruments()
	}

	// Middleware order matters: recovery first, ids before logging.
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(log, metrics, inst))
	s.Router.Use(RateLimitMiddleware(s.limiters, log))
	s.Router.Use(TimeoutMiddleware(deps.Timeout))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		orders := api.Group("/orders")
		{
			orders.POST("", s.placeOrder)
			orders.GET("", s.listActiveOrders)
			orders.GET("/analytics", s.getAnalytics)
			orders.GET("/:id", s.getOrder)
			orders.DELETE("/:id", s.cancelOrder)
		}

		recon := api.Group("/reconciliation")
		{
			recon.POST("/start", s.startReconciliation)
			recon.POST("/stop", s.stopReconciliation)
			recon.POST("/run", s.runReconciliation)
			recon.POST("/:mode/orders/:id", s.reconcileOrder)
			recon.GET("/:mode/history", s.reconciliationHistory)
			recon.POST("/:mode/records/:id/resolve", s.resolveRecord)
		}

		api.GET("/exchanges", s.listExchanges)
		api.POST("/exchanges/:name/test", s.testExchange)

		market := api.Group("/market/:symbol")
		{
			market.GET("/book", s.unifiedBook)
			market.GET("/arbitrage", s.arbitrage)
			market.GET("/best-venue", s.bestVenue)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"version": s.Meta.Version,
		"uptime":  time.Since(s.Meta.Started).Round(time.Second).String(),
		"modes":   s.modes(),
	}
	if s.Registry != nil {
		body["exchanges"] = s.Registry.Stats()
	}
	if s.Recon != nil {
		body["reconciliation_running"] = s.Recon.Running()
	}
	c.JSON(http.StatusOK, body)
}

// Handler exposes the router to an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

// Start serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
