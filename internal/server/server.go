package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_autoclose/pkg/errors"
)

const readyTimeout = 2 * time.Second

// Pinger reports whether the database answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports whether the broker can publish
type HealthChecker interface {
	Healthy() bool
}

// Syncer is the trigger monitor's wake-up hook
type Syncer interface {
	Notify()
	ActiveSubscribers() int
}

// Server is the admin HTTP server
type Server struct {
	logger     *zap.Logger
	db         Pinger
	broker     HealthChecker
	monitor    Syncer
	httpServer *http.Server
}

// NewServer creates the admin server. monitor may be nil when the
// trigger monitor is disabled in this process.
func NewServer(addr string, logger *zap.Logger, db Pinger, broker HealthChecker, monitor Syncer) *Server {
	s := &Server{
		logger:  logger.Named("admin"),
		db:      db,
		broker:  broker,
		monitor: monitor,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router creates the HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("autoclose-admin"))
	router.Use(cors.Default())

	router.GET("/healthz", s.handleHealth)
	router.GET("/readyz", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/internal/sync", s.handleSync)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := gin.H{}
	ready := true
	if err := s.db.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}
	if s.broker.Healthy() {
		checks["broker"] = "ok"
	} else {
		checks["broker"] = "unavailable"
		ready = false
	}
	if s.monitor != nil {
		checks["active_subscribers"] = s.monitor.ActiveSubscribers()
	}

	if !ready {
		s.problem(c, errors.NewServiceUnavailableError(errors.TypeNotReady, "dependency check failed", c.Request.URL.Path).
			WithExtra("ready", false).
			WithExtra("checks", checks))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "checks": checks})
}

func (s *Server) handleSync(c *gin.Context) {
	if s.monitor == nil {
		s.problem(c, errors.NewServiceUnavailableError(errors.TypeMonitorDisabled,
			"trigger monitor is not running in this process", c.Request.URL.Path))
		return
	}
	s.monitor.Notify()
	c.JSON(http.StatusAccepted, gin.H{"status": "sync scheduled"})
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Admin server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) problem(c *gin.Context, p *errors.ProblemDetails) {
	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("Failed to encode problem", zap.Error(err))
		c.Status(p.Status)
		return
	}
	c.Data(p.Status, errors.ContentTypeProblem, body)
}
