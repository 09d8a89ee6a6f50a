package api

import (
	"context"
	"net/http"
	"time"

	"example.com/fooddelivery/services/orders/config"
	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/search"
	"example.com/fooddelivery/services/orders/internal/services"
	"example.com/fooddelivery/services/orders/internal/tracing"
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	orders     *services.OrderService
	tracking   search.TrackingReader
	bus        bus.Bus
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.ServerConfig,
	orders *services.OrderService,
	tracking search.TrackingReader,
	b bus.Bus,
	m *metrics.Metrics,
	tracer *tracing.Tracer,
) *Server {
	if tracking == nil {
		tracking = search.NoopIndex{}
	}
	s := &Server{
		config:   cfg,
		orders:   orders,
		tracking: tracking,
		bus:      b,
		metrics:  m,
		tracer:   tracer,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), Recover(), Logger(), CORS(s.config.CorsOrigins), Metrics(s.metrics))
	if app := s.tracer.App(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	router.GET("/health", s.health)
	router.GET("/metrics", s.metricsHandler)

	v1 := router.Group("/api/v1")
	NewOrderHandler(s.orders, s.tracking).RegisterRoutes(v1)

	return router
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Bus      string `json:"bus"`
}

// health reports 503 when the store is down. A disconnected bus only degrades
// the service because committed events wait in the outbox.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Bus: string(s.bus.State())}
	status := http.StatusOK

	if err := s.orders.Healthy(ctx); err != nil {
		log.Warn().Err(err).Msg("Health check: database unavailable")
		resp.Status, resp.Database = "unavailable", "unavailable"
		status = http.StatusServiceUnavailable
		s.metrics.SetHealth("database", false)
	} else {
		s.metrics.SetHealth("database", true)
	}

	busHealthy := s.bus.State().Healthy()
	s.metrics.SetHealth("bus", busHealthy)
	if !busHealthy && status == http.StatusOK {
		resp.Status = "degraded"
	}

	c.JSON(status, resp)
}

func (s *Server) metricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.GetAllMetrics())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
