package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
	"github.com/TemporalDynamics/ecosign-sub001/tracing"
)

// AnchorSubmitter submits a document to an anchor network
type AnchorSubmitter interface {
	Submit(ctx context.Context, documentID, network, actor string) (handlers.AppendResult, error)
}

// HeartbeatSource reports when a background component last ran
type HeartbeatSource interface {
	Heartbeat(ctx context.Context, component string) (time.Time, error)
}

// Pinger checks a backing service for the readiness probe
type Pinger func(ctx context.Context) error

// Dependencies wires the server to the ledger. Submitter, Heartbeat, Tracer
// and Ping are optional.
type Dependencies struct {
	Gateway   *handlers.AppendGateway
	Documents *handlers.DocumentHandler
	Reader    eventstore.Reader
	Submitter AnchorSubmitter
	Heartbeat HeartbeatSource
	Tracer    tracing.Tracer
	Ping      Pinger
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.Config, deps Dependencies) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}

	server := &Server{
		cfg:    cfg,
		router: gin.New(),
		deps:   deps,
		now:    func() time.Time { return time.Now().UTC() },
	}

	// Setup middleware
	server.setupMiddleware()

	// Setup routes
	server.setupRoutes()

	return server
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())

	if s.cfg.Server.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.Server.CorsOrigins))
	}

	s.router.Use(gin.Recovery())

	if app := s.deps.Tracer.Application(); app != nil {
		s.router.Use(nrgin.Middleware(app))
	}

	s.router.Use(LoggingMiddleware())
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/health", s.health)

	// API v1 group
	v1 := s.router.Group("/api/v1")

	documentRoutes := v1.Group("/documents")
	{
		documentRoutes.POST("", s.createDocument)
		documentRoutes.GET("/:id", s.getDocumentStatus)
		documentRoutes.GET("/:id/events", s.getDocumentEvents)
		documentRoutes.POST("/:id/events", s.appendEvent)
		documentRoutes.POST("/:id/nda", s.acceptNDA)
		documentRoutes.POST("/:id/signatures", s.recordSignature)
		documentRoutes.POST("/:id/timestamp", s.attachTimestamp)
		documentRoutes.GET("/:id/download", s.download)
		documentRoutes.POST("/:id/anchors/:network", s.submitAnchor)
		documentRoutes.POST("/:id/anchors/:network/cancel", s.cancelAnchor)
	}

	anchorRoutes := v1.Group("/anchors")
	{
		anchorRoutes.GET("/health", s.anchorHealth)
		anchorRoutes.GET("", s.listAnchors)
	}

	v1.POST("/verify/timestamp", s.verifyTimestamp)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.Timeout,
		WriteTimeout: s.cfg.Server.Timeout,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Server.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestContext bounds a handler's work by the configured server timeout
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.Server.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

// respondAppend writes an append result; a replayed event is 200, a new one 201
func respondAppend(c *gin.Context, result handlers.AppendResult) {
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func actorFrom(c *gin.Context, fallback string) string {
	if actor := c.GetHeader("X-Actor"); actor != "" {
		return actor
	}
	if fallback != "" {
		return fallback
	}
	return "api"
}
