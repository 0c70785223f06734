package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"investor-ledger/internal/billing"
	"investor-ledger/internal/cache"
	"investor-ledger/internal/database"
	"investor-ledger/internal/ledger"
	"investor-ledger/internal/logging"
	"investor-ledger/internal/performance"
	"investor-ledger/internal/recalc"
	"investor-ledger/internal/settlement"
	"investor-ledger/internal/transactions"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker func(ctx context.Context) error

// CacheStatus is the view of the TWR result cache /health reports on.
type CacheStatus interface {
	Ping(ctx context.Context) error
	GetStats() cache.Stats
}

// Services are the ledger operations exposed over HTTP
type Services struct {
	Store        database.Store
	Recalc       *recalc.Engine
	Transactions *transactions.Processor
	Fees         *billing.Engine
	Daily        *settlement.Applicator
	Performance  *performance.Service
	Scheduler    *billing.Scheduler // optional
	Health       HealthChecker      // optional
	Cache        CacheStatus        // optional
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	svc        Services
	config     ServerConfig
	logger     zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Location       *time.Location
}

// NewServer creates a new API server
func NewServer(config ServerConfig, svc Services, logger zerolog.Logger) *Server {
	// Set Gin mode
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	router := gin.New()

	// Middleware
	router.Use(logging.GinMiddleware(logger))
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		svc:    svc,
		config: config,
		logger: logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		// Investors
		api.POST("/investors", s.handleSaveInvestor)
		api.GET("/investors/:id/portfolio", s.handleGetPortfolio)
		api.POST("/investors/:id/recalculate", s.handleRecalculate)
		api.GET("/investors/:id/twr", s.handleInvestorTWR)

		// Deposit and withdrawal requests
		requests := api.Group("/requests")
		{
			requests.POST("", s.handleCreateRequest)
			requests.GET("/:id", s.handleGetRequest)
			requests.POST("/:id/approve", s.handleApproveRequest)
			requests.POST("/:id/reject", s.handleRejectRequest)
			requests.POST("/:id/reverse-deposit", s.handleReverseDeposit)
			requests.POST("/:id/reverse-withdrawal", s.handleReverseWithdrawal)
		}

		// Trading fees
		api.GET("/investors/:id/trading-fees/next", s.handleNextFeePeriod)
		api.POST("/investors/:id/trading-fees", s.handleApplyTradingFee)
		api.POST("/trading-fees/:id/void", s.handleVoidTradingFee)
		api.GET("/trading-fees/scheduler", s.handleSchedulerStatus)

		// Daily operating results
		api.POST("/daily-results/preview", s.handlePreviewDailyResult)
		api.POST("/daily-results", s.handleApplyDailyResult)

		// Platform
		api.GET("/platform/twr", s.handlePlatformTWR)
	}
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	readTimeout := s.config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.svc.Health != nil {
		if err := s.svc.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
			})
			return
		}
	}

	body := gin.H{
		"status":   "healthy",
		"database": "healthy",
		"time":     time.Now().Format(time.RFC3339),
	}
	// A degraded cache only costs latency, so it never fails the check.
	if s.svc.Cache != nil {
		state := "healthy"
		if err := s.svc.Cache.Ping(ctx); err != nil {
			state = "degraded"
		}
		body["cache"] = gin.H{
			"status": state,
			"stats":  s.svc.Cache.GetStats(),
		}
	}
	c.JSON(http.StatusOK, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// statusFor maps the ledger error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState), errors.Is(err, ledger.ErrDuplicatePeriod):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidNetWithdrawal),
		errors.Is(err, ledger.ErrInvalidReversal),
		errors.Is(err, ledger.ErrNoProfit),
		errors.Is(err, ledger.ErrNoEligibleInvestors):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// failure writes err with its mapped status. Unexpected errors are logged and
// their detail withheld.
func (s *Server) failure(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error().Err(err).Msg("Request failed")
		errorResponse(c, status, "internal error")
		return
	}
	errorResponse(c, status, err.Error())
}

// parseDate parses YYYY-MM-DD in the ledger timezone
func (s *Server) parseDate(v string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(v), s.config.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, expected YYYY-MM-DD", ledger.ErrValidation, v)
	}
	return t, nil
}

// parseTimestamp accepts RFC 3339 or a bare date. dateOnly reports the latter.
func (s *Server) parseTimestamp(v string) (t time.Time, dateOnly bool, err error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	t, err = s.parseDate(v)
	return t, err == nil, err
}
