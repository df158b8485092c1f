package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"healthdash/internal/config"
	"healthdash/internal/db"
)

const (
	contextKeyIdentity = "identity"
	contextKeyLogger   = "logger"
	requestIDHeader    = "X-Request-ID"
)

type App struct {
	cfg      config.Config
	pool     *pgxpool.Pool
	log      zerolog.Logger
	store    Store
	identity IdentityResolver
	ai       CompletionClient
	now      func() time.Time
}

type Option func(*App)

func WithStore(store Store) Option {
	return func(a *App) { a.store = store }
}

func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(a *App) { a.identity = resolver }
}

func WithCompletionClient(client CompletionClient) Option {
	return func(a *App) { a.ai = client }
}

func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

func New(cfg config.Config, pool *pgxpool.Pool, logger zerolog.Logger, opts ...Option) *App {
	app := &App{
		cfg:  cfg,
		pool: pool,
		log:  logger,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(app)
	}
	if app.store == nil {
		app.store = NewPGStore(pool)
	}
	if app.identity == nil {
		app.identity = NewIdentityResolver(cfg)
	}
	if app.ai == nil {
		app.ai = NewCompletionClient(cfg)
	}
	return app
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(a.corsConfig()))
	router.Use(a.requestLogger())

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.POST("/health-analysis", a.healthAnalysis)
	api.GET("/reports", a.listReports)
	api.DELETE("/reports/:id", a.deleteReport)
	api.GET("/gamification/me", a.getGamification)

	return router
}

func (a *App) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{"Content-Length", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	origins := a.cfg.CORSAllowOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  a.cfg.AppName,
		"database": db.Health(c.Request.Context(), a.pool),
	})
}

// requestLogger tags every request with an id and a scoped logger.
func (a *App) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		logger := a.log.With().Str("request_id", requestID).Logger()
		c.Set(contextKeyLogger, logger)

		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func requestLogger(c *gin.Context) zerolog.Logger {
	if raw, ok := c.Get(contextKeyLogger); ok {
		if logger, ok := raw.(zerolog.Logger); ok {
			return logger
		}
	}
	return zerolog.Nop()
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "No authorization header")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "No authorization header")
			return
		}

		identity, err := a.identity.Resolve(c.Request.Context(), tokenString)
		if err != nil {
			logger := requestLogger(c)
			logger.Warn().Err(err).Msg("bearer token rejected")
			writeError(c, http.StatusUnauthorized, errorKindDetail[kindUnauthorized])
			return
		}

		c.Set(contextKeyIdentity, identity)
		c.Next()
	}
}

func identityFromContext(c *gin.Context) (Identity, bool) {
	raw, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	identity, ok := raw.(Identity)
	return identity, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"error": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}
