package beebot

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPathHealth           = "/api/health"
	apiPathStatus           = "/api/status"
	apiPathPause            = "/api/pause"
	apiPathResume           = "/api/resume"
	apiPathQuit             = "/api/quit"
	apiPathRegisterCommands = "/api/commands/register"
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// API is the backend status and control server. All endpoints other
// than the health check require the configured bearer token.
type API struct {
	config *APIConfig
	engine *gin.Engine
	logger *slog.Logger
	bot    *BeeBot

	httpServer *http.Server
	listener   net.Listener

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

func newAPI(b *BeeBot, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		bot:            b,
		requestMetrics: map[string]int{},
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "api"),
	}

	api.httpServer = &http.Server{
		Addr:         config.Listen,
		Handler:      r,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ReadTimeout:  config.ReadTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealth, api.healthCheck)

	protected := r.Group("")
	protected.Use(authMiddleware(config))
	protected.GET(apiPathStatus, api.getStatus)
	protected.POST(apiPathPause, api.botPause)
	protected.POST(apiPathResume, api.botResume)
	protected.POST(apiPathQuit, api.botQuit)
	protected.POST(apiPathRegisterCommands, api.registerCommands)

	return api
}

// Serve begins listening and serving the API.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		ln, err := net.Listen(network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// botStatus is the payload returned by the status endpoint.
type botStatus struct {
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	Paused           bool      `json:"paused"`
	DiscordConnected bool      `json:"discord_connected"`
	GatewayConnects  int64     `json:"gateway_connects"`
	GatewayDrops     int64     `json:"gateway_drops"`

	RemindersArmed     int   `json:"reminders_armed"`
	RemindersDelivered int64 `json:"reminders_delivered"`
	ReminderFailures   int64 `json:"reminder_failures"`
}

func (a *API) getStatus(c *gin.Context) {
	b := a.bot
	status := botStatus{
		StartedAt:        b.startedAt,
		UptimeSeconds:    int64(time.Since(b.startedAt).Seconds()),
		Paused:           b.paused.Load(),
		DiscordConnected: b.discord.connected.Load(),
		GatewayConnects:  b.discord.metricConnects.Load(),
		GatewayDrops:     b.discord.metricDisconnects.Load(),
	}
	if b.scheduler != nil {
		status.RemindersArmed = b.scheduler.ArmedCount()
		status.RemindersDelivered = b.scheduler.Delivered()
		status.ReminderFailures = b.scheduler.DeliveryFailures()
	}
	c.JSON(http.StatusOK, status)
}

func (a *API) botPause(c *gin.Context) {
	if a.bot.Pause(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"message": "paused"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "already paused"})
}

func (a *API) botResume(c *gin.Context) {
	if a.bot.Resume(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"message": "resumed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "not paused"})
}

func (a *API) botQuit(c *gin.Context) {
	ginContextLogger(c, a.logger).Warn("quit requested via api")
	a.bot.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "stopping"})
}

func (a *API) registerCommands(c *gin.Context) {
	if err := a.bot.discord.registerCommands(c.Request.Context()); err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error registering commands"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "commands registered"})
}

// authMiddleware rejects requests without the configured bearer token.
// If no token is configured, every control endpoint is rejected.
func authMiddleware(config *APIConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.Token == "" {
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				gin.H{"error": "api token not configured"},
			)
			return
		}
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || subtle.ConstantTimeCompare(
			[]byte(token),
			[]byte(config.Token),
		) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns a logger with request details included,
// caching it in the gin context for subsequent calls.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
