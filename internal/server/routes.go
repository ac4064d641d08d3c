package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatroom/internal/api"
)

// EngineOptions selects the optional route groups of NewEngine.
type EngineOptions struct {
	Auth   *api.AuthHandler
	Events *api.EventsHandler
	// InternalSecret guards /internal/events. The group is not mounted
	// when it is empty.
	InternalSecret string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewEngine builds the gin engine with the WebSocket endpoint, health
// checks, session endpoints and internal event hooks.
func NewEngine(gw *Gateway, opts EngineOptions) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/", BannerHandler)
	r.GET("/api/health", gw.HealthHandler)
	r.GET("/ws/chat", gin.WrapH(gw))

	if opts.Auth != nil {
		auth := r.Group("/api/auth")
		auth.POST("/login", opts.Auth.Login)
		auth.POST("/logout", opts.Auth.Logout)
		auth.GET("/me", opts.Auth.Me)
	}

	if opts.Events != nil && opts.InternalSecret != "" {
		events := r.Group("/internal/events", api.InternalAuth(opts.InternalSecret))
		events.POST("/friend", opts.Events.Friend)
		events.POST("/group", opts.Events.Group)
		events.POST("/presence", opts.Events.PresenceChange)
	} else if opts.Events != nil {
		log.Warn("internal event hooks disabled: no internal secret configured")
	}

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Info("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
