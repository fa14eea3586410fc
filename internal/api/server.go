// Package api exposes the session engine over HTTP and websockets.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/goodtune/tvbill/internal/catalog"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/discovery"
	"github.com/goodtune/tvbill/internal/expiry"
	"github.com/goodtune/tvbill/internal/policy"
	"github.com/goodtune/tvbill/internal/presence"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/session"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/rs/zerolog"
)

// Deps holds everything the HTTP layer calls into.
type Deps struct {
	Sessions       *session.Service
	Presence       *presence.Monitor
	Discovery      *discovery.Service
	Expiry         *expiry.Sweeper
	Devices        storage.DeviceStore
	Catalog        *catalog.Catalog
	Hub            *realtime.Hub
	Tokens         *TokenService
	Policy         *policy.Authorizer
	Limiter        *RateLimiter
	AllowedOrigins []string
	Clock          clock.Clock
	Logger         zerolog.Logger
}

// NewRouter builds the gin engine with every API route registered.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger.With().Str("component", "api").Logger()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(0, 0)
	}

	base := responder{logger: logger, validate: validator.New()}
	devices := &DeviceViews{
		responder: base,
		devices:   deps.Devices,
		presence:  deps.Presence,
		discovery: deps.Discovery,
	}
	sessions := &SessionViews{
		responder: base,
		sessions:  deps.Sessions,
		expiry:    deps.Expiry,
		catalog:   deps.Catalog,
		clock:     deps.Clock,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(logger))
	if len(deps.AllowedOrigins) > 0 {
		r.Use(CORSMiddleware(deps.AllowedOrigins))
	}

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	// Device endpoints carry no token and are throttled per client IP.
	public := api.Group("")
	public.Use(RateLimitMiddleware(deps.Limiter))
	{
		public.POST("/devices/discover", devices.Discover)
		public.POST("/devices/heartbeat/:key", devices.Heartbeat)
		public.GET("/devices/:key/active-session", sessions.ActiveForDevice)
	}

	api.GET("/ws", deps.Hub.ServeWS(wsRooms(deps.Tokens, deps.Policy, deps.Devices)))

	authed := api.Group("")
	authed.Use(AuthMiddleware(deps.Tokens))
	gate := func(permission string) gin.HandlerFunc {
		return RequirePermission(deps.Policy, permission, logger)
	}

	manage := authed.Group("/devices", gate(policy.DeviceManagement))
	{
		manage.GET("", devices.List)
		manage.DELETE("/:key", devices.Remove)
		manage.GET("/discoveries", devices.Discoveries)
		manage.GET("/discoveries/stats", devices.DiscoveryStats)
		manage.POST("/approve/:id", devices.Approve)
		manage.POST("/reject/:id", devices.Reject)
		manage.POST("/cleanup-discoveries", devices.Cleanup)
	}

	view := authed.Group("", gate(policy.SessionView))
	{
		view.GET("/packages", sessions.Packages)
		view.GET("/sessions", sessions.List)
		view.GET("/sessions/expired", sessions.Expired)
		view.GET("/sessions/:id", sessions.Get)
		view.GET("/sessions/:id/history", sessions.History)
		view.GET("/sessions/:id/orders", sessions.Orders)
	}

	manageSessions := authed.Group("/sessions", gate(policy.SessionManagement))
	{
		manageSessions.POST("", sessions.Start)
		manageSessions.POST("/:id/add-time", sessions.AddTime)
		manageSessions.POST("/:id/pause", sessions.Pause)
		manageSessions.POST("/:id/resume", sessions.Resume)
		manageSessions.POST("/:id/confirm-payment", sessions.ConfirmPayment)
		manageSessions.POST("/:id/cancel", sessions.Cancel)
		manageSessions.PUT("/:id/end", sessions.End)
		manageSessions.POST("/:id/end", sessions.End)
	}

	authed.POST("/sessions/:id/orders", gate(policy.OrderManagement), sessions.CreateOrder)

	return r
}

// wsRooms admits staff by token and TVs by registered device key.
func wsRooms(tokens *TokenService, authz *policy.Authorizer, devices storage.DeviceStore) realtime.RoomResolver {
	return func(ctx *gin.Context) ([]string, error) {
		if key := strings.TrimSpace(ctx.Query("device")); key != "" {
			device, err := devices.GetByKey(ctx.Request.Context(), key)
			if err != nil {
				return nil, fmt.Errorf("device %s is not registered", key)
			}
			return []string{realtime.RoomDevice, realtime.DeviceRoom(device.DeviceKey)}, nil
		}

		token, ok := bearerToken(ctx)
		if !ok {
			return nil, errors.New("missing token or device key")
		}
		claims, err := tokens.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		allowed, err := authz.Allow(ctx.Request.Context(), policy.Input{
			UserID:     claims.UserID,
			Role:       claims.Role,
			Permission: policy.Authenticated,
			Method:     ctx.Request.Method,
			Path:       ctx.FullPath(),
		})
		if err != nil || !allowed {
			return nil, fmt.Errorf("role %s may not subscribe", claims.Role)
		}
		return []string{realtime.RoleRoom(claims.Role)}, nil
	}
}

// OriginChecker matches websocket origins against the CORS allow list.
func OriginChecker(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		return originAllowed(allowed, origin)
	}
}

// Server is the API HTTP server.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer wraps the router in an http.Server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger.GetLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
}

// Serve accepts connections on listener, or on the configured address when
// listener is nil, until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	var err error
	if listener != nil {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting API server (socket activated)")
		err = s.server.Serve(listener)
	} else {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}
