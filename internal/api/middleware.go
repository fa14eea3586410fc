package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/policy"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	claimsKey    = "claims"
	requestIDKey = "request_id"
)

// bearerToken extracts a token from the Authorization header, falling back
// to the token query parameter used by browser websockets.
func bearerToken(ctx *gin.Context) (string, bool) {
	header := ctx.GetHeader("Authorization")
	if header == "" {
		token := ctx.Query("token")
		return token, token != ""
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware creates Gin middleware for JWT authentication.
func AuthMiddleware(tokens *TokenService) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, ok := bearerToken(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or malformed authentication token",
			})
			return
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token",
			})
			return
		}

		ctx.Set(claimsKey, claims)
		ctx.Next()
	}
}

// RequirePermission creates Gin middleware that asks the policy whether the
// caller's role holds permission.
func RequirePermission(authz *policy.Authorizer, permission string, logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := claimsFrom(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}

		allowed, err := authz.Allow(ctx.Request.Context(), policy.Input{
			UserID:     claims.UserID,
			Role:       claims.Role,
			Permission: permission,
			Method:     ctx.Request.Method,
			Path:       ctx.FullPath(),
		})
		if err != nil {
			logger.Error().Err(err).Str("permission", permission).Msg("Policy evaluation failed")
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "server_error",
				"message": "Authorization check failed",
			})
			return
		}
		if !allowed {
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Role " + claims.Role + " lacks " + permission,
			})
			return
		}

		ctx.Next()
	}
}

func claimsFrom(ctx *gin.Context) *Claims {
	value, ok := ctx.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*Claims)
	return claims
}

// actor names the caller for audit fields.
func actor(ctx *gin.Context) string {
	if claims := claimsFrom(ctx); claims != nil {
		if claims.Username != "" {
			return claims.Username
		}
		return claims.UserID
	}
	return "device"
}

// RequestIDMiddleware tags every request with an X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header("X-Request-ID", id)
		ctx.Next()
	}
}

// LoggingMiddleware logs each request and records HTTP metrics.
func LoggingMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := ctx.Writer.Status()
		elapsed := time.Since(start)

		metrics.RequestsTotal.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(ctx.Request.Method, route).Observe(elapsed.Seconds())

		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("request_id", ctx.GetString(requestIDKey)).
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Str("remote_addr", ctx.ClientIP()).
			Int("status", status).
			Int("size", ctx.Writer.Size()).
			Dur("duration", elapsed).
			Msg("API request")
	}
}

// RateLimiter hands out a token bucket per client key. Idle buckets expire.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	visitors *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter allows perSecond requests per key with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: expirable.NewLRU[string, *rate.Limiter](4096, nil, 10*time.Minute),
	}
}

// Allow reports whether key may make another request now.
func (l *RateLimiter) Allow(key string) bool {
	limiter, ok := l.visitors.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.visitors.Add(key, limiter)
	}
	return limiter.Allow()
}

// RateLimitMiddleware creates Gin middleware for per-IP rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.Allow(ctx.ClientIP()) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests, please try again later",
			})
			return
		}
		ctx.Next()
	}
}

// CORSMiddleware creates Gin middleware for CORS support.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")

		if originAllowed(allowedOrigins, origin) {
			ctx.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			ctx.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			ctx.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			ctx.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}

		ctx.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
