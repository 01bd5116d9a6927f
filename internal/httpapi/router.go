package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"labtrack/internal/auth"
	"labtrack/internal/httpmiddleware"
)

// Options carries the settings the router needs.
type Options struct {
	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	MemberLogWindow int
	LogWindow       int
	RateLimitPerMin int
	Metrics         http.Handler
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// NewRouter builds the gin engine with every route mounted.
func NewRouter(h *Handler, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Retry-After"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	r.GET("/healthz", h.Healthz)

	limiter := httpmiddleware.NewSimpleTokenBucket(opts.RateLimitPerMin, opts.RateLimitPerMin)

	r.POST("/v1/stations/register", limiter.GinMiddleware(httpmiddleware.ByClientIP), h.RegisterStation)

	v1 := r.Group("/v1", auth.Bearer(opts.JWTSigningKey, opts.JWTIssuer), limiter.GinMiddleware(httpmiddleware.BySubject))
	{
		v1.POST("/scans", auth.RequireRole(auth.RoleStation), h.Scan)

		admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
		admin.GET("/members", h.ListMembers)
		admin.POST("/members", h.CreateMember)
		admin.GET("/members/:id", h.GetMember)
		admin.PATCH("/members/:id", h.UpdateMember)
		admin.POST("/members/:id/qr", h.IssueQR)
		admin.GET("/members/:id/qr.png", h.BadgePNG)
		admin.POST("/members/:id/photo", h.UploadPhoto)
		admin.GET("/members/:id/logs", h.MemberLogs)
		admin.GET("/logs", h.RecentLogs)
		admin.GET("/dashboard", h.Dashboard)
		admin.GET("/dashboard/stream", h.DashboardStream)
	}
	return r
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
