package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/casetrail/audit-api/internal/handler/prometheus"
	"github.com/casetrail/audit-api/internal/middleware"
	"github.com/casetrail/audit-api/internal/model"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine    *gin.Engine
	auth      *middleware.AuthMiddleware
	audit     *middleware.AuditMiddleware
	authH     Handler
	auditH    Handler
	securityH Handler
	healthH   Handler
	metricsH  *prometheus.Handler
}

type Config struct {
	RateLimit float64
	RateBurst int
	CORS      middleware.CORSConfig
	Timeout   time.Duration
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	audit *middleware.AuditMiddleware,
	authH Handler,
	auditH Handler,
	securityH Handler,
	healthH Handler,
	metricsH *prometheus.Handler,
	cfg Config,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	r := &Router{
		engine:    engine,
		auth:      auth,
		audit:     audit,
		authH:     authH,
		auditH:    auditH,
		securityH: securityH,
		healthH:   healthH,
		metricsH:  metricsH,
	}

	engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.ErrorHandler(),
		metricsH.Middleware(),
		middleware.Timeout(cfg.Timeout),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.CORS(cfg.CORS),
	)

	if cfg.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  rate.Limit(cfg.RateLimit),
			Burst: cfg.RateBurst,
		})
		engine.Use(limiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	r.healthH.RegisterRoutes(r.engine.Group(""))
	r.engine.GET("/metrics", r.metricsH.Handler())

	api := r.engine.Group("/api/v1")
	r.authH.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(r.auth.Authenticate())
	r.auditH.RegisterRoutes(protected)
	r.securityH.RegisterRoutes(protected)

	// Example PHI surface: case-record routes whose sole job here is to be
	// audited, risk-scored and export-gated.
	records := protected.Group("/records")
	{
		records.GET("/:id", r.audit.Audit(model.AuditResourceClient), passthrough)
		records.GET("/:id/export",
			r.audit.BlockCheck(model.AuditResourceClient, model.AuditActionExport),
			r.audit.Audit(model.AuditResourceClient, model.AuditActionExport),
			passthrough)
	}
}

// passthrough stands in for routes proxied to the case-management backend.
func passthrough(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
