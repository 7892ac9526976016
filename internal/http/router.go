// Package httpapi wires the HTTP transport (Gin) to the identity service,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, redacted logging, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/docs"
	"github.com/tbourn/identity-reconciler/internal/config"
	"github.com/tbourn/identity-reconciler/internal/domain"
	"github.com/tbourn/identity-reconciler/internal/http/handlers"
	"github.com/tbourn/identity-reconciler/internal/http/middleware"
	"github.com/tbourn/identity-reconciler/internal/keylock"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/services"
)

// contactRepoShim adapts the repository free functions to the
// services.ContactRepo interface expected by the IdentityService.
type contactRepoShim struct{}

func (contactRepoShim) FindMatching(ctx context.Context, db *gorm.DB, email, phone string) ([]domain.Contact, error) {
	return repo.FindMatching(ctx, db, email, phone)
}

func (contactRepoShim) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Contact, error) {
	return repo.FindByID(ctx, db, id)
}

func (contactRepoShim) FindRelated(ctx context.Context, db *gorm.DB, id int64, email, phone string) ([]domain.Contact, error) {
	return repo.FindRelated(ctx, db, id, email, phone)
}

func (contactRepoShim) InsertContact(ctx context.Context, db *gorm.DB, email, phone *string, linkedID *int64, precedence domain.Precedence) (*domain.Contact, error) {
	return repo.InsertContact(ctx, db, email, phone, linkedID, precedence)
}

func (contactRepoShim) UpdateLink(ctx context.Context, db *gorm.DB, id int64, linkedID *int64, precedence domain.Precedence) error {
	return repo.UpdateLink(ctx, db, id, linkedID, precedence)
}

// maxBodyBytes caps request bodies. An identify payload is two short strings.
const maxBodyBytes = 64 << 10

// allowHeaders and exposeHeaders are shared by both CORS branches.
var (
	allowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"If-None-Match", middleware.HeaderClientID, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders = []string{"X-Request-ID", "ETag", "Idempotency-Replayed", "Retry-After", "Content-Length"}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the identity API under cfg.APIBasePath.
//
// locker may be nil to run without per-key locking. checks are added to the
// readiness probe next to the database ping.
//
// The client IP only honors forwarding headers from cfg.TrustedProxies.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Compression
//  8. Rate limiter (per client IP)
//  9. Idempotency validator (its lookup hits the store)
//  10. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, locker keylock.Locker, cfg config.Config, checks map[string]handlers.Pinger) {
	r.HandleMethodNotAllowed = true
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Error().Err(err).Msg("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderClientID},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	r.Use(rl.Handler())

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, clientID, key string, now time.Time) (int64, bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, clientID, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			return rec.PrimaryContactID, true, nil
		},
	))

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Responses carry emails and phone numbers: never cache them in shared
	// caches. Conditional GETs still work through ETag.
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStore:       true,
		EnablePolicy:  true,
		ExposeHeaders: []string{"ETag", "Idempotency-Replayed"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	ready := map[string]handlers.Pinger{
		"db": func(ctx context.Context) error { return repo.Ping(ctx, db) },
	}
	for name, p := range checks {
		ready[name] = p
	}
	r.GET("/health", handlers.Health)
	r.GET("/ready", handlers.Ready(ready))

	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = apiBase
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	idSvc := services.NewIdentityService(db, contactRepoShim{}, locker)
	if n := cfg.Reconcile.MaxClusterSize; n > 0 {
		idSvc.MaxClusterSize = n
	}
	if n := cfg.Reconcile.MaxDiscoveryQueries; n > 0 {
		idSvc.MaxDiscoveryQueries = n
	}
	if n := cfg.Reconcile.ConflictRetries; n >= 0 {
		idSvc.ConflictRetries = n
	}
	h := handlers.New(idSvc, db, cfg.IdempotencyTTL)

	api := groupWithPrefix(r, apiBase)
	{
		api.POST("/identify", h.Identify)
		api.GET("/contacts/:id", h.GetContact)
	}
}

// limitBody caps the request body size to maxBytes using
// http.MaxBytesReader. Oversized bodies fail to decode downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
