// Package server exposes the governance core over HTTP: identity
// registration and verification, policy management and evaluation, audit
// queries and export, and trust signals and scores.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentmesh/agentmesh/internal/health"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/policy"
	"github.com/agentmesh/agentmesh/internal/webhooks"
)

// Config holds the HTTP surface settings.
type Config struct {
	CORSOrigins  []string
	RateLimitRPS int
	// AdminSecret guards destructive routes. Empty disables them.
	AdminSecret string
}

// Server wires the mesh components into HTTP handlers.
type Server struct {
	mesh      *mesh.Mesh
	approvals *policy.ApprovalManager
	rotator   *identity.Rotator
	webhooks  *webhooks.Service
	checker   *health.Checker
	cfg       Config

	// adminHash is the bcrypt hash of the admin secret, computed once at
	// startup so request handling never sees the plaintext.
	adminHash []byte
	logger    *zap.Logger
}

// New creates a Server.
func New(m *mesh.Mesh, approvals *policy.ApprovalManager, cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{mesh: m, approvals: approvals, cfg: cfg, logger: logger}
	if cfg.AdminSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.adminHash = hash
	}
	return s, nil
}

// TrackCredentials wires a Rotator so credentials issued over HTTP are
// renewed before expiry.
func (s *Server) TrackCredentials(ro *identity.Rotator) {
	s.rotator = ro
}

// EnableWebhooks mounts admin-guarded webhook subscription routes. Call
// before Router.
func (s *Server) EnableWebhooks(svc *webhooks.Service) {
	s.webhooks = svc
}

// SetHealthChecker folds the audit integrity checker's status into
// /healthz. Without one, /healthz reports liveness only.
func (s *Server) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// Router builds the gin engine with the full middleware stack and routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Admin-Secret"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(s.cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(securityHeaders())
	router.Use(bodyLimit(1 << 20))

	if s.cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", s.health)
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	s.registerIdentityRoutes(v1)
	s.registerPolicyRoutes(v1)
	s.registerAuditRoutes(v1)
	s.registerTrustRoutes(v1)
	if s.webhooks != nil {
		webhooks.NewHandler(s.webhooks).Register(v1.Group("", s.adminOnly()))
	}
	return router
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":     "ok",
		"audit_head": s.mesh.Audit().Head(),
	}
	code := http.StatusOK
	if s.checker != nil {
		st := s.checker.Current()
		resp["audit_integrity"] = st
		if !st.Healthy {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

// adminOnly guards destructive routes with the admin secret. With no
// secret configured the routes are disabled outright.
func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminHash == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin routes disabled"})
			return
		}
		secret := c.GetHeader("X-Admin-Secret")
		if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(secret)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
			return
		}
		c.Next()
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
