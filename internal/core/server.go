package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/applemusic"
	"github.com/bouzou4/AppleMusic-MCP/internal/auth"
	"github.com/bouzou4/AppleMusic-MCP/internal/common/config"
	"github.com/bouzou4/AppleMusic-MCP/internal/mcp"
	"github.com/bouzou4/AppleMusic-MCP/pkg/metrics"
	"github.com/bouzou4/AppleMusic-MCP/pkg/version"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Server is the HTTP front of the authorization server and tool bridge.
type Server struct {
	logger    *zap.Logger
	cfg       *config.APIServerConfig
	router    *gin.Engine
	auth      auth.OAuth2
	apple     auth.ExternalOAuth
	devTokens applemusic.TokenSource
	tools     *mcp.Handler
	metrics   *metrics.Metrics
	httpSrv   *http.Server
	staticDir string
}

// NewServer assembles the HTTP server from its collaborators. apple may be
// nil when the Sign in with Apple path is not configured.
func NewServer(
	logger *zap.Logger,
	cfg *config.APIServerConfig,
	oauth auth.OAuth2,
	apple auth.ExternalOAuth,
	devTokens applemusic.TokenSource,
	tools *mcp.Handler,
	m *metrics.Metrics,
) *Server {
	router := gin.New()

	s := &Server{
		logger:    logger.Named("core"),
		cfg:       cfg,
		router:    router,
		auth:      oauth,
		apple:     apple,
		devTokens: devTokens,
		tools:     tools,
		metrics:   m,
		staticDir: "static",
	}

	router.Use(s.loggerMiddleware())
	router.Use(s.recoveryMiddleware())
	if cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if m != nil {
		router.Use(m.Middleware())
	}

	return s
}

// RegisterRoutes wires all HTTP endpoints.
func (s *Server) RegisterRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Apple Music MCP Server",
			"version": version.Get(),
		})
	})
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   version.Get(),
		})
	})

	cors := s.corsMiddleware()
	s.router.OPTIONS("/*path", cors)

	group := s.router.Group("")
	group.Use(cors)

	group.GET("/.well-known/oauth-authorization-server", s.handleOAuthServerMetadata)
	group.POST("/oauth/register", s.handleOAuthRegister)
	group.GET("/oauth/authorize", s.handleOAuthAuthorize)
	group.POST("/oauth/musickit/callback", s.handleMusicKitCallback)
	group.GET("/oauth/apple/login", s.handleAppleLogin)
	group.GET("/oauth/apple/callback", s.handleAppleCallback)
	group.POST("/oauth/token", s.handleOAuthToken)
	group.POST("/oauth/revoke", s.handleOAuthRevoke)

	group.GET("/mcp/tools", s.handleListTools)
	group.POST("/mcp/call-tool", s.handleCallTool)

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.router.Static("/static", s.staticDir)
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
