// Package apiserver exposes the community webhook, the admin operations and
// the metrics endpoint over HTTP.
package apiserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/apiserver/handlers"
	"github.com/pathfinder/pathfinder/pkg/apiserver/middleware"
	"github.com/pathfinder/pathfinder/pkg/auth"
	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/ingest"
)

type Pipeline interface {
	ProcessWebhook(ctx context.Context, payload ingest.WebhookPayload) (ingest.Result, error)
	Reprocess(ctx context.Context, rawEventID uint64) (ingest.Result, error)
}

type Dependencies struct {
	Pipeline Pipeline
	Planner  handlers.Planner
	Digests  handlers.BatchRunner
	Reports  handlers.BatchRunner
	Stats    handlers.StatsSource
	Tokens   middleware.TokenValidator
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(deps Dependencies, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(s.cfg.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhookHandler := handlers.NewWebhookHandler(s.deps.Pipeline, s.logger)
	r.POST("/webhooks/community", middleware.WebhookToken(s.cfg.Auth.WebhookToken), webhookHandler.Community)

	admin := r.Group("/admin")
	{
		adminHandler := handlers.NewAdminHandler(
			s.deps.Pipeline,
			s.deps.Planner,
			s.deps.Digests,
			s.deps.Reports,
			s.deps.Stats,
			s.logger,
		)
		admin.POST("/events/:id/process", middleware.Auth(s.deps.Tokens, auth.ScopeEvents), adminHandler.ProcessEvent)
		admin.POST("/digests/send", middleware.Auth(s.deps.Tokens, auth.ScopeDigests), adminHandler.SendDigests)
		admin.POST("/reports/generate", middleware.Auth(s.deps.Tokens, auth.ScopeReports), adminHandler.GenerateReport)
		admin.GET("/stats", middleware.Auth(s.deps.Tokens, auth.ScopeStats), adminHandler.Stats)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
