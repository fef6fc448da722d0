package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/smallbiznis/lingora/internal/billing/domain"
	"github.com/smallbiznis/lingora/internal/config"
	entitlementdomain "github.com/smallbiznis/lingora/internal/entitlement/domain"
	evaluationdomain "github.com/smallbiznis/lingora/internal/evaluation/domain"
	examsessiondomain "github.com/smallbiznis/lingora/internal/examsession/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	sessions     examsessiondomain.Service
	entitlements entitlementdomain.Service
	queue        evaluationdomain.Queue
	billing      billingdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Sessions     examsessiondomain.Service
	Entitlements entitlementdomain.Service
	Queue        evaluationdomain.Queue
	Billing      billingdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		sessions:     p.Sessions,
		entitlements: p.Entitlements,
		queue:        p.Queue,
		billing:      p.Billing,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")

	// Signature verification for webhooks happens upstream; no user identity
	// is attached to provider deliveries.
	api.POST("/billing/webhooks/:provider", s.handleWebhook)

	authed := api.Group("", IdentityMiddleware())
	authed.POST("/sessions", s.startSession)
	authed.GET("/sessions/active", s.resumeSession)
	authed.POST("/sessions/:id/modules/:module/start", s.startModule)
	authed.POST("/sessions/:id/modules/:module/complete", s.completeModule)
	authed.POST("/evaluations", s.submitEvaluation)
	authed.GET("/evaluations/:id", s.jobStatus)
	authed.GET("/entitlements", s.getEntitlements)
}
