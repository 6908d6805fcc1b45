package server

import (
	"context"
	"net/http"
	"time"

	"github.com/billingworks/rebill/internal/config"
	"github.com/billingworks/rebill/internal/observability"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http.request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

type Server struct {
	engine    *gin.Engine
	db        *gorm.DB
	log       *zap.Logger
	rebillSvc rebilldomain.Service
	subSvc    subscriptiondomain.Service
}

type ServerParams struct {
	fx.In

	Engine          *gin.Engine
	DB              *gorm.DB
	Log             *zap.Logger
	RebillSvc       rebilldomain.Service
	SubscriptionSvc subscriptiondomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:    p.Engine,
		db:        p.DB,
		log:       p.Log.Named("server"),
		rebillSvc: p.RebillSvc,
		subSvc:    p.SubscriptionSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/rebills/trigger", s.triggerRebill)
	v1.GET("/rebills/stats", s.rebillStats)

	v1.GET("/subscriptions", s.listSubscriptions)
	v1.GET("/subscriptions/:id", s.getSubscription)
	v1.GET("/subscriptions/:id/rebills", s.subscriptionRebills)
	v1.POST("/subscriptions/:id/status", s.transitionSubscription)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, srv *Server) {
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http.listen_failed", zap.Error(err))
				}
			}()
			log.Info("http.listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	})
}
