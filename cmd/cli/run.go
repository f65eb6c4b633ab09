package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inboxflow/internal/config"
	"inboxflow/internal/handlers"
	"inboxflow/internal/middleware"
	"inboxflow/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var (
	autoMigrate bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the webhook server, notifier hub and enrollment sweeper",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "run database migration before serving")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	log := a.logger

	var stopTracing observability.ShutdownFunc
	shutdownTracing, err := observability.SetupTracing(ctx, a.cfg)
	if err != nil {
		log.Warnf("init tracing: %v", err)
	} else {
		stopTracing = shutdownTracing
	}
	// 单一收尾入口，顺序见 app.shutdown
	defer a.shutdown(stopTracing)

	if autoMigrate {
		if err := ensureSchema(a.db, log); err != nil {
			return err
		}
	}

	go a.hub.Run()

	if err := a.sweeper.Start(a.cfg.Automation.SweepSchedule); err != nil {
		return fmt.Errorf("start enrollment sweeper: %w", err)
	}

	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler: setupRouter(a),
	}

	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
	return nil
}

func setupRouter(a *app) *gin.Engine {
	cfg := a.cfg
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(observability.ServiceName(cfg)))
	}

	health := handlers.NewHealthHandler(cfg, a.db, a.redisCmdable(), a.logger)
	health.AddStats("websocket", a.hub)
	health.AddStats("dispatcher", a.dispatcher)
	health.AddStats("ai_providers", a.providers)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		router.GET(metricsPath(cfg), health.Metrics)
	}

	handlers.RegisterWebhookRoutes(router, handlers.NewWebhookHandler(cfg, a.pipeline, a.logger))

	api := router.Group("/api/v1")
	{
		api.GET("/ws", middleware.AuthMiddleware(cfg), a.hub.HandleWebSocket)
		handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(a.settings, a.funnels, a.runs, a.reconciler, a.logger))
	}
	return router
}

func metricsPath(cfg *config.Config) string {
	if cfg.Monitoring.MetricsPath == "" {
		return "/metrics"
	}
	return cfg.Monitoring.MetricsPath
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
