package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/internal/config"
	"github.com/DevnProgg/MyPay/internal/di"
	"github.com/DevnProgg/MyPay/pkg/log"
)

func setupRouter(c *di.Container) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	c.Handler.RegisterRoutes(r)
	return r
}

func main() {
	cfg := config.Load()
	log.Init("mypay-api", logOptions(cfg)...)
	logger := log.GetLogger()

	ctx := context.Background()
	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build container")
	}
	defer container.Close()

	if !cfg.Server.Local() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := setupRouter(container)

	// RUN_LOCAL=true serves HTTP directly and runs the webhook retry scanner in process.
	if cfg.Server.Local() {
		runLocal(ctx, cfg, container, r, &logger)
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func runLocal(ctx context.Context, cfg *config.Config, c *di.Container, r *gin.Engine, logger *zerolog.Logger) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go c.Scheduler.Run(ctx)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to run local server")
		}
	}()
	logger.Info().Str("addr", server.Addr).Msg("running local server")

	<-ctx.Done()
	logger.Info().Msg("server is shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down server")
	}
	logger.Info().Msg("server stopped")
}

func logOptions(cfg *config.Config) []log.LoggerOption {
	opts := []log.LoggerOption{log.WithLevelName(cfg.Log.Level)}
	if cfg.Log.File != "" {
		opts = append(opts, log.WithFileLogger(cfg.Log.File))
	}
	if config.Bool(cfg.Log.Console) {
		opts = append(opts, log.WithConsoleLogger())
	}
	return opts
}
