package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/DevnProgg/MyPay/internal/config"
	"github.com/DevnProgg/MyPay/internal/di"
	"github.com/DevnProgg/MyPay/pkg/log"
)

func main() {
	cfg := config.Load()
	opts := []log.LoggerOption{log.WithLevelName(cfg.Log.Level)}
	if cfg.Log.File != "" {
		opts = append(opts, log.WithFileLogger(cfg.Log.File))
	}
	if config.Bool(cfg.Log.Console) {
		opts = append(opts, log.WithConsoleLogger())
	}
	log.Init("mypay-worker", opts...)
	logger := log.GetLogger()

	ctx := context.Background()
	container, err := di.NewContainer(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build container")
	}
	defer container.Close()

	p := NewProcessor(container.Webhooks, config.Int(cfg.Webhooks.BatchSize, 100))

	// RUN_LOCAL=true runs one invocation from LOCAL_EVENT_BODY, or a single due scan.
	if cfg.Server.Local() {
		body := os.Getenv("LOCAL_EVENT_BODY")
		if body == "" {
			body = `{"detail-type":"Scheduled Event"}`
		}
		out, err := p.Invoke(ctx, json.RawMessage(body))
		if err != nil {
			logger.Fatal().Err(err).Msg("local handler error")
		}
		logger.Info().Interface("result", out).Msg("local invocation finished")
		return
	}

	lambda.Start(p.Invoke)
}
