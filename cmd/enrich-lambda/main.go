// Command enrich-lambda retries content-address enrichment for files whose
// background upload never completed. It runs as an AWS Lambda function,
// typically on an EventBridge schedule.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/server"
	"github.com/dmitrijs2005/memoryweaver/internal/server/config"
	"github.com/dmitrijs2005/memoryweaver/internal/server/metrics"
)

// configEnv names the config file the function loads.
const configEnv = "MEMORYWEAVER_CONFIG"

func main() {
	var args []string
	if path := os.Getenv(configEnv); path != "" {
		args = []string{"-c", path}
	}
	cfg, err := config.Load(args)
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, "json")
	db, memories, err := server.NewPipeline(context.Background(), cfg, logger, metrics.New())
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer db.Close()

	h := &handler{
		retrier:   memories,
		olderThan: cfg.EnrichRetryAfter,
		limit:     cfg.EnrichRetryBatch,
		logger:    logger,
	}
	lambda.Start(h.Handle)
}
