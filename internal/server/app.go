// Package server wires the Memory Weaver components together and runs the
// HTTP API, the gRPC health service and the maintenance jobs until the
// process is asked to stop.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dmitrijs2005/memoryweaver/internal/bot"
	"github.com/dmitrijs2005/memoryweaver/internal/interaction"
	"github.com/dmitrijs2005/memoryweaver/internal/ipfs"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/objectstore"
	"github.com/dmitrijs2005/memoryweaver/internal/server/config"
	"github.com/dmitrijs2005/memoryweaver/internal/server/httpapi"
	"github.com/dmitrijs2005/memoryweaver/internal/server/jobs"
	"github.com/dmitrijs2005/memoryweaver/internal/server/metrics"
	"github.com/dmitrijs2005/memoryweaver/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/memoryweaver/internal/server/services"
	"github.com/dmitrijs2005/memoryweaver/internal/sessions"
	"github.com/dmitrijs2005/memoryweaver/internal/tracing"
	"github.com/dmitrijs2005/memoryweaver/internal/validator"

	gs "github.com/dmitrijs2005/memoryweaver/internal/server/grpc"
)

// Version is stamped at build time.
var Version = "dev"

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	memories  *services.MemoryService
	bot       *bot.Bot
	http      *httpapi.Server
	grpc      *gs.GRPCServer
	scheduler *jobs.Scheduler

	shutdownTracing tracing.ShutdownFunc
}

func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()
	logger := logging.New(os.Stdout, c.LogLevel, c.LogFormat)

	shutdownTracing, err := tracing.Setup(ctx, c.OTLPEndpoint, Version)
	if err != nil {
		return nil, fmt.Errorf("tracing init error: %w", err)
	}

	m := metrics.New()

	db, memories, err := NewPipeline(ctx, c, logger, m)
	if err != nil {
		return nil, err
	}
	validation := ValidationConfig(c)

	sessionStore, err := newSessionStore(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store init error: %w", err)
	}
	sessionManager := sessions.NewManager(sessionStore, c.SessionTTL, logger)
	uploads := services.NewUploadSessionService(sessionManager, memories, validation, c.MaxFilesPerSession, logger)

	var interactionStore interaction.Store = interaction.NewMemoryStore()
	if c.InteractionCacheSize > 0 {
		interactionStore = interaction.NewLRUStore(c.InteractionCacheSize, c.InteractionLifetime)
	}
	tracker := interaction.NewTracker(interactionStore,
		interaction.NewDiscordResponder(c.DiscordAPIBase, c.DiscordAppID, nil),
		interaction.WithLifetime(c.InteractionLifetime),
		interaction.WithLogger(logger),
		interaction.WithObserver(m),
	)
	b := bot.New(tracker, memories, &http.Client{Timeout: 2 * time.Minute}, c.AttachmentMaxBytes, logger)

	var dispatcher httpapi.Dispatcher
	if c.DiscordAppID != "" {
		dispatcher = b
	}
	hs, err := httpapi.New(httpapi.Options{
		Address:          c.HTTPAddr,
		SecretKey:        c.SecretKey,
		DiscordPublicKey: c.DiscordPublicKey,
		MaxUploadBytes:   maxUploadBytes(validation),
		ShutdownTimeout:  c.ShutdownTimeout,
	}, memories, uploads, dispatcher, m.Handler(), logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("http server init error: %w", err)
	}

	grpcServer := gs.NewGRPCServer(c.GRPCAddr, logger)

	scheduler := jobs.NewScheduler(logger)
	for _, j := range []jobs.Job{
		jobs.SessionSweep(c.SweepSchedule, sessionManager, m),
		jobs.InteractionSweep(c.SweepSchedule, tracker, m),
		jobs.ContentStoreHealth(c.HealthSchedule, memories, grpcServer, logger),
		jobs.EnrichmentRetry(c.EnrichRetrySchedule, memories, c.EnrichRetryAfter, c.EnrichRetryBatch, m),
	} {
		if err := scheduler.Register(j); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &App{
		config:          c,
		logger:          logger,
		db:              db,
		memories:        memories,
		bot:             b,
		http:            hs,
		grpc:            grpcServer,
		scheduler:       scheduler,
		shutdownTracing: shutdownTracing,
	}, nil
}

// NewPipeline opens and migrates the metadata database and builds the
// upload pipeline over the object store and the IPFS client. The caller
// owns the returned db.
func NewPipeline(ctx context.Context, c *config.Config, logger logging.Logger, m *metrics.Metrics) (*sql.DB, *services.MemoryService, error) {
	db, rm, err := repomanager.Open(ctx, c.DatabaseDriver, c.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db init error: %w", err)
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations error: %w", err)
	}

	objects, err := objectstore.New(ctx, objectstore.Options{
		AccessKey: c.S3RootUser,
		SecretKey: c.S3RootPassword,
		Bucket:    c.S3Bucket,
		Region:    c.S3Region,
		Endpoint:  c.S3BaseEndpoint,
		PublicURL: c.S3PublicURL,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("object store init error: %w", err)
	}

	content, err := ipfs.NewClient(ipfs.Options{
		APIURL:          c.IPFSAPIURL,
		GatewayTemplate: c.IPFSGatewayTemplate,
		Retries:         c.IPFSRetries,
		UploadTimeout:   c.IPFSUploadTimeout,
		ProbeTimeout:    c.IPFSProbeTimeout,
		Pin:             c.IPFSPin,
		ProbeOrigin:     c.IPFSOrigin,
		Strategies: ipfs.SelectStrategies(
			ipfs.DefaultStrategies(c.IPFSOrigin, c.IPFSToken, c.IPFSHeaderName),
			c.IPFSStrategies,
		),
		Logger:   logger,
		Observer: m,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ipfs client init error: %w", err)
	}

	metadata := services.NewMetadataService(db, rm)
	memories := services.NewMemoryService(metadata, objects, content, ValidationConfig(c),
		services.WithMemoryLogger(logger), services.WithObserver(m))
	return db, memories, nil
}

// ValidationConfig turns the upload settings into validator rules. Unset
// extensions default to every extension of the allowed categories.
func ValidationConfig(c *config.Config) validator.Config {
	cfg := validator.DefaultConfig()
	if len(c.AllowedCategories) > 0 {
		cats := make([]validator.Category, 0, len(c.AllowedCategories))
		for _, v := range c.AllowedCategories {
			cats = append(cats, validator.Category(v))
		}
		cfg.AllowedCategories = cats
		cfg.AllowedExtensions = validator.ExtensionsFor(cats)
	}
	if len(c.AllowedExtensions) > 0 {
		cfg.AllowedExtensions = c.AllowedExtensions
	}
	for k, v := range c.MaxSizeBytes {
		cfg.MaxSizeBytes[validator.Category(k)] = v
	}
	if c.DefaultMaxSizeBytes > 0 {
		cfg.DefaultMaxSizeBytes = c.DefaultMaxSizeBytes
	}
	return cfg
}

// maxUploadBytes is the largest ceiling any category allows.
func maxUploadBytes(cfg validator.Config) int64 {
	n := cfg.DefaultMaxSizeBytes
	for _, v := range cfg.MaxSizeBytes {
		if v > n {
			n = v
		}
	}
	return n
}

func newSessionStore(ctx context.Context, c *config.Config) (sessions.Store, error) {
	if c.SessionTable == "" {
		return sessions.NewMemoryStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.S3Region))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(c.DynamoEndpoint)
		}
	})
	return sessions.NewDynamoStore(client, c.SessionTable), nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.http.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.grpc.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "version", Version)

	app.initSignalHandler(cancelFunc)

	if err := app.scheduler.Start(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.shutdown()
}

// shutdown drains background work once the listeners are closed.
func (app *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer cancel()

	if err := app.scheduler.Stop(ctx); err != nil {
		app.logger.Warn(ctx, "jobs did not stop in time", "error", err)
	}
	if err := app.bot.Wait(ctx); err != nil {
		app.logger.Warn(ctx, "commands still running at shutdown", "error", err)
	}
	if err := app.memories.Wait(ctx); err != nil {
		app.logger.Warn(ctx, "content-address uploads still running at shutdown", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close", "error", err)
	}
	if err := app.shutdownTracing(ctx); err != nil {
		app.logger.Warn(ctx, "tracing shutdown", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
}
