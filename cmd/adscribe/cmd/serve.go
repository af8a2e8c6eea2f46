package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adscribe/adscribe/internal/cleanup"
	"github.com/adscribe/adscribe/internal/database"
	"github.com/adscribe/adscribe/internal/database/migrations"
	"github.com/adscribe/adscribe/internal/gcloud"
	internalhttp "github.com/adscribe/adscribe/internal/http"
	"github.com/adscribe/adscribe/internal/http/handlers"
	"github.com/adscribe/adscribe/internal/httpclient"
	"github.com/adscribe/adscribe/internal/media"
	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/captionrating"
	"github.com/adscribe/adscribe/internal/pipeline/stages/extractaudio"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/imagecaptioning"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/keyframeselection"
	"github.com/adscribe/adscribe/internal/pipeline/stages/objectdetection"
	"github.com/adscribe/adscribe/internal/pipeline/stages/ocrextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/scenesegmentation"
	"github.com/adscribe/adscribe/internal/pipeline/stages/speechtotext"
	"github.com/adscribe/adscribe/internal/pipeline/stages/textsummarization"
	"github.com/adscribe/adscribe/internal/pipeline/stages/uploadydx"
	"github.com/adscribe/adscribe/internal/pool"
	"github.com/adscribe/adscribe/internal/queue"
	"github.com/adscribe/adscribe/internal/repository"
	"github.com/adscribe/adscribe/internal/services"
	"github.com/adscribe/adscribe/internal/version"
	"github.com/adscribe/adscribe/internal/worker"
	"github.com/adscribe/adscribe/internal/ydx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the adscribe server",
	Long: `Start the adscribe intake API, pipeline workers, and cleanup supervisor.

The server provides:
- Intake endpoints for requesting, inspecting, and cancelling descriptions
- Health check endpoint at /health
- OpenAPI documentation at /openapi.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	setupLogging(cfg)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database and durable state.
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	jobRepo := repository.NewJobRepository(db.DB)
	stageRepo := repository.NewStageRepository(db.DB)
	subscriberRepo := repository.NewSubscriberRepository(db.DB)
	taskRepo := repository.NewTaskRepository(db.DB)

	artifactsRoot := cfg.Storage.EffectiveArtifactsRoot()
	if err := os.MkdirAll(artifactsRoot, 0o755); err != nil {
		return fmt.Errorf("creating artifacts root: %w", err)
	}

	// Media tooling. ffmpeg, ffprobe, and yt-dlp must be on PATH or named
	// via their environment variables.
	tools, err := media.NewDetector().Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting media tools: %w", err)
	}
	downloader := media.NewDownloader(tools, logger)
	ffmpeg := media.NewFFmpeg(tools, logger)

	// Google Cloud collaborators for speech recognition and OCR.
	speech, err := gcloud.NewSpeechClient(ctx, cfg.Google.CredentialsPath)
	if err != nil {
		return fmt.Errorf("creating speech client: %w", err)
	}
	defer speech.Close()

	vision, err := gcloud.NewVisionClient(ctx, cfg.Google.CredentialsPath)
	if err != nil {
		return fmt.Errorf("creating vision client: %w", err)
	}
	defer vision.Close()

	blobs, err := gcloud.NewBlobStore(ctx, cfg.Google.Bucket, cfg.Google.CredentialsPath)
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}
	defer blobs.Close()

	// Inference services behind the slot pool.
	infConfig := httpclient.DefaultConfig()
	infConfig.Timeout = cfg.Services.InferenceTimeout
	infConfig.Logger = logger
	infClient := httpclient.New(infConfig)

	svcPool, err := pool.New([]pool.Endpoint{
		{Name: pool.ServiceCaption, URL: cfg.Services.Caption.URL, Token: cfg.Services.Caption.Token, Limit: int64(cfg.Services.Caption.MaxConcurrency)},
		{Name: pool.ServiceRating, URL: cfg.Services.Rating.URL, Token: cfg.Services.Rating.Token, Limit: int64(cfg.Services.Rating.MaxConcurrency)},
		{Name: pool.ServiceDetect, URL: cfg.Services.Detect.URL, Token: cfg.Services.Detect.Token, Limit: int64(cfg.Services.Detect.MaxConcurrency)},
	}, infClient, logger,
		pool.WithHealthInterval(cfg.Services.HealthInterval),
		pool.WithFailureThreshold(cfg.Services.HealthFailureThreshold),
	)
	if err != nil {
		return fmt.Errorf("building service pool: %w", err)
	}

	captionClient := services.NewCaptionClient(svcPool, infClient)
	ratingClient := services.NewRatingClient(svcPool, infClient)
	detectClient := services.NewDetectClient(svcPool, infClient)

	webConfig := httpclient.DefaultConfig()
	webConfig.Logger = logger
	ydxClient := ydx.New(httpclient.New(webConfig), logger)

	// Pipeline stages in execution order.
	registry, err := core.NewRegistry(
		importvideo.New(downloader, ffmpeg, ffmpeg, cfg.Pipeline.DownloadTimeout),
		extractaudio.New(ffmpeg, cfg.Pipeline.AudioExtractTimeout),
		speechtotext.New(blobs, speech),
		frameextraction.New(ffmpeg, cfg.Pipeline.FrameExtractionRate),
		ocrextraction.New(vision),
		objectdetection.New(detectClient, cfg.Pipeline.DetectConfidenceThreshold),
		keyframeselection.New(),
		imagecaptioning.New(captionClient),
		captionrating.New(ratingClient, cfg.Pipeline.CaptionRatingThreshold),
		scenesegmentation.New(),
		textsummarization.New(),
		uploadydx.New(ydxClient, subscriberRepo),
	)
	if err != nil {
		return fmt.Errorf("building stage registry: %w", err)
	}

	runner := core.NewRunner(registry, jobRepo, stageRepo, artifactsRoot, core.RunnerConfig{
		MaxRetries: cfg.Pipeline.MaxRetries,
		RetryDelay: cfg.Pipeline.RetryDelay,
	}, logger)

	// Task queues and workers. The caption queue serializes GPU-bound work.
	generalQueue := queue.NewGormQueue("general", taskRepo,
		[]models.TaskType{models.TaskTypePipeline}, cfg.Queue.HighWater)
	captionQueue := queue.NewGormQueue("caption", taskRepo,
		[]models.TaskType{models.TaskTypeImageCaptioning, models.TaskTypeUploadOnly}, cfg.Queue.HighWater)
	router := queue.NewRouter(generalQueue, captionQueue)

	workerCfg := worker.Config{
		PollInterval:     cfg.Queue.PollInterval,
		CleanupOnFailure: cfg.Cleanup.OnFailure,
	}
	generalCfg := workerCfg
	generalCfg.Workers = cfg.Pipeline.MaxWorkers
	captionCfg := workerCfg
	captionCfg.Workers = cfg.Pipeline.CaptionWorkers

	generalWorkers := worker.New(generalQueue, jobRepo, runner, generalCfg, logger)
	captionWorkers := worker.New(captionQueue, jobRepo, runner, captionCfg, logger)
	janitor := worker.NewJanitor(taskRepo, cfg.Queue.VisibilityTimeout, 0, logger)

	// Cleanup supervisor purges stale jobs and their scratch directories.
	supervisor := cleanup.New(jobRepo, taskRepo, artifactsRoot, cleanup.Config{
		Schedule: cfg.Cleanup.Schedule,
		MaxAge:   cfg.Cleanup.MaxAge,
	}, logger)
	if err := supervisor.Start(); err != nil {
		return fmt.Errorf("starting cleanup supervisor: %w", err)
	}
	defer supervisor.Stop()

	// HTTP intake API.
	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	captionHandler := handlers.NewCaptionHandler(jobRepo, stageRepo, subscriberRepo, router, logger)
	captionHandler.Register(server.API())

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithServicePool(svcPool).
		WithQueues(router)
	healthHandler.Register(server.API())

	logger.Info("starting adscribe server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
		slog.String("artifacts_root", artifactsRoot),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svcPool.Run(gctx)
		return nil
	})
	g.Go(func() error { return generalWorkers.Run(gctx) })
	g.Go(func() error { return captionWorkers.Run(gctx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx) })

	return g.Wait()
}
