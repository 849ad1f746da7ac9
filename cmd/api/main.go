package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"patternforge/internal/adapter/repo"
	"patternforge/internal/dispatch"
	"patternforge/internal/gpu"
	"patternforge/internal/http/handlers"
	httpapi "patternforge/internal/http/httpapi"
	"patternforge/internal/infra"
	"patternforge/internal/storage"
	"patternforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.InitSchema(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize schema")
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}

	gpuClient, err := gpu.NewClient(gpu.ClientOptions{
		BaseURL:    cfg.VastBaseURL,
		APIKey:     cfg.VastAPIKey,
		InstanceID: cfg.VastInstanceID,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure gpu client")
	}
	gpuCtrl := gpu.NewController(gpu.ControllerOptions{
		API:          gpuClient,
		ProbeTimeout: cfg.HealthProbeTimeout,
		GuardWindow:  cfg.StartGuardWindow,
		Logger:       logger,
	})

	pusher := worker.NewClient(worker.Options{
		Secret:      cfg.WorkerAPISecret,
		WebhookURL:  cfg.WebhookURL(),
		PushTimeout: cfg.WorkerPushTimeout,
		Logger:      logger,
	})

	jobs := repo.NewJobRepository(dbpool)
	gens := repo.NewGenerationRepository(dbpool)
	dispatcher := dispatch.NewDispatcher(jobs, gens, gpuCtrl, pusher, logger)

	app := &handlers.App{
		Jobs:       jobs,
		Gens:       gens,
		Dispatcher: dispatcher,
		Store:      store,
		Config:     cfg,
		Logger:     logger,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
