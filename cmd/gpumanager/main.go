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
	"patternforge/internal/infra"
	"patternforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "gpumanager")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("gpumanager: db connection failed")
	}
	defer pool.Close()

	if err := repo.InitSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("gpumanager: schema init failed")
	}

	gpuClient, err := gpu.NewClient(gpu.ClientOptions{
		BaseURL:    cfg.VastBaseURL,
		APIKey:     cfg.VastAPIKey,
		InstanceID: cfg.VastInstanceID,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("gpumanager: gpu client failed")
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

	jobs := repo.NewJobRepository(pool)
	gens := repo.NewGenerationRepository(pool)

	pump := dispatch.NewPump(jobs, gens, gpuCtrl, pusher, cfg.IdleTimeout, logger)

	logger.Info().
		Dur("interval", cfg.PumpInterval).
		Dur("idle_timeout", cfg.IdleTimeout).
		Msg("gpumanager started")

	if err := pump.Run(ctx, cfg.PumpInterval); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("gpumanager: pump stopped")
	}
	logger.Info().Msg("gpumanager stopped")
}
