// main package for the tts-pool-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pool-service/internal/config"
	"github.com/book-expert/tts-pool-service/internal/job"
	"github.com/book-expert/tts-pool-service/internal/keypool"
	"github.com/book-expert/tts-pool-service/internal/quota"
	"github.com/book-expert/tts-pool-service/internal/store"
	"github.com/book-expert/tts-pool-service/internal/synth"
	"github.com/book-expert/tts-pool-service/internal/worker"
	"github.com/nats-io/nats.go"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "tts-pool-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

// runService wires the store, transport and orchestration layers and runs the
// chunk worker until the context is cancelled.
func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	redisStore, err := store.Connect(ctx, cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	defer func() {
		closeErr := redisStore.Close()
		if closeErr != nil {
			log.Warn("Failed to close redis store: %v", closeErr)
		}
	}()

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	defer natsConnection.Close()

	synthClient := synth.NewClient(
		cfg.Synthesis.BaseURL,
		cfg.Synthesis.Model,
		time.Duration(cfg.Synthesis.TimeoutSeconds)*time.Second,
	)

	tracker := quota.New(redisStore)
	scheduler := keypool.NewScheduler(redisStore, tracker, cfg.Pool.DailyLimit, log)

	chunkTimeout := time.Duration(cfg.Synthesis.TimeoutSeconds) * time.Second
	orchestrator := job.New(redisStore, scheduler, synthClient, log,
		cfg.Pool.MaxChunkSize, chunkTimeout)

	dispatcher, err := worker.NewNatsDispatcher(natsConnection, cfg.NATS.ChunkDispatchSubject)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	orchestrator.SetDispatcher(dispatcher)

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.ChunkDispatchSubject,
		cfg.NATS.ChunkCompletedSubject,
		orchestrator,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("TTS pool service initialized. Listening for chunks on subject: %s",
		cfg.NATS.ChunkDispatchSubject)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped with error: %w", runErr)
	}

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
