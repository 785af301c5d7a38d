package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcribeengine/internal/api"
	"transcribeengine/internal/config"
	"transcribeengine/internal/database"
	"transcribeengine/internal/engine"
	"transcribeengine/internal/intake"
	"transcribeengine/internal/llmclient"
	"transcribeengine/internal/store"
	"transcribeengine/internal/whisperclient"
	"transcribeengine/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transcribeengine",
	Short: "Meeting transcription job engine",
	Long:  "transcribeengine ingests meeting audio and runs it through Transcribe, Correct, and Summarize.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and pipeline engine",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete jobs older than FILE_RETENTION_DAYS and exit",
	Run: func(cmd *cobra.Command, args []string) {
		runPurge()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore wires the configuration, logger, and durable state layer
// for the purge subcommand; runServe does the same wiring inline.
func openStore() (*config.Config, *store.Store, func()) {
	cfg := config.Load()
	logger.Init(os.Getenv("LOG_LEVEL"))

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}

	st := store.New(db)
	return cfg, st, func() {
		if err := database.Close(db); err != nil {
			logger.Error("failed to close database", "error", err.Error())
		}
	}
}

func runPurge() {
	cfg, st, closeFn := openStore()
	defer closeFn()

	maxAge := time.Duration(cfg.FileRetentionDays) * 24 * time.Hour
	removed, err := st.Purge(context.Background(), maxAge, os.Remove)
	if err != nil {
		logger.Error("purge failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("purge complete", "removed", removed, "max_age_days", cfg.FileRetentionDays)
}

func runServe() {
	cfg := config.Load()
	logger.Init(os.Getenv("LOG_LEVEL"))
	logger.Startup("boot", "transcribeengine starting up")
	logger.Startup("config", fmt.Sprintf("loaded configuration (port=%s, workers=%d)", cfg.Port, cfg.WorkerCount))

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		logger.Error("failed to create upload directory", "error", err.Error())
		os.Exit(1)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		os.Exit(1)
	}
	defer database.Close(db)
	logger.Startup("database", "database connection established")

	st := store.New(db)
	intakeService := intake.New(st, cfg.UploadDir, cfg.MaxFileSizeBytes)

	whisper := whisperclient.New(cfg.WhisperModel, cfg.WhisperModelPath, cfg.WhisperModelURL)
	llm := llmclient.New(cfg.OllamaBaseURL, cfg.OllamaModel, 300*time.Second)

	eng := engine.New(st, whisper, llm, cfg.WorkerCount)
	rootCtx, stopEngine := context.WithCancel(context.Background())
	eng.Start(rootCtx)
	defer eng.Stop()
	logger.Startup("engine", fmt.Sprintf("pipeline engine running with %d worker(s)", cfg.WorkerCount))

	startPurgeLoop(rootCtx, st, cfg)

	handler := api.NewHandler(cfg, db, st, intakeService, eng, llm)
	router := api.SetupRoutes(handler)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Startup("http", fmt.Sprintf("listening on %s:%s", cfg.Host, cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	stopEngine()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", "error", err.Error())
	}
	logger.Info("server exited")
}

// startPurgeLoop runs Store.Purge once a day for the lifetime of ctx,
// driven by FILE_RETENTION_DAYS.
func startPurgeLoop(ctx context.Context, st *store.Store, cfg *config.Config) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				maxAge := time.Duration(cfg.FileRetentionDays) * 24 * time.Hour
				removed, err := st.Purge(ctx, maxAge, os.Remove)
				if err != nil {
					logger.Error("scheduled purge failed", "error", err.Error())
					continue
				}
				if removed > 0 {
					logger.Info("scheduled purge complete", "removed", removed)
				}
			}
		}
	}()
}
