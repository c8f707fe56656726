package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"bitmexflow/config"
	"bitmexflow/internal/metrics"
	"bitmexflow/internal/pipeline"
	"bitmexflow/logger"
	"bitmexflow/reader/bitmex"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bitmexflow.Name,
		"version": cfg.Bitmexflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting bitmexflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startObservability(ctx, cfg, log)

	p, err := pipeline.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		log.WithError(err).Error("failed to start record sink")
		os.Exit(1)
	}

	r, err := bitmex.NewReader(cfg.Source.Bitmex, p.Dispatcher,
		bitmex.WithUserAgent(fmt.Sprintf("%s/%s", cfg.Bitmexflow.Name, cfg.Bitmexflow.Version)),
	)
	if err != nil {
		log.WithError(err).Error("failed to create reader")
		p.Shutdown()
		os.Exit(1)
	}
	if err := r.Start(ctx); err != nil {
		p.Shutdown()
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
		<-r.Done()
	case <-r.Done():
		log.Info("reader finished")
	}

	log.Info("starting graceful shutdown")
	exitCode := 0
	if err := p.Shutdown(); err != nil {
		log.WithError(err).Error("pipeline shutdown failed")
		exitCode = 1
	}
	if err := r.Err(); err != nil {
		log.WithError(err).Error("connection ended with error")
		exitCode = 1
	}
	cancel()
	log.WithFields(logger.Fields{"exit_code": exitCode}).Info("shutdown complete")
	os.Exit(exitCode)
}

// startObservability starts the metrics endpoint, CloudWatch publishing and
// the runtime report as configured. None of them touch the pipeline.
func startObservability(ctx context.Context, cfg *config.Config, log *logger.Log) {
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	}

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Metrics.CloudWatch {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}
}
