package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketpipe/config"
	"marketpipe/internal/archiver"
	"marketpipe/internal/bus"
	"marketpipe/internal/consumer"
	"marketpipe/internal/dashboard"
	"marketpipe/internal/ingest"
	"marketpipe/internal/migrator"
	"marketpipe/internal/monitor"
	"marketpipe/internal/normalizer"
	"marketpipe/internal/publisher"
	"marketpipe/internal/storage"
	"marketpipe/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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
		"service": cfg.Marketpipe.Name,
		"version": cfg.Marketpipe.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting marketpipe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.ReportSeconds > 0 {
		logger.StartReport(ctx, log, time.Duration(cfg.Logging.ReportSeconds)*time.Second)
	}

	b, err := bus.New(cfg.Bus)
	if err != nil {
		log.WithError(err).Error("failed to connect bus")
		os.Exit(1)
	}
	defer b.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		log.WithError(err).Error("failed to initialize storage schema")
		os.Exit(1)
	}

	registry, err := normalizer.NewRegistry(cfg.Exchanges)
	if err != nil {
		log.WithError(err).Error("failed to build normalizer registry")
		os.Exit(1)
	}

	pub := publisher.New(b, registry, cfg.Publisher)
	if err := pub.EnsureRequiredStreams(ctx); err != nil {
		log.WithError(err).Error("failed to ensure bus streams")
		os.Exit(1)
	}

	cons := consumer.New(b, store, cfg.Consumer)
	if err := cons.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start consumer")
		os.Exit(1)
	}

	bridge := ingest.New(b, pub, cfg.Ingest)
	if err := bridge.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ingest bridge")
		os.Exit(1)
	}

	mig := migrator.New(store, cfg.Migrator)
	if err := mig.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start migrator")
		os.Exit(1)
	}

	sinks := []monitor.Sink{monitor.NewLogSink()}
	if cfg.Monitor.CloudWatch.Enabled {
		cwSink, err := monitor.NewCloudWatchSink(ctx, cfg.Monitor.CloudWatch)
		if err != nil {
			log.WithError(err).Error("failed to create CloudWatch sink")
			os.Exit(1)
		}
		if cwSink != nil {
			sinks = append(sinks, cwSink)
		}
	}
	mon := monitor.New(store, cfg.Monitor, cfg.Exchanges, sinks...)
	if err := mon.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start monitor")
		os.Exit(1)
	}

	var arch *archiver.Archiver
	if cfg.Archiver.Enabled {
		arch, err = archiver.New(ctx, store, cfg.Archiver)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		if err := arch.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archiver disabled")
	}

	dash := dashboard.NewServer(cfg.Dashboard, pub, cons, mig, mon)
	if dash != nil {
		go func() {
			if err := dash.Run(ctx, cfg.Marketpipe.Name); err != nil {
				log.WithError(err).Warn("dashboard server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if arch != nil {
		log.Info("stopping archiver")
		arch.Stop()
	}

	log.Info("stopping monitor")
	mon.Stop()

	log.Info("stopping migrator")
	mig.Stop()

	log.Info("stopping ingest bridge")
	bridge.Stop()

	log.Info("stopping consumer")
	cons.Stop()

	log.Info("closing bus")
	if err := b.Close(); err != nil {
		log.WithError(err).Warn("bus close failed")
	}

	log.Info("marketpipe stopped")
}
