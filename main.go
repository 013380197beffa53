package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"miaflow/config"
	"miaflow/internal/collector"
	"miaflow/internal/connector"
	"miaflow/internal/dashboard"
	"miaflow/internal/dtc"
	"miaflow/internal/feed"
	"miaflow/internal/metrics"
	"miaflow/internal/publisher"
	"miaflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Miaflow.Name,
		"version": cfg.Miaflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting miaflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}
	if cfg.AWS.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.AWS.Region, cfg.AWS.CloudWatch.Namespace, cfg.AWS.CloudWatch.Dashboard)
	}

	var contracts *config.ContractBook
	if cfg.Collector.ContractsPath != "" {
		contracts, err = config.LoadContracts(cfg.Collector.ContractsPath)
		if err != nil {
			log.WithError(err).Error("failed to load contract definitions")
			os.Exit(1)
		}
	}

	events := feed.NewEvents(cfg.Feed)
	defer events.Close()
	go events.StartMetricsReporting(ctx)

	client := dtc.NewClient(cfg, contracts, log)
	data := collector.NewCollector(cfg, client, log)
	conn := connector.New(cfg, client, data, nil, events, log)

	var kafkaPublisher *publisher.Publisher
	if cfg.Publisher.Enabled {
		kafkaPublisher, err = publisher.NewPublisher(cfg, events.Snapshots, events.Signals)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		if err := kafkaPublisher.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka publisher")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka publisher disabled")
	}

	web, err := dashboard.NewServer(cfg.Dashboard, conn, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	dashboardDone := make(chan struct{})
	if web != nil {
		go func() {
			defer close(dashboardDone)
			if err := web.Run(ctx, cfg.Miaflow.Name); err != nil {
				log.WithError(err).Warn("dashboard exited")
			}
		}()
		log.WithFields(logger.Fields{"address": web.Address()}).Info("dashboard listening")
	} else {
		close(dashboardDone)
	}

	if err := conn.Connect(ctx, cfg.Collector.Symbols); err != nil {
		log.WithError(err).Error("failed to connect to sierra chart")
		if kafkaPublisher != nil {
			kafkaPublisher.Stop()
		}
		os.Exit(1)
	}

	log.WithFields(logger.Fields{"symbols": cfg.Collector.Symbols}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		conn.Disconnect()
		if kafkaPublisher != nil {
			log.Info("stopping kafka publisher")
			kafkaPublisher.Stop()
		}
		<-dashboardDone
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("miaflow stopped")
}
