package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/credential"
	"tickflow/internal/dashboard"
	"tickflow/internal/market"
	"tickflow/internal/metrics"
	"tickflow/internal/sink"
	"tickflow/internal/stream"
	"tickflow/internal/upstox"
	"tickflow/logger"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tickflow.Name,
		"version":     cfg.Tickflow.Version,
		"environment": config.AppEnvironment(),
		"mode":        cfg.Upstox.Mode,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.IsProductionLike(config.AppEnvironment()) {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	metrics.Init()

	gate, err := market.NewGate(cfg.Market)
	if err != nil {
		log.WithError(err).Error("failed to build market gate")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Channels.TickBuffer)
	channels.StartMetricsReporting(ctx)

	deps := stream.Deps{
		Authorizer: upstox.NewAuthorizer(cfg.Upstox, nil),
		Dialer:     stream.NewWebsocketDialer(cfg.Upstox.HandshakeTimeout),
		Gate:       gate,
		Sink:       channels,
	}
	opts := stream.OptionsFromConfig(cfg)
	handle := stream.NewHandle(ctx, func(token string, keys []string) *stream.Session {
		return stream.NewSession(opts, token, deps, keys...)
	}, cfg.Session.InitialKeys...)

	metrics.StartChannelSizeMetrics(ctx, 10*time.Second, channels, handle)

	token, err := credential.Resolve(cfg.Upstox, time.Now())
	switch {
	case err == nil:
		if err := handle.Start(token); err != nil {
			log.WithError(err).Error("failed to start streaming session")
			os.Exit(1)
		}
	case errors.Is(err, credential.ErrNoToken):
		log.WithComponent("main").Warn("no access token yet; waiting for the token file")
	default:
		log.WithError(err).Error("failed to resolve access token")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if cfg.Upstox.TokenFile != "" {
		watcher := credential.NewWatcher(cfg.Upstox.TokenFile, cfg.Upstox.TokenMaxAge, token, func(next string) {
			if err := handle.Rotate(next); err != nil {
				log.WithError(err).Warn("session rotation failed")
				return
			}
			log.WithComponent("main").Info("streaming session rotated to new access token")
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				log.WithError(err).Warn("token watcher stopped")
			}
		}()
	}

	if cfg.IndexFeed.Enabled {
		feed := stream.NewIndexFeed(cfg, handle.Credential, deps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Run(ctx)
		}()
	}

	hub := sink.NewHub(0)
	hub.HandleSubscriptions(func(unsubscribe bool, keys []string) (string, error) {
		kind := stream.Subscribe
		if unsubscribe {
			kind = stream.Unsubscribe
		}
		delivery, err := handle.Apply(kind, keys)
		return delivery.String(), err
	})
	sinks := []sink.Sink{hub}

	var kafkaSink *sink.KafkaSink
	if cfg.Sinks.Kafka.Enabled {
		kafkaSink, err = sink.NewKafkaSink(cfg.Sinks.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka sink")
			os.Exit(1)
		}
		sinks = append(sinks, kafkaSink)
	}

	var archive *sink.ArchiveSink
	if cfg.Sinks.Archive.Enabled {
		archive, err = sink.NewArchiveSink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archive sink")
			os.Exit(1)
		}
		// Stop owns the archive lifecycle; the final flush must outlive ctx.
		if err := archive.Start(context.Background()); err != nil {
			log.WithError(err).Error("failed to start archive sink")
			os.Exit(1)
		}
		sinks = append(sinks, archive)
	} else {
		log.WithComponent("main").Info("archive disabled; ticks will not be written to S3")
	}

	dispatcher := sink.NewDispatcher(channels.Ticks, sinks...)
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, handle, hub)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Tickflow.Name); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	handle.Shutdown()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		dispatcher.Stop()
		if archive != nil {
			log.Info("flushing archive")
			archive.Stop()
		}
		if kafkaSink != nil {
			if err := kafkaSink.Close(); err != nil {
				log.WithError(err).Warn("kafka writer close failed")
			}
		}
		hub.Close()
		channels.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}
