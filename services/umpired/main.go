package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/primaryrutabaga/umpire/pkg/boot"
	"github.com/primaryrutabaga/umpire/pkg/daemon"
	"github.com/primaryrutabaga/umpire/pkg/deploy"
	"github.com/primaryrutabaga/umpire/pkg/env"
	"github.com/primaryrutabaga/umpire/pkg/history"
	"github.com/primaryrutabaga/umpire/pkg/metrics"
	"github.com/primaryrutabaga/umpire/pkg/natsx"
	"github.com/primaryrutabaga/umpire/pkg/resource"
	"github.com/primaryrutabaga/umpire/pkg/server"
)

const serviceName = "umpired"

var (
	version   = "dev"
	commitSHA = "unknown"
)

func main() {
	cfg, err := boot.LoadConfig(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", serviceName, err)
		os.Exit(1)
	}
	boot.SetupLogging(serviceName, cfg.LoggerLevel)

	log.Info().Str("version", version).Str("commit", commitSHA).Msg("starting umpire daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("umpire daemon failed")
	}
	log.Info().Msg("shutting down")
}

func run(ctx context.Context, cfg boot.Config) error {
	digest, err := resource.DigestByName(cfg.Digest)
	if err != nil {
		return err
	}
	store, err := resource.NewFileStore(cfg.BaseDir, digest)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	e := env.New(cfg.BaseDir, store)
	if _, err := e.LoadActive(); err != nil && !errors.Is(err, env.ErrNoActiveConfig) {
		return err
	}

	d := daemon.New(e, nil)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("stop services")
		}
	}()
	if e.Config() != nil {
		if err := d.Deploy(ctx); err != nil {
			return fmt.Errorf("start services: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	deployer := deploy.New(e, store, d, deploy.WithObserver(m))
	m.SetState(deployer.State())
	hub := server.NewHub(deployer.State())
	deployer.AddObserver(hub)

	if cfg.NATSEnabled {
		nc, err := boot.DialNATS(cfg, "umpire-"+serviceName)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		log.Info().Str("url", cfg.NATSUrl).Msg("connected to NATS")
		deployer.AddObserver(natsx.NewDeployPublisher(nc))
	}

	if cfg.DatabaseURL != "" {
		if err := history.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		repo, err := history.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer repo.Close()
		rec := history.NewRecorder(repo)
		go rec.Run(ctx)
		deployer.AddObserver(rec)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.Done():
			log.Error().Msg("daemon stopped, shutting down server")
			cancel()
		case <-ctx.Done():
		}
	}()

	srv := server.New(e, store, deployer,
		server.WithMetrics(m, reg),
		server.WithHub(hub),
		server.WithVersion(version),
	)
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}
