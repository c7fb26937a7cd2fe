package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/discovery"
	"github.com/HerbHall/subnetgrid/internal/event"
	"github.com/HerbHall/subnetgrid/internal/grid"
	"github.com/HerbHall/subnetgrid/internal/metrics"
	"github.com/HerbHall/subnetgrid/internal/notify"
	"github.com/HerbHall/subnetgrid/internal/provision"
	"github.com/HerbHall/subnetgrid/internal/registry"
	"github.com/HerbHall/subnetgrid/internal/server"
	"github.com/HerbHall/subnetgrid/internal/store"
	"github.com/HerbHall/subnetgrid/internal/traffic"
	"github.com/HerbHall/subnetgrid/internal/version"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.load()
			if err != nil {
				return err
			}
			defer e.close()
			return serve(cmd.Context(), e)
		},
	}
}

func serve(ctx context.Context, e *env) error {
	logger := e.logger
	logger.Info("SubnetGrid server starting", zap.String("version", version.Short()))

	m := metrics.New()
	client, err := e.client(m)
	if err != nil {
		return err
	}

	db, err := store.Open(e.v.GetString("data.dir"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus := event.NewBus(logger.Named("events"))

	if broker := e.v.GetString("notify.mqtt.broker"); broker != "" {
		var mqttCfg notify.Config
		if err := e.cfg.Sub("notify.mqtt").Unmarshal(&mqttCfg); err != nil {
			return fmt.Errorf("notify config: %w", err)
		}
		fwd, err := notify.Dial(mqttCfg, logger.Named("notify"))
		if err != nil {
			return err
		}
		fwd.Attach(bus)
		defer fwd.Close()
	}

	// Plugins are composed at compile time.
	gridPlugin := grid.New(client, m)
	plugins := []plugin.Plugin{
		gridPlugin,
		traffic.NewPlugin(client, m),
		discovery.NewPlugin(client),
		provision.NewPlugin(client, gridPlugin),
	}

	reg := registry.New(logger)
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config: e.cfg.Sub("plugins." + name),
			Logger: logger.Named(name),
			Bus:    bus,
			Store:  db,
		}
	}); err != nil {
		return err
	}
	if err := reg.StartAll(ctx); err != nil {
		return err
	}

	hub := server.NewEventHub(bus, logger.Named("ws"))
	addr := net.JoinHostPort(e.v.GetString("server.host"), e.v.GetString("server.port"))
	srv := server.New(addr, reg, logger, server.WithEventHub(hub), server.WithMetrics(m.Handler()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("SubnetGrid server ready",
		zap.String("addr", addr),
		zap.String("backend", client.BaseURL()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("SubnetGrid server stopped")
	return nil
}
