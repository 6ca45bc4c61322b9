package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/config"
)

// App runs one flow of hub-bound nodes until its context ends.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds the flow and its collaborators. Nothing connects until Start.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start connects the hub, MQTT and HTTP surfaces and starts the nodes.
// An exhausted hub reconnect budget cancels the app.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	shutdown := func(err error) {
		log.Error().Err(err).Str("hub", a.cfg.Hub.Name).Msg("Hub connection lost for good, shutting down")
		a.cancel()
	}
	if err := a.services.Start(a.ctx, shutdown); err != nil {
		return err
	}

	log.Info().
		Str("flow", a.cfg.Storage.Flow).
		Bool("persistent", a.cfg.Storage.Persistent).
		Str("hub", a.cfg.Hub.Name).
		Str("hub_host", a.cfg.Hub.Host).
		Int("nodes", len(a.cfg.Nodes)).
		Bool("mqtt", a.cfg.MQTT.Enabled).
		Bool("http", a.cfg.HTTP.Enabled).
		Msg("hubitatd started")
	return nil
}

// Stop closes the nodes, waits for in-flight messages and releases the hub
// connection and database.
func (a *App) Stop() error {
	log.Info().Str("flow", a.cfg.Storage.Flow).Msg("Stopping flow")
	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}
	return a.services.Stop()
}

// Wait blocks until the app is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// ResetStore drops every saved device state of the flow.
func (a *App) ResetStore() error {
	if a.services == nil {
		return nil
	}
	return a.services.ResetStore()
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Warn().Msg("Received shutdown signal")
		cancel()
	}()
	return ctx
}
