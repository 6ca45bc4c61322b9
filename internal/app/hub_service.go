package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/config"
	"github.com/dokzlo13/hubitatd/internal/eventbus"
	"github.com/dokzlo13/hubitatd/internal/hubitat"
)

// HubService owns the event bus and, when configured, the hub connection.
type HubService struct {
	cfg *config.Config

	Bus *eventbus.Bus
	// Hub is nil when no hub host is configured.
	Hub *hubitat.Hub
}

// NewHubService creates the bus and hub connection without connecting.
func NewHubService(cfg *config.Config) *HubService {
	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s := &HubService{cfg: cfg, Bus: bus}
	if !cfg.Hub.Configured() {
		log.Warn().Msg("No hub host configured, hub-bound nodes will be inert")
		return s
	}

	s.Hub = hubitat.New(hubitat.Config{
		Name: cfg.Hub.Name,
		Client: hubitat.ClientConfig{
			Scheme:       cfg.Hub.Scheme,
			Host:         cfg.Hub.Host,
			AppID:        cfg.Hub.AppID,
			Token:        cfg.Hub.Token,
			Timeout:      cfg.Hub.Timeout.Duration(),
			RateLimitRPS: cfg.Hub.RateLimitRPS,
		},
		DelayCommands: cfg.Hub.DelayCommands.Duration(),
		Reconnect: hubitat.ReconnectConfig{
			MinBackoff:    cfg.Hub.MinRetryBackoff.Duration(),
			MaxBackoff:    cfg.Hub.MaxRetryBackoff.Duration(),
			Multiplier:    cfg.Hub.RetryMultiplier,
			MaxReconnects: cfg.Hub.MaxReconnects,
		},
		EventSocketURL: cfg.Hub.EventSocket,
	}, bus)
	return s
}

// Ready reports whether the device cache has been loaded.
func (s *HubService) Ready() bool {
	return s.Hub != nil && s.Hub.Initialized()
}

// StartBackground follows the hub's event socket.
// The optional onFatalError callback is called when reconnects are exhausted.
func (s *HubService) StartBackground(ctx context.Context, onFatalError func(error)) {
	if s.Hub == nil {
		return
	}

	go func() {
		err := s.Hub.Run(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, hubitat.ErrMaxReconnectsExceeded):
			log.Error().Str("hub", s.Hub.Name()).Msg("Event socket: max reconnects exceeded, triggering shutdown")
			if onFatalError != nil {
				onFatalError(err)
			}
		default:
			log.Error().Err(err).Str("hub", s.Hub.Name()).Msg("Event socket error")
		}
	}()
}

// Close releases all resources.
func (s *HubService) Close() {
	if s.Hub != nil {
		if err := s.Hub.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close hub connection")
		}
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
}
