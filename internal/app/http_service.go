package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/api"
	"github.com/dokzlo13/hubitatd/internal/config"
)

// HTTPService wraps the HTTP API server.
type HTTPService struct {
	cfg    *config.Config
	server *api.Server
}

// NewHTTPService creates a new HTTPService.
func NewHTTPService(cfg *config.Config, f api.Flow, opts api.Options) *HTTPService {
	return &HTTPService{
		cfg:    cfg,
		server: api.NewServer(cfg.HTTP.Addr(), f, opts),
	}
}

// Start begins the HTTP API server if enabled.
func (s *HTTPService) Start(ctx context.Context) {
	if !s.cfg.HTTP.Enabled {
		log.Debug().Msg("HTTP API disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("HTTP API server error")
		}
	}()
}
