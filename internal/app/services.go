package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/api"
	"github.com/dokzlo13/hubitatd/internal/config"
	"github.com/dokzlo13/hubitatd/internal/db"
	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/mqtt"
	"github.com/dokzlo13/hubitatd/internal/nodes"
	"github.com/dokzlo13/hubitatd/internal/snapshot"
	"github.com/dokzlo13/hubitatd/internal/storage/kv"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	KV     *kv.Manager

	// Hub connection and event bus
	Hub *HubService

	// Flow and its nodes
	Flow     *flow.Runtime
	Registry *nodes.Registry

	// Outer surfaces
	MQTT    *mqtt.Bridge
	HTTP    *HTTPService
	Cleanup *LedgerService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg, Registry: nodes.DefaultRegistry()}

	if err := cfg.Validate(s.Registry.Types()); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)
	s.Cleanup = NewLedgerService(cfg, s.Ledger)

	// Flow-scoped store shared by every node
	s.KV = kv.NewManager(database.DB)
	bucket := s.KV.FlowBucket(cfg.Storage.Flow, cfg.Storage.Persistent)
	s.Flow = flow.NewRuntime(cfg.Storage.Flow, bucket)

	s.Hub = NewHubService(cfg)

	if err := s.buildNodes(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.MQTT.Enabled {
		s.MQTT = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
		}, s.Flow)
		s.Flow.AddSink(s.MQTT)
	}

	// Listing reads the bucket only, no device source needed.
	opts := api.Options{
		Snapshots: snapshot.NewStore(bucket, nil),
		Ready:     s.Hub.Ready,
	}
	if cfg.Ledger.Enabled {
		opts.History = s.Ledger
	}
	s.HTTP = NewHTTPService(cfg, s.Flow, opts)

	return s, nil
}

// buildNodes instantiates configured nodes and wires them together.
func (s *Services) buildNodes() error {
	// A nil *hubitat.Hub must not leak into the interface.
	var hub nodes.Hub
	if s.Hub.Hub != nil {
		hub = s.Hub.Hub
	}

	var recorder ledger.Recorder = ledger.Nop{}
	if s.cfg.Ledger.Enabled {
		recorder = s.Ledger
	}

	for _, nc := range s.cfg.Nodes {
		node, err := s.Registry.Build(nodes.Config{
			ID:         nc.ID,
			Type:       nc.Type,
			Name:       nc.Name,
			Devices:    nc.Devices,
			DeviceType: nc.DeviceType,
			Attribute:  nc.Attribute,
			Target:     nc.Target,
			Mode:       nc.Mode,
			Emit:       nc.Emit,
			Script:     nc.Script,
		}, nodes.Deps{
			Hub:         hub,
			Port:        s.Flow.Port(nc.ID),
			Recorder:    recorder,
			Concurrency: s.cfg.Storage.Concurrency,
		})
		if err != nil {
			return err
		}
		if err := s.Flow.Add(node); err != nil {
			return err
		}
	}

	for _, nc := range s.cfg.Nodes {
		for _, to := range nc.Wires {
			if err := s.Flow.Wire(nc.ID, to); err != nil {
				return err
			}
		}
	}

	log.Info().Int("nodes", len(s.cfg.Nodes)).Str("flow", s.Flow.Name()).Msg("Flow built")
	return nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if s.MQTT != nil {
		if err := s.MQTT.Connect(ctx); err != nil {
			return err
		}
	}

	s.KV.StartCleanup(ctx, s.cfg.Storage.CleanupInterval.Duration())
	s.Cleanup.Start(ctx)

	// Nodes load their initial state from the device cache, which the hub
	// fetches itself on Run; the logic nodes re-initialize on system ready.
	s.Hub.StartBackground(ctx, onFatalError)
	s.Flow.Start(ctx)

	s.HTTP.Start(ctx)
	return nil
}

// ResetStore clears every saved device state of the flow.
func (s *Services) ResetStore() error {
	_, err := s.KV.Reset(kv.FlowBucketName(s.cfg.Storage.Flow))
	return err
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	var err error
	if s.Flow != nil {
		err = s.Flow.Close(ctx, false)
	}
	s.Close()
	return err
}

// Close releases all resources.
func (s *Services) Close() {
	if s.MQTT != nil {
		if err := s.MQTT.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close MQTT bridge")
		}
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.KV != nil {
		s.KV.StopCleanup()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
