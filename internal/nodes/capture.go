package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/snapshot"
)

// Capture snapshots the configured devices into the flow store on every input.
type Capture struct {
	base
	hub     Hub
	store   *snapshot.Store
	devices []string
}

// NewCapture builds a capture node. Its display name carries the device count.
func NewCapture(conf Config, deps Deps) (flow.Node, error) {
	devices := normalizeIDs(conf.Devices)
	name := conf.Name
	if name == "" {
		name = TypeCapture
	}
	conf.Name = fmt.Sprintf("%s (%d)", name, len(devices))

	if deps.Hub == nil {
		return newInert(conf, deps), nil
	}

	return &Capture{
		base: newBase(conf, deps),
		hub:  deps.Hub,
		store: snapshot.NewStore(deps.Port.Store(), deps.Hub,
			snapshot.WithRecorder(deps.recorder()),
			snapshot.WithConcurrency(deps.Concurrency),
		),
		devices: devices,
	}, nil
}

// Name returns the display name.
func (n *Capture) Name() string {
	return n.name
}

// Input captures every configured device and emits [{id, name}] for the
// devices that were found.
func (n *Capture) Input(ctx context.Context, msg flow.Message) error {
	if len(n.devices) == 0 {
		log.Warn().Str("node", n.id).Msg("No devices selected")
		n.port.Send(msg)
		return nil
	}

	summaries, err := n.store.Capture(ctx, n.id, n.devices)
	if err != nil {
		log.Error().Err(err).Str("node", n.id).Msg("Failed to store some snapshots")
		n.port.Status(flow.Error("capture error"))
	} else {
		n.port.Status(flow.Active(fmt.Sprintf("captured %d %s", len(summaries), time.Now().Format(time.TimeOnly))))
	}

	payload := make([]any, 0, len(summaries))
	for _, s := range summaries {
		payload = append(payload, map[string]any{"id": s.ID, "name": s.Name})
	}
	n.port.Send(flow.Message{"payload": payload})
	return nil
}

// Close releases the snapshots this node captured that were never restored.
func (n *Capture) Close(ctx context.Context, _ bool) error {
	if err := n.hub.Refresh(ctx, true); err != nil {
		log.Warn().Err(err).Str("node", n.id).Msg("Device cache refresh failed on close")
	}

	for _, id := range n.devices {
		id = resolveID(n.hub, id)
		released, err := n.store.Release(id, n.id)
		if err != nil {
			log.Warn().Err(err).Str("node", n.id).Str("device", id).Msg("Failed to release snapshot")
			continue
		}
		if released {
			log.Debug().Str("node", n.id).Str("device", id).Msg("Snapshot released")
		}
	}
	return nil
}
