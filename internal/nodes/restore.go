package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/hubitatd/internal/dispatch"
	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/restore"
	"github.com/dokzlo13/hubitatd/internal/snapshot"
)

const defaultRestoreConcurrency = 8

// Restore replays each configured device's snapshot as hub commands and
// clears it. Devices are restored concurrently; the hub lock keeps one
// command in flight.
type Restore struct {
	base
	hub         Hub
	recorder    ledger.Recorder
	store       *snapshot.Store
	dispatcher  *dispatch.Dispatcher
	devices     []string
	concurrency int
}

// NewRestore builds a restore node.
func NewRestore(conf Config, deps Deps) (flow.Node, error) {
	if deps.Hub == nil {
		return newInert(conf, deps), nil
	}

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultRestoreConcurrency
	}
	recorder := deps.recorder()

	return &Restore{
		base:        newBase(conf, deps),
		hub:         deps.Hub,
		recorder:    recorder,
		store:       snapshot.NewStore(deps.Port.Store(), deps.Hub, snapshot.WithRecorder(recorder)),
		dispatcher:  dispatch.New(deps.Hub, recorder),
		devices:     normalizeIDs(conf.Devices),
		concurrency: concurrency,
	}, nil
}

// Input restores every configured device and returns once all of them are done.
func (n *Restore) Input(ctx context.Context, msg flow.Message) error {
	if len(n.devices) == 0 {
		log.Warn().Str("node", n.id).Msg("No devices selected")
		n.port.Send(msg)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for _, id := range n.devices {
		id := id
		g.Go(func() error {
			n.restoreDevice(ctx, msg, id)
			return nil
		})
	}
	return g.Wait()
}

func (n *Restore) restoreDevice(ctx context.Context, msg flow.Message, configured string) {
	id := resolveID(n.hub, configured)
	logger := log.With().Str("node", n.id).Str("device", id).Logger()

	snap, err := n.store.Consume(id)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read saved state")
		n.port.Status(flow.Error("store error " + id))
		return
	}
	if snap == nil {
		logger.Warn().Msgf("No saved state for %s", id)
		return
	}

	cmds, err := restore.Plan(*snap)
	if err != nil {
		var verr *restore.ValidationError
		reason := err.Error()
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		logger.Error().Err(err).Interface("state", snap.Map()).Msg("Restore error for device")
		n.recorder.Record(ledger.EventRestoreInvalid, n.id, id, map[string]any{
			"reason": reason,
			"state":  snap.Map(),
		})
		n.port.Status(flow.Error("restore error " + id))
		n.port.Send(msg.With(map[string]any{
			"error":       true,
			"deviceId":    id,
			"deviceState": snap.Map(),
			"errorMsg":    reason,
			"restored":    false,
		}))
		return
	}

	label := snap.Name
	if label == "" {
		label = id
	}
	n.port.Status(flow.Active(fmt.Sprintf("restored %s %s", label, time.Now().Format(time.TimeOnly))))

	err = n.dispatcher.Run(ctx, n.id, cmds, func(rec dispatch.Record) {
		n.port.Send(msg.With(rec.Map()))
	})

	var perr *dispatch.ProtocolError
	switch {
	case err == nil:
		logger.Debug().Int("commands", len(cmds)).Msg("Device restored")
	case errors.As(err, &perr):
		n.port.Status(flow.Error("response error"))
	default:
		logger.Error().Err(err).Msg("Restore failed")
		n.port.Status(flow.Error(err.Error()))
	}
}

// Close leaves saved states in place; a restarted node still finds them.
func (n *Restore) Close(context.Context, bool) error {
	return nil
}
