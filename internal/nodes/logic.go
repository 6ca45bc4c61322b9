package nodes

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/eventbus"
	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/logic"
)

// Emit modes of logic nodes.
const (
	EmitGate  = "gate"
	EmitEvent = "event"
)

const noFlip = "–"

// Logic aggregates one attribute over a device set. In gate mode an input
// message passes only while the predicate holds; in event mode the node emits
// whenever the predicate turns true.
//
// The cache-driven variant reads values from the hub's device cache on every
// evaluation. The event-driven variant (switch-logic) keeps its own values,
// fed only by events for the watched attribute.
type Logic struct {
	base
	hub         Hub
	recorder    ledger.Recorder
	engine      *logic.Engine
	emit        string
	eventDriven bool

	ctx    context.Context
	cancel context.CancelFunc

	initMu      sync.Mutex
	initialized atomic.Bool
	initFailed  atomic.Bool
	connected   atomic.Bool

	subs []eventbus.Subscription
}

// NewLogic builds a cache-driven logic node.
func NewLogic(conf Config, deps Deps) (flow.Node, error) {
	return newLogic(conf, deps, false)
}

// NewSwitchLogic builds an event-driven logic node. It watches the switch
// attribute for "on" in all mode unless configured otherwise.
func NewSwitchLogic(conf Config, deps Deps) (flow.Node, error) {
	if conf.Target == "" {
		conf.Target = "on"
	}
	if conf.Attribute == "" && conf.DeviceType == "" {
		conf.Attribute = device.AttrSwitch
	}
	return newLogic(conf, deps, true)
}

func newLogic(conf Config, deps Deps, eventDriven bool) (flow.Node, error) {
	mode, err := logic.ParseMode(conf.Mode)
	if err != nil {
		return nil, err
	}

	attribute := conf.Attribute
	if attribute == "" {
		attribute = logic.DeviceTypeAttributes[conf.DeviceType]
	}
	if attribute == "" {
		return nil, fmt.Errorf("unknown device type %q", conf.DeviceType)
	}

	emit := conf.Emit
	switch emit {
	case "":
		emit = EmitGate
	case EmitGate, EmitEvent:
	default:
		return nil, fmt.Errorf("unknown emit mode %q", conf.Emit)
	}

	if deps.Hub == nil {
		return newInert(conf, deps), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Logic{
		base:     newBase(conf, deps),
		hub:      deps.Hub,
		recorder: deps.recorder(),
		engine: logic.NewEngine(logic.Config{
			Devices:   normalizeIDs(conf.Devices),
			Attribute: attribute,
			Target:    conf.Target,
			Mode:      mode,
		}),
		emit:        emit,
		eventDriven: eventDriven,
		ctx:         ctx,
		cancel:      cancel,
	}
	n.connected.Store(true)

	for _, id := range n.engine.Config().Devices {
		n.subs = append(n.subs, n.hub.Subscribe(eventbus.DeviceTopic(id), n.onDeviceEvent))
	}
	n.subs = append(n.subs,
		n.hub.Subscribe(eventbus.TopicSystemReady, n.onSystemReady),
		n.hub.Subscribe(eventbus.TopicConnectionOpened, n.onConnectionOpened),
		n.hub.Subscribe(eventbus.TopicConnectionClosed, n.onConnectionClosed),
	)

	n.updateStatus()
	return n, nil
}

// Engine exposes the aggregation state.
func (n *Logic) Engine() *logic.Engine {
	return n.engine
}

// Start loads the device cache and evaluates the initial state.
func (n *Logic) Start(ctx context.Context) error {
	return n.initialize(ctx, true)
}

func (n *Logic) initialize(ctx context.Context, force bool) error {
	n.initMu.Lock()
	defer n.initMu.Unlock()

	// A failed load leaves the engine unevaluated; the next input or
	// system-ready event retries.
	if err := n.hub.Refresh(ctx, force); err != nil {
		n.initialized.Store(false)
		n.initFailed.Store(true)
		n.updateStatus()
		return fmt.Errorf("load devices: %w", err)
	}

	n.engine.Initialize(n.cachedValues())
	n.initialized.Store(true)
	n.initFailed.Store(false)
	n.updateStatus()
	return nil
}

func (n *Logic) ensureInitialized(ctx context.Context) error {
	if n.initialized.Load() {
		return nil
	}
	return n.initialize(ctx, false)
}

// cachedValues reads the watched attribute of every configured device that
// the cache knows.
func (n *Logic) cachedValues() map[string]any {
	cfg := n.engine.Config()
	devices := n.hub.Devices()

	values := make(map[string]any, len(cfg.Devices))
	for _, id := range cfg.Devices {
		d, ok := device.Lookup(devices, id)
		if !ok {
			continue
		}
		if v, ok := d.Attribute(cfg.Attribute); ok {
			values[id] = v
		}
	}
	return values
}

func (n *Logic) onDeviceEvent(e eventbus.Event) {
	ev, ok := e.Data.(device.Event)
	if !ok {
		return
	}
	if err := n.ensureInitialized(n.ctx); err != nil {
		log.Warn().Err(err).Str("node", n.id).Msg("Logic node uninitialized, dropping event")
		return
	}

	cfg := n.engine.Config()
	var value any
	if n.eventDriven {
		if ev.Name != cfg.Attribute {
			return
		}
		value = ev.Value
	} else {
		d, ok := device.Lookup(n.hub.Devices(), ev.DeviceID)
		if !ok {
			return
		}
		value, _ = d.Attribute(cfg.Attribute)
	}

	res, ok := n.engine.Observe(ev.DeviceID, value)
	if !ok {
		return
	}
	n.updateStatus()
	n.recordFlip(res, ev.DeviceID)

	if res.Flipped && res.State && n.emit == EmitEvent {
		n.port.Send(n.eventMessage(ev, value))
	}
}

// eventMessage carries the triggering event with the device's new attribute
// value as state. Switch logic sends a bare true.
func (n *Logic) eventMessage(ev device.Event, value any) flow.Message {
	if n.eventDriven {
		return flow.Message{"payload": true, "topic": n.name}
	}
	payload := ev.Map()
	payload["state"] = value
	return flow.Message{"payload": payload, "topic": n.name}
}

func (n *Logic) recordFlip(res logic.Result, deviceID string) {
	if !res.Flipped {
		return
	}
	cfg := n.engine.Config()
	log.Debug().
		Str("node", n.id).
		Bool("state", res.State).
		Str("mode", string(cfg.Mode)).
		Str("target", cfg.Target).
		Msg("Predicate flipped")
	n.recorder.Record(ledger.EventPredicateFlipped, n.id, deviceID, map[string]any{
		"state":     res.State,
		"mode":      string(cfg.Mode),
		"attribute": cfg.Attribute,
		"target":    cfg.Target,
	})
}

func (n *Logic) onSystemReady(eventbus.Event) {
	log.Info().Str("node", n.id).Msg("Hub restarted, reloading devices")
	if err := n.initialize(n.ctx, true); err != nil {
		log.Warn().Err(err).Str("node", n.id).Msg("Failed to reload devices after hub restart")
	}
}

func (n *Logic) onConnectionOpened(eventbus.Event) {
	n.connected.Store(true)
	n.updateStatus()
}

func (n *Logic) onConnectionClosed(eventbus.Event) {
	n.connected.Store(false)
	n.updateStatus()
}

// Input gates msg on the current predicate. A false predicate suppresses
// the message explicitly.
func (n *Logic) Input(ctx context.Context, msg flow.Message) error {
	if err := n.ensureInitialized(ctx); err != nil {
		return err
	}

	ids := n.engine.Config().Devices
	if v, ok := msg["deviceId"]; ok {
		ids = messageDeviceIDs(v)
	}
	if len(ids) == 0 {
		n.updateStatus()
		return errUndefinedDevices
	}

	var state bool
	if n.eventDriven {
		state = logic.Evaluate(n.engine.Config(), n.engine.Value)
	} else {
		n.engine.Set(n.cachedValues())
		res := n.engine.Evaluate()
		n.recordFlip(res, "")
		state = res.State
	}
	n.updateStatus()

	if state {
		n.port.Send(msg)
	} else {
		n.port.Send(nil)
	}
	return nil
}

func (n *Logic) updateStatus() {
	if !n.connected.Load() {
		n.port.Status(flow.Error("disconnected"))
		return
	}
	if n.initFailed.Load() {
		n.port.Status(flow.Error("Uninitialized"))
		return
	}

	state, lastFlip := n.engine.State()
	st := flow.Status{Fill: flow.FillGrey, Shape: flow.ShapeRing}
	if state != nil && *state {
		st.Fill = flow.FillGreen
	}
	if n.emit == EmitEvent {
		st.Shape = flow.ShapeDot
	}

	switch {
	case state == nil:
		st.Text = "waiting for events"
	case n.eventDriven:
		stamp := noFlip
		if !lastFlip.IsZero() {
			stamp = lastFlip.Format(time.DateTime)
		}
		result := "FALSE"
		if *state {
			result = "TRUE"
		}
		st.Text = result + " " + stamp
	default:
		st.Text = n.engine.StatusText()
	}
	n.port.Status(st)
}

// Close drops the node's subscriptions.
func (n *Logic) Close(context.Context, bool) error {
	n.cancel()
	for _, sub := range n.subs {
		n.hub.Unsubscribe(sub)
	}
	n.subs = nil
	return nil
}
