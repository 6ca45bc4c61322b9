// Package nodes implements the flow nodes that bind the hub connection to the
// aggregation, snapshot and restore logic.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/dispatch"
	"github.com/dokzlo13/hubitatd/internal/eventbus"
	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/ledger"
)

// Node types.
const (
	TypeLogic       = "logic"
	TypeSwitchLogic = "switch-logic"
	TypeCapture     = "capture"
	TypeRestore     = "restore"
	TypeFunction    = "function"
)

// ErrHubNotConfigured is returned by nodes built without a hub connection.
var ErrHubNotConfigured = errors.New("hub not configured")

var errUndefinedDevices = errors.New("undefined device ID(s)")

// Hub is everything a node uses from a hub connection.
type Hub interface {
	device.Source
	dispatch.Hub
	eventbus.Subscriber
	Initialized() bool
}

// Config is one configured node.
type Config struct {
	ID         string
	Type       string
	Name       string
	Devices    []string
	DeviceType string
	Attribute  string
	Target     string
	Mode       string
	Emit       string
	Script     string
}

// Deps are the collaborators a node is built with.
type Deps struct {
	// Hub is nil when no hub connection is configured.
	Hub      Hub
	Port     flow.Port
	Recorder ledger.Recorder
	// Concurrency bounds per-device fan-out in capture and restore.
	Concurrency int
}

func (d Deps) recorder() ledger.Recorder {
	if d.Recorder == nil {
		return ledger.Nop{}
	}
	return d.Recorder
}

// Factory builds a node.
type Factory func(conf Config, deps Deps) (flow.Node, error)

// Registry maps node types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with every built-in node type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(TypeLogic, NewLogic)
	_ = r.Register(TypeSwitchLogic, NewSwitchLogic)
	_ = r.Register(TypeCapture, NewCapture)
	_ = r.Register(TypeRestore, NewRestore)
	_ = r.Register(TypeFunction, NewFunction)
	return r
}

// Register adds a factory for a node type.
func (r *Registry) Register(typ string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("node type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// Build constructs a node from its configuration.
func (r *Registry) Build(conf Config, deps Deps) (flow.Node, error) {
	r.mu.RLock()
	f, ok := r.factories[conf.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown node type %q", conf.Type)
	}
	node, err := f(conf, deps)
	if err != nil {
		return nil, fmt.Errorf("node %s (%s): %w", conf.ID, conf.Type, err)
	}
	return node, nil
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type base struct {
	id   string
	typ  string
	name string
	port flow.Port
}

func newBase(conf Config, deps Deps) base {
	return base{id: conf.ID, typ: conf.Type, name: conf.Name, port: deps.Port}
}

func (b *base) ID() string   { return b.id }
func (b *base) Type() string { return b.typ }

// inert stands in for a node whose hub connection is missing. It keeps its
// place in the flow and fails every input.
type inert struct {
	base
}

func newInert(conf Config, deps Deps) *inert {
	n := &inert{base: newBase(conf, deps)}
	log.Error().Str("node", conf.ID).Str("type", conf.Type).Msg("No hub connection configured, node is inert")
	n.port.Status(flow.Error(ErrHubNotConfigured.Error()))
	return n
}

func (n *inert) Input(context.Context, flow.Message) error {
	return ErrHubNotConfigured
}

func (n *inert) Close(context.Context, bool) error {
	return nil
}

// normalizeIDs drops empty entries and coerces ids to their string form.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, device.NormalizeID(id))
		}
	}
	return out
}

// messageDeviceIDs reads a deviceId override from a message: a single id or a list.
func messageDeviceIDs(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return normalizeIDs(val)
	case []any:
		ids := make([]string, 0, len(val))
		for _, item := range val {
			ids = append(ids, device.NormalizeID(item))
		}
		return normalizeIDs(ids)
	default:
		return normalizeIDs([]string{device.NormalizeID(val)})
	}
}

// resolveID maps a configured identifier to the cached device id, so a device
// configured by name still finds the snapshot stored under its id.
func resolveID(src device.Source, id string) string {
	if d, ok := device.Lookup(src.Devices(), id); ok {
		return d.ID
	}
	return device.NormalizeID(id)
}
