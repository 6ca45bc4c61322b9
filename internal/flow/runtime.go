package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/storage/kv"
)

// ErrUnknownNode is returned for an id no node was registered under.
var ErrUnknownNode = errors.New("unknown node")

// Node is a unit of flow logic.
type Node interface {
	ID() string
	Type() string
	// Input handles one message. An error is logged by the runtime.
	Input(ctx context.Context, msg Message) error
	// Close detaches the node. removed is true when the node is deleted from
	// the flow rather than restarted.
	Close(ctx context.Context, removed bool) error
}

// Starter is implemented by nodes with startup work, run by Runtime.Start.
type Starter interface {
	Start(ctx context.Context) error
}

// Port is a node's handle on the runtime.
type Port interface {
	NodeID() string
	// Send forwards msg along the node's wires. A nil msg is an explicit
	// "nothing to send" and is not delivered.
	Send(msg Message)
	Status(st Status)
	// Store is the flow-scoped store shared by all nodes of the flow.
	Store() kv.Bucket
}

// Sink observes every output and status change, for outer surfaces.
type Sink interface {
	Output(nodeID string, msg Message)
	Status(nodeID string, st Status)
}

// NodeInfo describes a registered node.
type NodeInfo struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status Status `json:"status"`
}

// Runtime runs the nodes of one flow.
type Runtime struct {
	name  string
	store kv.Bucket

	mu       sync.RWMutex
	nodes    map[string]Node
	order    []string
	wires    map[string][]string
	statuses map[string]Status
	sinks    []Sink
	closed   bool

	// deliveries tracks in-flight wired messages.
	deliveries sync.WaitGroup
	suppressed atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRuntime creates an empty flow.
func NewRuntime(name string, store kv.Bucket) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		name:     name,
		store:    store,
		nodes:    make(map[string]Node),
		wires:    make(map[string][]string),
		statuses: make(map[string]Status),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Name returns the flow name.
func (r *Runtime) Name() string {
	return r.name
}

// Store returns the flow-scoped store.
func (r *Runtime) Store() kv.Bucket {
	return r.store
}

// Port returns the handle a node with this id uses. Nodes receive their port
// at construction, before Add.
func (r *Runtime) Port(nodeID string) Port {
	return &port{runtime: r, nodeID: nodeID}
}

// Add registers a node.
func (r *Runtime) Add(node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID()]; exists {
		return fmt.Errorf("duplicate node id %q", node.ID())
	}
	r.nodes[node.ID()] = node
	r.order = append(r.order, node.ID())

	log.Debug().Str("flow", r.name).Str("node", node.ID()).Str("type", node.Type()).Msg("Node added")
	return nil
}

// Wire connects the output of one node to the input of another.
func (r *Runtime) Wire(from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if _, ok := r.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	r.wires[from] = append(r.wires[from], to)
	return nil
}

// AddSink registers an observer of outputs and statuses.
func (r *Runtime) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Start runs the startup work of every node that has some, in registration
// order. A failing node is logged and does not stop the others.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.RLock()
	nodes := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.nodes[id])
	}
	r.mu.RUnlock()

	for _, n := range nodes {
		s, ok := n.(Starter)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			log.Warn().Err(err).Str("flow", r.name).Str("node", n.ID()).Msg("Node start failed")
		}
	}
}

// Inject delivers a message to a node and waits for its handler.
func (r *Runtime) Inject(ctx context.Context, nodeID string, msg Message) error {
	r.mu.RLock()
	node, ok := r.nodes[nodeID]
	closed := r.closed
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if closed {
		return fmt.Errorf("flow %s is closed", r.name)
	}
	if msg == nil {
		msg = Message{}
	}
	return r.input(ctx, node, msg)
}

func (r *Runtime) input(ctx context.Context, node Node, msg Message) error {
	if err := node.Input(ctx, msg); err != nil {
		log.Error().Err(err).Str("flow", r.name).Str("node", node.ID()).Str("type", node.Type()).Msg("Node input failed")
		return err
	}
	return nil
}

// Nodes lists registered nodes in registration order.
func (r *Runtime) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.order))
	for _, id := range r.order {
		n := r.nodes[id]
		out = append(out, NodeInfo{ID: id, Type: n.Type(), Status: r.statuses[id]})
	}
	return out
}

// Status returns the last status a node reported.
func (r *Runtime) Status(nodeID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return Status{}, false
	}
	return r.statuses[nodeID], true
}

// Statuses returns the last status of every node.
func (r *Runtime) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// Suppressed returns how many explicit "nothing to send" signals nodes produced.
func (r *Runtime) Suppressed() int64 {
	return r.suppressed.Load()
}

// Close stops delivery and closes every node, last added first.
func (r *Runtime) Close(ctx context.Context, removed bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	order := append([]string(nil), r.order...)
	nodes := make(map[string]Node, len(r.nodes))
	for k, v := range r.nodes {
		nodes[k] = v
	}
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		n := nodes[order[i]]
		if err := n.Close(ctx, removed); err != nil {
			log.Warn().Err(err).Str("node", n.ID()).Msg("Node close failed")
			errs = append(errs, fmt.Errorf("close %s: %w", n.ID(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		r.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("flow", r.name).Msg("Timed out waiting for in-flight messages")
	}
	r.cancel()

	return errors.Join(errs...)
}

func (r *Runtime) send(from string, msg Message) {
	if msg == nil {
		r.suppressed.Add(1)
		log.Debug().Str("node", from).Msg("Output suppressed")
		return
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		log.Debug().Str("node", from).Msg("Flow closed, dropping output")
		return
	}
	sinks := append([]Sink(nil), r.sinks...)
	targets := make([]Node, 0, len(r.wires[from]))
	for _, id := range r.wires[from] {
		targets = append(targets, r.nodes[id])
	}
	// Add under the lock so Close cannot start waiting before these are counted.
	r.deliveries.Add(len(targets))
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Output(from, msg)
	}

	for _, target := range targets {
		go func(target Node, msg Message) {
			defer r.deliveries.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Str("node", target.ID()).Msg("Node input panicked")
				}
			}()
			_ = r.input(r.ctx, target, msg)
		}(target, msg.Clone())
	}
}

func (r *Runtime) setStatus(nodeID string, st Status) {
	r.mu.Lock()
	r.statuses[nodeID] = st
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()

	for _, s := range sinks {
		s.Status(nodeID, st)
	}
}

type port struct {
	runtime *Runtime
	nodeID  string
}

func (p *port) NodeID() string   { return p.nodeID }
func (p *port) Send(msg Message) { p.runtime.send(p.nodeID, msg) }
func (p *port) Status(st Status) { p.runtime.setStatus(p.nodeID, st) }
func (p *port) Store() kv.Bucket { return p.runtime.store }
