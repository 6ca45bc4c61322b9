package hubitat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/eventbus"
)

// Config configures one hub connection.
type Config struct {
	Name   string
	Client ClientConfig
	// DelayCommands is the pacing delay between commands.
	DelayCommands time.Duration
	Reconnect     ReconnectConfig
	// EventSocketURL overrides the URL derived from the client host.
	EventSocketURL string
}

// Hub is a connection to one hub, shared by every node attached to it.
type Hub struct {
	name   string
	client *Client
	cache  *DeviceCache
	lock   *CommandLock
	bus    *eventbus.Bus
	socket *EventSocket
}

// New wires a hub connection. Events are published on bus.
func New(cfg Config, bus *eventbus.Bus) *Hub {
	client := NewClient(cfg.Client)
	cache := NewDeviceCache(client)

	socketURL := cfg.EventSocketURL
	if socketURL == "" {
		socketURL = EventSocketURL(cfg.Client.Scheme, cfg.Client.Host)
	}

	return &Hub{
		name:   cfg.Name,
		client: client,
		cache:  cache,
		lock:   NewCommandLock(cfg.DelayCommands),
		bus:    bus,
		socket: NewEventSocket(socketURL, cfg.Reconnect, cache, bus),
	}
}

func (h *Hub) Name() string { return h.name }

// Refresh reloads the device cache.
func (h *Hub) Refresh(ctx context.Context, force bool) error {
	return h.cache.Refresh(ctx, force)
}

// Devices returns the cached devices.
func (h *Hub) Devices() map[string]*device.Device {
	return h.cache.Devices()
}

// Initialized reports whether the device cache has been loaded.
func (h *Hub) Initialized() bool {
	return h.cache.Initialized()
}

// Acquire takes the hub-wide command lock.
func (h *Hub) Acquire(ctx context.Context) error {
	return h.lock.Acquire(ctx)
}

// Release frees the command lock after the pacing delay.
func (h *Hub) Release() {
	h.lock.Release()
}

// ExecuteCommand sends a device command. Callers must hold the command lock.
func (h *Hub) ExecuteCommand(ctx context.Context, deviceID, command, args string) (*CommandResponse, error) {
	return h.client.ExecuteCommand(ctx, deviceID, command, args)
}

func (h *Hub) Subscribe(topic eventbus.Topic, handler eventbus.Handler) eventbus.Subscription {
	return h.bus.Subscribe(topic, handler)
}

func (h *Hub) Unsubscribe(sub eventbus.Subscription) {
	h.bus.Unsubscribe(sub)
}

// Run loads the device cache and follows the event socket until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.cache.Refresh(ctx, true); err != nil {
		log.Warn().Err(err).Str("hub", h.name).Msg("Initial device cache load failed, will retry on demand")
	}
	return h.socket.Run(ctx)
}

// Close waits for pending lock releases and drops idle connections.
func (h *Hub) Close() error {
	h.lock.Wait()
	return h.client.Close()
}
