package hubitat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/eventbus"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// EventSystemStart is the hub event announcing a hub (re)boot.
const EventSystemStart = "systemStart"

// ReconnectConfig controls event socket reconnection.
type ReconnectConfig struct {
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
	MaxReconnects int // 0 = infinite
}

// DefaultReconnectConfig returns the reconnect defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MinBackoff: 1 * time.Second,
		MaxBackoff: 2 * time.Minute,
		Multiplier: 2.0,
	}
}

// EventSocketURL returns the hub's event socket endpoint.
func EventSocketURL(scheme, host string) string {
	ws := "ws"
	if scheme == "https" {
		ws = "wss"
	}
	return fmt.Sprintf("%s://%s/eventsocket", ws, strings.TrimSuffix(host, "/"))
}

// EventSocket streams hub events into the device cache and the event bus.
type EventSocket struct {
	url    string
	dialer *websocket.Dialer
	config ReconnectConfig
	cache  *DeviceCache
	bus    eventbus.Publisher
}

// NewEventSocket creates an event socket listener.
func NewEventSocket(url string, config ReconnectConfig, cache *DeviceCache, bus eventbus.Publisher) *EventSocket {
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}

	return &EventSocket{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		config: config,
		cache:  cache,
		bus:    bus,
	}
}

// Run listens to the event socket with automatic reconnection until ctx is done.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (s *EventSocket) Run(ctx context.Context) error {
	retryCount := 0
	currentBackoff := s.config.MinBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			retryCount = 0
			currentBackoff = s.config.MinBackoff
		}

		retryCount++
		if s.config.MaxReconnects > 0 && retryCount > s.config.MaxReconnects {
			log.Error().
				Int("max_reconnects", s.config.MaxReconnects).
				Msg("Event socket: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Msg("Event socket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		next := time.Duration(float64(currentBackoff) * s.config.Multiplier)
		if next > s.config.MaxBackoff {
			next = s.config.MaxBackoff
		}
		currentBackoff = next
	}
}

// connect runs one socket session. connected reports whether the handshake succeeded.
func (s *EventSocket) connect(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	log.Info().Str("url", s.url).Msg("Connected to hub event socket")
	s.bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionOpened})
	defer s.bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionClosed})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.handle(data)
	}
}

func (s *EventSocket) handle(data []byte) {
	ev, err := device.ParseEvent(data)
	if err != nil {
		log.Warn().Err(err).Str("data", string(data)).Msg("Failed to parse hub event")
		return
	}

	if ev.Source == device.SourceHub {
		if ev.Name == EventSystemStart {
			log.Info().Msg("Hub reported system start")
			s.cache.Invalidate()
			s.bus.Publish(eventbus.Event{Topic: eventbus.TopicSystemReady, Data: ev})
		}
		return
	}

	if ev.DeviceID == "" {
		log.Trace().Str("source", ev.Source).Str("name", ev.Name).Msg("Ignoring event without device")
		return
	}

	// The cache is updated before subscribers see the event, so a node reading
	// the cache in its handler observes the new value.
	s.cache.ApplyEvent(ev)

	log.Trace().
		Str("device", ev.DeviceID).
		Str("name", ev.Name).
		Interface("value", ev.Value).
		Msg("Device event")

	s.bus.Publish(eventbus.Event{Topic: eventbus.DeviceTopic(ev.DeviceID), Data: ev})
}
