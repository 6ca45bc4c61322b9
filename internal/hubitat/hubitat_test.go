package hubitat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/eventbus"
)

const devicesJSON = `[
	{"id":"12","name":"lamp","label":"Hall Lamp","attributes":[{"name":"switch","currentValue":"on"},{"name":"level","currentValue":70}]},
	{"id":"30","name":"strip","attributes":{"switch":"off"}}
]`

func hubServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, ClientConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, ClientConfig{
		Host:  strings.TrimPrefix(srv.URL, "http://"),
		AppID: "7",
		Token: "secret",
	}
}

func TestClient_FetchDevices(t *testing.T) {
	_, cfg := hubServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/api/7/devices/all", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("access_token"))
		_, _ = w.Write([]byte(devicesJSON))
	})

	devices, err := NewClient(cfg).FetchDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	v, ok := devices[0].Attribute("level")
	require.True(t, ok)
	assert.Equal(t, float64(70), v)
}

func TestClient_FetchDevicesError(t *testing.T) {
	_, cfg := hubServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	})

	_, err := NewClient(cfg).FetchDevices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.NotContains(t, err.Error(), "secret")
}

func TestClient_ExecuteCommand(t *testing.T) {
	_, cfg := hubServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apps/api/7/devices/30/setColorTemperature/2700%2C50", r.URL.EscapedPath())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := NewClient(cfg).ExecuteCommand(context.Background(), "30", "setColorTemperature", "2700,50")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.True(t, strings.HasSuffix(resp.URL, "/apps/api/7/devices/30/setColorTemperature/2700%2C50"))
	assert.NotContains(t, resp.URL, "secret")
}

func TestClient_ExecuteCommandReturnsErrorStatus(t *testing.T) {
	_, cfg := hubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("no such command"))
	})

	resp, err := NewClient(cfg).ExecuteCommand(context.Background(), "30", "dance", "")
	require.NoError(t, err, "status is reported, not interpreted")
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "no such command", string(resp.Body))
}

type countingFetcher struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (f *countingFetcher) FetchDevices(context.Context) ([]*device.Device, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return []*device.Device{{ID: "12", Attributes: []device.Attribute{{Name: "switch", Value: "off"}}}}, nil
}

func TestDeviceCache_Refresh(t *testing.T) {
	f := &countingFetcher{}
	c := NewDeviceCache(f)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx, false))
	require.NoError(t, c.Refresh(ctx, false))
	assert.Equal(t, int32(1), f.calls.Load(), "unforced refresh is a no-op once initialized")

	require.NoError(t, c.Refresh(ctx, true))
	assert.Equal(t, int32(2), f.calls.Load())
	assert.True(t, c.Initialized())
}

func TestDeviceCache_RefreshCoalesces(t *testing.T) {
	f := &countingFetcher{gate: make(chan struct{})}
	c := NewDeviceCache(f)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Refresh(context.Background(), true))
		}()
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.LessOrEqual(t, f.calls.Load(), int32(5))
	assert.True(t, c.Initialized())
}

func TestDeviceCache_ApplyEvent(t *testing.T) {
	c := NewDeviceCache(&countingFetcher{})
	require.NoError(t, c.Refresh(context.Background(), true))

	before := c.Devices()["12"]
	assert.True(t, c.ApplyEvent(device.Event{DeviceID: "12", Name: "switch", Value: "on"}))
	assert.False(t, c.ApplyEvent(device.Event{DeviceID: "99", Name: "switch", Value: "on"}))

	v, _ := c.Devices()["12"].Attribute("switch")
	assert.Equal(t, "on", v)

	old, _ := before.Attribute("switch")
	assert.Equal(t, "off", old, "earlier readers keep their view")
}

func TestCommandLock_Pacing(t *testing.T) {
	delay := 50 * time.Millisecond
	l := NewCommandLock(delay)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	released := time.Now()
	l.Release()

	require.NoError(t, l.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(released), delay)
	l.Release()
	l.Wait()
}

func TestCommandLock_AcquireCancelled(t *testing.T) {
	l := NewCommandLock(0)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	require.NoError(t, l.Acquire(context.Background()))
}

func TestEventSocket_PublishesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"source":"DEVICE","name":"switch","value":"on","deviceId":12}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"source":"HUB","name":"systemStart","value":"","deviceId":0}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	bus := eventbus.New()
	defer bus.Close(context.Background())

	cache := NewDeviceCache(&countingFetcher{})
	require.NoError(t, cache.Refresh(context.Background(), true))

	var (
		mu     sync.Mutex
		topics []eventbus.Topic
	)
	record := func(e eventbus.Event) {
		mu.Lock()
		topics = append(topics, e.Topic)
		mu.Unlock()
	}
	bus.Subscribe(eventbus.TopicConnectionOpened, record)
	bus.Subscribe(eventbus.DeviceTopic("12"), record)
	bus.Subscribe(eventbus.TopicSystemReady, record)

	socket := NewEventSocket("ws"+strings.TrimPrefix(srv.URL, "http"), DefaultReconnectConfig(), cache, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- socket.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(topics) == 3
	}, 2*time.Second, 10*time.Millisecond)

	v, _ := cache.Devices()["12"].Attribute("switch")
	assert.Equal(t, "on", v)
	assert.False(t, cache.Initialized(), "system start invalidates the cache")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event socket did not stop")
	}
}

func TestEventSocket_MaxReconnects(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	socket := NewEventSocket("ws://127.0.0.1:1/eventsocket", ReconnectConfig{
		MinBackoff:    time.Millisecond,
		MaxBackoff:    time.Millisecond,
		Multiplier:    2,
		MaxReconnects: 2,
	}, NewDeviceCache(&countingFetcher{}), bus)

	assert.ErrorIs(t, socket.Run(context.Background()), ErrMaxReconnectsExceeded)
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "http://hub.local/apps/api/7", BaseURL("http", "hub.local/", "7"))
	assert.Equal(t, "ws://hub.local/eventsocket", EventSocketURL("http", "hub.local"))
	assert.Equal(t, "wss://hub.local/eventsocket", EventSocketURL("https", "hub.local"))
}
