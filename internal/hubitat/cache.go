package hubitat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dokzlo13/hubitatd/internal/device"
)

// DeviceFetcher loads the full device list from the hub.
type DeviceFetcher interface {
	FetchDevices(ctx context.Context) ([]*device.Device, error)
}

// DeviceCache mirrors the hub's devices. The hub connection is its only
// writer; readers get an immutable view.
type DeviceCache struct {
	fetcher DeviceFetcher
	group   singleflight.Group

	mu          sync.RWMutex
	devices     map[string]*device.Device
	initialized bool
	refreshedAt time.Time
}

var _ device.Source = (*DeviceCache)(nil)

// NewDeviceCache creates an empty cache.
func NewDeviceCache(fetcher DeviceFetcher) *DeviceCache {
	return &DeviceCache{
		fetcher: fetcher,
		devices: make(map[string]*device.Device),
	}
}

// Refresh reloads the device list. Without force it does nothing once the
// cache is initialized. Concurrent refreshes share one hub request.
func (c *DeviceCache) Refresh(ctx context.Context, force bool) error {
	if !force && c.Initialized() {
		return nil
	}

	_, err, shared := c.group.Do("devices", func() (any, error) {
		devices, err := c.fetcher.FetchDevices(ctx)
		if err != nil {
			return nil, err
		}

		next := make(map[string]*device.Device, len(devices))
		for _, d := range devices {
			if d == nil || d.ID == "" {
				continue
			}
			next[d.ID] = d
		}

		c.mu.Lock()
		c.devices = next
		c.initialized = true
		c.refreshedAt = time.Now()
		c.mu.Unlock()

		log.Debug().Int("devices", len(next)).Bool("forced", force).Msg("Device cache refreshed")
		return nil, nil
	})
	if err != nil {
		return err
	}
	if shared {
		log.Trace().Msg("Device cache refresh coalesced")
	}
	return nil
}

// Devices returns the cached devices keyed by id. The map and the devices
// must not be modified.
func (c *DeviceCache) Devices() map[string]*device.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*device.Device, len(c.devices))
	for k, v := range c.devices {
		out[k] = v
	}
	return out
}

// Initialized reports whether at least one refresh succeeded.
func (c *DeviceCache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// RefreshedAt returns the time of the last successful refresh.
func (c *DeviceCache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Invalidate marks the cache stale so the next unforced Refresh reloads it.
func (c *DeviceCache) Invalidate() {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
}

// ApplyEvent writes an attribute change into the cached device. Devices are
// replaced, never mutated, so earlier readers keep a consistent view.
func (c *DeviceCache) ApplyEvent(ev device.Event) bool {
	if ev.DeviceID == "" || ev.Name == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := device.Lookup(c.devices, ev.DeviceID)
	if !ok {
		return false
	}
	next := d.Clone()
	next.SetAttribute(ev.Name, ev.Value)
	c.devices[next.ID] = next
	return true
}
