package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/hubitatd/internal/device"
	"github.com/dokzlo13/hubitatd/internal/storage/kv"
)

type staticSource map[string]*device.Device

func (s staticSource) Refresh(context.Context, bool) error { return nil }
func (s staticSource) Devices() map[string]*device.Device  { return s }

func TestVM_Handle(t *testing.T) {
	vm, err := New(`
function handle(msg)
  if msg.payload == "drop" then
    return nil
  end
  msg.payload = msg.payload .. "!"
  msg.count = #msg.items
  return msg
end`, Options{Node: "fn"})
	require.NoError(t, err)
	defer vm.Close()

	out, err := vm.Handle(context.Background(), map[string]any{"payload": "hi", "items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "hi!", out["payload"])
	assert.Equal(t, float64(2), out["count"])
	assert.Equal(t, []any{"a", "b"}, out["items"])

	out, err = vm.Handle(context.Background(), map[string]any{"payload": "drop"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestVM_Errors(t *testing.T) {
	_, err := New(`x = 1`, Options{})
	assert.ErrorContains(t, err, "does not define handle")

	_, err = New(`function handle(`, Options{})
	assert.ErrorContains(t, err, "load script")

	vm, err := New(`function handle(msg) return 42 end`, Options{})
	require.NoError(t, err)
	_, err = vm.Handle(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "want table or nil")

	vm.Close()
	_, err = vm.Handle(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestVM_Modules(t *testing.T) {
	store := kv.NewMemoryBucket("flow:main")
	devices := staticSource{
		"12": {ID: "12", Name: "Hall Lamp", Attributes: []device.Attribute{{Name: "switch", Value: "on"}}},
	}

	vm, err := New(`
local flow = require("flow")
local hubitat = require("hubitat")
local log = require("log")

function handle(msg)
  local n = (flow.get("count") or 0) + 1
  flow.set("count", n)
  log.debug("handled", {count = n})
  local d = hubitat.device(msg.deviceId)
  return {
    payload = n,
    name = d and d.name,
    switch = hubitat.attribute(msg.deviceId, "switch"),
    missing = hubitat.device("nope") == nil,
  }
end`, Options{Node: "fn", Store: store, Devices: devices})
	require.NoError(t, err)
	defer vm.Close()

	for i := 1; i <= 2; i++ {
		out, err := vm.Handle(context.Background(), map[string]any{"deviceId": "12"})
		require.NoError(t, err)
		assert.Equal(t, float64(i), out["payload"])
		assert.Equal(t, "Hall Lamp", out["name"])
		assert.Equal(t, "on", out["switch"])
		assert.Equal(t, true, out["missing"])
	}

	v, err := store.Get("count")
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}
