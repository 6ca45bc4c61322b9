package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nodeTypes = []string{"logic", "switch-logic", "capture", "restore", "function"}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("nodes:\n  - type: capture\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "./hubitatd.sqlite", cfg.Database.Path)
	assert.Equal(t, "http", cfg.Hub.Scheme)
	assert.Equal(t, 30*time.Second, cfg.Hub.Timeout.Duration())
	assert.Equal(t, "main", cfg.Storage.Flow)
	assert.Equal(t, 8, cfg.Storage.Concurrency)
	assert.Equal(t, "hubitatd", cfg.MQTT.Prefix)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTP.Addr())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())
	assert.False(t, cfg.Hub.Configured())
	assert.Equal(t, 4, cfg.EventBus.GetWorkers())

	require.Len(t, cfg.Nodes, 1)
	assert.NotEmpty(t, cfg.Nodes[0].ID, "missing ids are generated")
}

func TestParse_NodesAndEnv(t *testing.T) {
	t.Setenv("HUBITAT_TOKEN", "secret")

	cfg, err := Parse([]byte(`
hub:
  host: 192.168.1.10
  app_id: "7"
  token: ${HUBITAT_TOKEN}
  delay_commands: 250ms
  rate_limit_rps: ${HUBITAT_RPS:5}
nodes:
  - id: gate
    type: logic
    devices: [12, "34", Hall Lamp]
    device_type: switch
    target: "on"
    wires: [restore]
  - id: restore
    type: restore
    devices: 12
`))
	require.NoError(t, err)

	assert.True(t, cfg.Hub.Configured())
	assert.Equal(t, "secret", cfg.Hub.Token)
	assert.Equal(t, 5.0, cfg.Hub.RateLimitRPS)
	assert.Equal(t, 250*time.Millisecond, cfg.Hub.DelayCommands.Duration())

	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, DeviceIDs{"12", "34", "Hall Lamp"}, cfg.Nodes[0].Devices)
	assert.Equal(t, DeviceIDs{"12"}, cfg.Nodes[1].Devices)
	assert.Equal(t, []string{"restore"}, cfg.Nodes[0].Wires)

	assert.NoError(t, cfg.Validate(nodeTypes))
}

func TestParse_BadDevices(t *testing.T) {
	_, err := Parse([]byte("nodes:\n  - type: capture\n    devices: {a: 1}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("shutdown_timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte(`
hub:
  host: hub.local
mqtt:
  enabled: true
nodes:
  - id: a
    type: logic
    wires: [missing]
  - id: a
    type: inject
`))
	require.NoError(t, err)

	err = cfg.Validate(nodeTypes)
	require.Error(t, err)
	assert.ErrorContains(t, err, "mqtt: broker is required")
	assert.ErrorContains(t, err, "hub: app_id is required")
	assert.ErrorContains(t, err, "node a: duplicate id")
	assert.ErrorContains(t, err, `node a: unknown type "inject"`)
	assert.ErrorContains(t, err, `wire to unknown node "missing"`)
}

func TestLoad_ScriptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fn.lua"), []byte("function handle(msg) return msg end"), 0o644))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - id: fn\n    type: function\n    script_file: fn.lua\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "function handle(msg) return msg end", cfg.Nodes[0].Script)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
