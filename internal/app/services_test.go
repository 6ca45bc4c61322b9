package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/hubitatd/internal/config"
	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/nodes"
)

func testConfig(t *testing.T, nodesYAML string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	cfg, err := config.Parse([]byte(fmt.Sprintf("database:\n  path: %s\nstorage:\n  persistent: true\nnodes:\n%s", path, nodesYAML)))
	require.NoError(t, err)
	return cfg
}

func TestServices_FlowWithoutHub(t *testing.T) {
	cfg := testConfig(t, `
  - id: fn
    type: function
    script: |
      local flow = require("flow")
      function handle(msg)
        flow.set("seen", msg.payload)
        return msg
      end
    wires: [gate]
  - id: gate
    type: logic
    devices: [1]
`)

	s, err := NewServices(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), nil))

	assert.False(t, s.Hub.Ready())
	assert.Nil(t, s.Hub.Hub)

	require.NoError(t, s.Flow.Inject(context.Background(), "fn", flow.NewMessage("hello")))
	v, err := s.Flow.Store().Get("seen")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	err = s.Flow.Inject(context.Background(), "gate", flow.NewMessage(true))
	assert.ErrorIs(t, err, nodes.ErrHubNotConfigured)

	st, ok := s.Flow.Status("gate")
	require.True(t, ok)
	assert.Equal(t, "hub not configured", st.Text)

	require.NoError(t, s.ResetStore())
	v, err = s.Flow.Store().Get("seen")
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.NoError(t, s.Stop())
}

func TestServices_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, `
  - id: a
    type: inject
`)
	_, err := NewServices(cfg)
	assert.ErrorContains(t, err, `unknown type "inject"`)
}
