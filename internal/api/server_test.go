package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/hubitatd/internal/flow"
	"github.com/dokzlo13/hubitatd/internal/ledger"
	"github.com/dokzlo13/hubitatd/internal/snapshot"
)

type fakeFlow struct {
	injected map[string]flow.Message
	err      error
}

func (f *fakeFlow) Inject(_ context.Context, nodeID string, msg flow.Message) error {
	if nodeID != "gate" {
		return fmt.Errorf("%w: %s", flow.ErrUnknownNode, nodeID)
	}
	if f.err != nil {
		return f.err
	}
	f.injected[nodeID] = msg
	return nil
}

func (f *fakeFlow) Nodes() []flow.NodeInfo {
	return []flow.NodeInfo{{ID: "gate", Type: "logic", Status: flow.Active("all on TRUE")}}
}

func (f *fakeFlow) Status(nodeID string) (flow.Status, bool) {
	if nodeID != "gate" {
		return flow.Status{}, false
	}
	return flow.Active("all on TRUE"), true
}

type fakeSnapshots []snapshot.Snapshot

func (f fakeSnapshots) List() ([]snapshot.Snapshot, error) { return f, nil }

type fakeHistory struct{}

func (fakeHistory) GetByType(t ledger.EventType, limit int) ([]*ledger.Entry, error) {
	return []*ledger.Entry{{ID: 1, EventType: t, NodeID: "restore"}}, nil
}

func (fakeHistory) GetByDevice(deviceID string, limit int) ([]*ledger.Entry, error) {
	return nil, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_NodeInput(t *testing.T) {
	f := &fakeFlow{injected: map[string]flow.Message{}}
	h := NewServer(":0", f, Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/nodes/gate/input", `{"payload":"go","deviceId":12}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, flow.Message{"payload": "go", "deviceId": float64(12)}, f.injected["gate"])

	rec = do(t, h, http.MethodPost, "/nodes/missing/input", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.err = errors.New("undefined device ID(s)")
	rec = do(t, h, http.MethodPost, "/nodes/gate/input", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "undefined device ID(s)")

	rec = do(t, h, http.MethodGet, "/nodes/gate/input", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Nodes(t *testing.T) {
	h := NewServer(":0", &fakeFlow{}, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []flow.NodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "gate", nodes[0].ID)

	rec = do(t, h, http.MethodGet, "/nodes/gate/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"fill":"green","shape":"dot","text":"all on TRUE"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/nodes/nope/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthReady(t *testing.T) {
	ready := false
	h := NewServer(":0", &fakeFlow{}, Options{Ready: func() bool { return ready }}).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/ready", "").Code)

	ready = true
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ready", "").Code)
}

func TestServer_SnapshotsAndHistory(t *testing.T) {
	snaps := fakeSnapshots{{ID: "12", Name: "Hall", Owner: "capture", Attributes: map[string]any{"switch": "on"}}}
	h := NewServer(":0", &fakeFlow{}, Options{Snapshots: snaps, History: fakeHistory{}}).Handler()

	rec := do(t, h, http.MethodGet, "/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"12","name":"Hall","owner":"capture","switch":"on"}]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/history?type=command_sent&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event_type":"command_sent"`)

	rec = do(t, h, http.MethodGet, "/history?device=12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/history", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/history?type=x&limit=-1", "").Code)

	disabled := NewServer(":0", &fakeFlow{}, Options{}).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodGet, "/history?type=x", "").Code)
}
