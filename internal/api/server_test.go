package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gshost/tunneld/internal/auth"
	"github.com/gshost/tunneld/internal/config"
	"github.com/gshost/tunneld/internal/metrics"
	"github.com/gshost/tunneld/internal/registry"
)

type fakeEngine struct {
	instances map[string]registry.Instance
	order     []string
	createErr error
	removeErr error
	summary   registry.ShutdownSummary
}

func newFakeEngine(insts ...registry.Instance) *fakeEngine {
	f := &fakeEngine{instances: map[string]registry.Instance{}}
	for _, inst := range insts {
		f.instances[inst.ServerID] = inst
		f.order = append(f.order, inst.ServerID)
	}
	return f
}

func (f *fakeEngine) Create(_ context.Context, in registry.CreateInput) (registry.Instance, error) {
	if f.createErr != nil {
		return registry.Instance{}, f.createErr
	}
	inst := registry.Instance{
		ServerID:       in.ServerID,
		OwnerID:        in.OwnerID,
		OwnerUsername:  in.OwnerUsername,
		GamePort:       in.GamePort,
		QueryPort:      in.QueryPort,
		ControlPort:    7000,
		TunnelGamePort: 30000,
		Token:          "tok",
		PID:            4001,
		IsRunning:      true,
		CreatedAt:      time.Now().UTC(),
	}
	f.instances[inst.ServerID] = inst
	f.order = append(f.order, inst.ServerID)
	return inst, nil
}

func (f *fakeEngine) Remove(_ context.Context, serverID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.instances[serverID]; !ok {
		return registry.ErrNotFound
	}
	delete(f.instances, serverID)
	return nil
}

func (f *fakeEngine) Get(serverID string) (registry.Instance, error) {
	inst, ok := f.instances[serverID]
	if !ok {
		return registry.Instance{}, registry.ErrNotFound
	}
	return inst, nil
}

func (f *fakeEngine) List() []registry.Instance {
	out := []registry.Instance{}
	for _, id := range f.order {
		if inst, ok := f.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out
}

func (f *fakeEngine) ClientConfig(serverID, hostIP string) (string, error) {
	if _, ok := f.instances[serverID]; !ok {
		return "", registry.ErrNotFound
	}
	return "[client]\nremote_addr = \"relay:7000\"\n# " + hostIP + "\n", nil
}

func (f *fakeEngine) ShutdownAll(context.Context) registry.ShutdownSummary { return f.summary }

func (f *fakeEngine) ActiveCount() int {
	n := 0
	for _, inst := range f.instances {
		if inst.IsRunning {
			n++
		}
	}
	return n
}

var (
	adminIdentity = auth.Identity{ID: "admin-1", Username: "root", Roles: []string{"ADMIN"}}
	userIdentity  = auth.Identity{ID: "u1", Username: "alice", Roles: []string{"USER"}}
	otherIdentity = auth.Identity{ID: "u2", Username: "bob", Roles: []string{"USER"}}
)

func testServer(engine Registry) *Server {
	cfg := config.Default()
	cfg.Relay.PublicHost = "203.0.113.9"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, engine, metrics.New(), logger)
}

func doRequest(t *testing.T, s *Server, id *auth.Identity, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, reader)
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *id))
	}
	rr := httptest.NewRecorder()
	s.Routes().ServeHTTP(rr, req)
	return rr
}

func ownedInstance(serverID, ownerID string) registry.Instance {
	return registry.Instance{
		ServerID:       serverID,
		OwnerID:        ownerID,
		GamePort:       25565,
		ControlPort:    7000,
		TunnelGamePort: 30000,
		Token:          "tok",
		IsRunning:      true,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreateInstance(t *testing.T) {
	engine := newFakeEngine()
	s := testServer(engine)

	rr := doRequest(t, s, &userIdentity, http.MethodPost, "/api/instances",
		CreateInstanceRequest{ServerID: "srv-1", GamePort: 25565, QueryPort: 25566})
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp CreateInstanceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "srv-1", resp.Instance.ServerID)
	assert.Equal(t, "u1", resp.Instance.OwnerID)
	assert.Equal(t, "alice", resp.Instance.OwnerUsername)
	assert.Equal(t, "203.0.113.9", resp.Instance.PublicHost)
	assert.Equal(t, 30000, resp.Instance.TunnelGamePort)
}

func TestCreateInstanceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", registry.ErrValidation, http.StatusBadRequest, "bad_request"},
		{"conflict", registry.ErrConflict, http.StatusConflict, "already_exists"},
		{"exhausted", registry.ErrExhausted, http.StatusServiceUnavailable, "capacity_full"},
		{"spawn", &registry.SpawnFailure{Err: errors.New("exit 1"), LogTail: "bad bind"}, http.StatusInternalServerError, "spawn_failed"},
		{"internal", errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.createErr = tc.err
			s := testServer(engine)

			rr := doRequest(t, s, &userIdentity, http.MethodPost, "/api/instances",
				CreateInstanceRequest{ServerID: "srv-1", GamePort: 25565})
			assert.Equal(t, tc.wantStatus, rr.Code)

			var env ErrorEnvelope
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
			assert.Equal(t, tc.wantCode, env.Error.Code)
		})
	}
}

func TestSpawnFailureLogTailOnlyForPrivileged(t *testing.T) {
	engine := newFakeEngine()
	engine.createErr = &registry.SpawnFailure{Err: errors.New("exit 1"), LogTail: "bind: address in use"}
	s := testServer(engine)

	rr := doRequest(t, s, &adminIdentity, http.MethodPost, "/api/instances",
		CreateInstanceRequest{ServerID: "srv-1", GamePort: 25565})
	assert.Contains(t, rr.Body.String(), "address in use")

	rr = doRequest(t, s, &userIdentity, http.MethodPost, "/api/instances",
		CreateInstanceRequest{ServerID: "srv-1", GamePort: 25565})
	assert.NotContains(t, rr.Body.String(), "address in use")
}

func TestListFiltersByOwnership(t *testing.T) {
	engine := newFakeEngine(ownedInstance("srv-a", "u1"), ownedInstance("srv-b", "u2"))
	s := testServer(engine)

	rr := doRequest(t, s, &userIdentity, http.MethodGet, "/api/instances", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp InstanceListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, "srv-a", resp.Instances[0].ServerID)

	rr = doRequest(t, s, &adminIdentity, http.MethodGet, "/api/instances", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Instances, 2)
}

func TestGetInstance(t *testing.T) {
	engine := newFakeEngine(ownedInstance("srv-a", "u1"))
	s := testServer(engine)

	rr := doRequest(t, s, &userIdentity, http.MethodGet, "/api/instances/srv-a", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, s, &otherIdentity, http.MethodGet, "/api/instances/srv-a", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(t, s, &userIdentity, http.MethodGet, "/api/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteInstance(t *testing.T) {
	engine := newFakeEngine(ownedInstance("srv-a", "u1"))
	s := testServer(engine)

	rr := doRequest(t, s, &otherIdentity, http.MethodDelete, "/api/instances/srv-a", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(t, s, &userIdentity, http.MethodDelete, "/api/instances/srv-a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp DeleteInstanceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "srv-a", resp.ServerID)

	rr = doRequest(t, s, &userIdentity, http.MethodDelete, "/api/instances/srv-a", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestClientConfig(t *testing.T) {
	engine := newFakeEngine(ownedInstance("srv-a", "u1"))
	s := testServer(engine)

	rr := doRequest(t, s, &userIdentity, http.MethodGet, "/api/instances/srv-a/client-config?host_ip=10.0.0.5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp ClientConfigResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Config, "remote_addr")
	assert.Contains(t, resp.Config, "10.0.0.5")

	rr = doRequest(t, s, &otherIdentity, http.MethodGet, "/api/instances/srv-a/client-config", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestShutdownAllRequiresPrivilege(t *testing.T) {
	engine := newFakeEngine()
	engine.summary = registry.ShutdownSummary{Removed: []string{"srv-a"}, Remaining: []string{"srv-b"}}
	s := testServer(engine)

	rr := doRequest(t, s, &userIdentity, http.MethodPost, "/api/admin/shutdown-all", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doRequest(t, s, &adminIdentity, http.MethodPost, "/api/admin/shutdown-all", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp ShutdownAllResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []string{"srv-a"}, resp.Removed)
	assert.Equal(t, []string{"srv-b"}, resp.Remaining)
}

func TestHealthWithoutIdentity(t *testing.T) {
	engine := newFakeEngine(ownedInstance("srv-a", "u1"))
	s := testServer(engine)

	rr := doRequest(t, s, nil, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ActiveInstances)
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(newFakeEngine())
	rr := doRequest(t, s, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tunneld_requests_total")
}
