package ws

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/engine/internal/container"
	"github.com/stormstack/engine/internal/envelope"
	"github.com/stormstack/engine/internal/logging"
	"github.com/stormstack/engine/internal/metrics"
	"github.com/stormstack/engine/internal/sandbox"
)

func newTestServer(t *testing.T) (*Server, *container.Container) {
	t.Helper()
	c := container.New(container.Config{
		ID:            "c1",
		SandboxLimits: sandbox.NewLimits(0, 0, 200*time.Millisecond, 0),
	}, logging.NewDefault().WithComponent("ws-test"), metrics.Noop())
	t.Cleanup(func() { c.Shutdown("test-teardown") })
	return NewServer(c, logging.NewDefault().WithComponent("ws-test")), c
}

func operatorRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-Stormstack-Tenant", "t1")
	req.Header.Set("X-Stormstack-User", "u1")
	req.Header.Set("X-Stormstack-Roles", "operator")
	return req
}

func TestInstallModuleAndCreateMatch(t *testing.T) {
	srv, c := newTestServer(t)
	h := srv.Handler()

	upload, err := json.Marshal(envelope.ArtifactUpload{
		Manifest: json.RawMessage(`{
			"name": "entity",
			"version": "1.0.0",
			"declared_components": [{"name": "POSITION_X"}],
			"declared_commands": [{"name": "spawn", "schema": {"entity_type": {"type": "int", "required": true}}}],
			"declared_capabilities": ["ecs.spawn", "ecs.write:POSITION_X"],
			"declared_dependencies": []
		}`),
		Source: `function spawn(payload) { component.set(entity.spawn(), "POSITION_X", 0); }`,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, operatorRequest(http.MethodPost, "/modules", upload))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	payload, err := json.Marshal(map[string]any{"match_id": "m1", "modules": []string{"entity"}, "seed": 7})
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, operatorRequest(http.MethodPost, "/matches", payload))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	_, err = c.Match("m1")
	assert.NoError(t, err)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, operatorRequest(http.MethodGet, "/matches/m1/snapshot", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"match_id":"m1"`)
}

func TestOperationsRequireClaims(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// No tenant claim at all.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/matches", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Tenant present but no operator role.
	req := httptest.NewRequest(http.MethodPost, "/matches", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Stormstack-Tenant", "t1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestErrorMappingToStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	// Unknown match on delete -> 404 with structured body.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, operatorRequest(http.MethodDelete, "/matches/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"kind":"NotFound"`)

	// Bad manifest -> 400.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, operatorRequest(http.MethodPost, "/modules", []byte(`{"manifest":{"name":""},"source":""}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
