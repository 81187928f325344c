package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nestframe/agentrun/pkg/deployment"
	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/types"
)

type fakeManager struct {
	deployFn   func(types.DeploymentRequest) (*types.DeploymentRecord, error)
	getFn      func(string) (*types.DeploymentRecord, bool)
	teardownFn func(string) error
}

func (f *fakeManager) Deploy(req types.DeploymentRequest) (*types.DeploymentRecord, error) {
	return f.deployFn(req)
}
func (f *fakeManager) Get(id string) (*types.DeploymentRecord, bool) { return f.getFn(id) }
func (f *fakeManager) Teardown(id string) error                      { return f.teardownFn(id) }

func TestHandleDeployRequiresIdempotencyKey(t *testing.T) {
	srv := New(&fakeManager{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeployAccepted(t *testing.T) {
	srv := New(&fakeManager{
		deployFn: func(req types.DeploymentRequest) (*types.DeploymentRecord, error) {
			require.Equal(t, "req-1", req.RequestID)
			require.Equal(t, "a1", req.AgentAppID)
			return &types.DeploymentRecord{DeploymentID: "d1", Status: types.StatusPending}, nil
		},
	}, zerolog.Nop())

	body, _ := json.Marshal(deployRequestBody{AgentAppID: "a1", PackageURL: "https://example.com/a.pkg"})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewBuffer(body))
	req.Header.Set("Idempotency-Key", "req-1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp deployResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "d1", resp.DeploymentID)
	require.Equal(t, string(types.StatusPending), resp.Status)
}

func TestHandleDeployConflictMapsTo409(t *testing.T) {
	srv := New(&fakeManager{
		deployFn: func(req types.DeploymentRequest) (*types.DeploymentRecord, error) {
			return nil, deployment.ErrConflict
		},
	}, zerolog.Nop())

	body, _ := json.Marshal(deployRequestBody{AgentAppID: "a1", DeploymentID: "taken", PackageURL: "https://example.com/a.pkg"})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewBuffer(body))
	req.Header.Set("Idempotency-Key", "req-2")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleDeployInvalidBodyMapsTo400(t *testing.T) {
	srv := New(&fakeManager{
		deployFn: func(req types.DeploymentRequest) (*types.DeploymentRecord, error) {
			return nil, errs.New(errs.KindConfigInvalid, "packageSource scheme must be object-store or https")
		},
	}, zerolog.Nop())

	body, _ := json.Marshal(deployRequestBody{AgentAppID: "a1", PackageURL: "ftp://example.com/a.pkg"})
	req := httptest.NewRequest(http.MethodPost, "/deploy", bytes.NewBuffer(body))
	req.Header.Set("Idempotency-Key", "req-3")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthReportsSurfacesAndPorts(t *testing.T) {
	srv := New(&fakeManager{
		getFn: func(id string) (*types.DeploymentRecord, bool) {
			return &types.DeploymentRecord{
				DeploymentID: id,
				Status:       types.StatusHealthy,
				RESTPort:     8080,
				Surfaces:     types.SurfaceStatus{REST: true},
			}, true
		},
	}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/deployments/d1/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Healthy)
	require.True(t, resp.Surfaces.REST)
	require.False(t, resp.Surfaces.RPC)
	require.NotNil(t, resp.Ports)
	require.Equal(t, 8080, *resp.Ports.REST)
}

func TestHandleHealthUnknownDeploymentIs404(t *testing.T) {
	srv := New(&fakeManager{
		getFn: func(id string) (*types.DeploymentRecord, bool) { return nil, false },
	}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/deployments/missing/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteInitiatesDraining(t *testing.T) {
	teardownCalled := make(chan string, 1)
	srv := New(&fakeManager{
		getFn: func(id string) (*types.DeploymentRecord, bool) {
			return &types.DeploymentRecord{DeploymentID: id, Status: types.StatusHealthy}, true
		},
		teardownFn: func(id string) error {
			teardownCalled <- id
			return nil
		},
	}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodDelete, "/deployments/d1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "d1", <-teardownCalled)
}
