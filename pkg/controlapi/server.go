package controlapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/nestframe/agentrun/pkg/deployment"
	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/types"
)

// Manager is the subset of *deployment.Manager the Control API depends on.
type Manager interface {
	Deploy(req types.DeploymentRequest) (*types.DeploymentRecord, error)
	Get(deploymentID string) (*types.DeploymentRecord, bool)
	Teardown(deploymentID string) error
}

// Server wires the Control API's three routes onto a chi router.
type Server struct {
	mgr    Manager
	log    zerolog.Logger
	router chi.Router
}

// New builds a Server backed by mgr. CORS is permissive by default since
// authn/authz is explicitly out of scope (spec.md §1); a real deployment
// is expected to sit behind a gateway that applies policy.
func New(mgr Manager, log zerolog.Logger) *Server {
	s := &Server{mgr: mgr, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}))

	r.Post("/deploy", s.handleDeploy)
	r.Get("/deployments/{id}/health", s.handleHealth)
	r.Delete("/deployments/{id}", s.handleDelete)

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed straight to
// http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// deployRequestBody is the POST /deploy wire shape (spec.md §6).
type deployRequestBody struct {
	DeploymentID       string            `json:"deploymentId"`
	AgentAppID         string            `json:"agentAppId"`
	OrgID              string            `json:"orgId"`
	Version            string            `json:"version"`
	PackageURL         string            `json:"packageUrl"`
	PackageFingerprint string            `json:"packageFingerprint"`
	ForceRefresh       bool              `json:"forceRefresh"`
	Environment        map[string]string `json:"environment"`
	BasePath           string            `json:"basePath"`
}

type deployResponseBody struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("Idempotency-Key")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "missing required header Idempotency-Key")
		return
	}

	var body deployRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.AgentAppID == "" {
		writeError(w, http.StatusBadRequest, "agentAppId is required")
		return
	}
	if body.PackageURL == "" {
		writeError(w, http.StatusBadRequest, "packageUrl is required")
		return
	}

	req := types.DeploymentRequest{
		RequestID:          requestID,
		DeploymentID:       body.DeploymentID,
		AgentAppID:         body.AgentAppID,
		OrgID:              body.OrgID,
		Version:            body.Version,
		PackageSource:      body.PackageURL,
		PackageFingerprint: body.PackageFingerprint,
		ForceRefresh:       body.ForceRefresh,
		Environment:        body.Environment,
		BasePath:           body.BasePath,
	}

	rec, err := s.mgr.Deploy(req)
	if err != nil {
		if errors.Is(err, deployment.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if kind, ok := errs.KindOf(err); ok && kind == errs.KindConfigInvalid {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("deploy request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusAccepted, deployResponseBody{
		DeploymentID: rec.DeploymentID,
		Status:       string(rec.Status),
	})
}

type surfacesBody struct {
	REST bool `json:"rest"`
	RPC  bool `json:"rpc"`
	UI   bool `json:"ui"`
}

type portsBody struct {
	REST *int `json:"rest"`
	RPC  *int `json:"rpc"`
	UI   *int `json:"ui"`
}

type healthResponseBody struct {
	Status  string       `json:"status"`
	Healthy bool         `json:"healthy"`
	Message string       `json:"message,omitempty"`
	Surfaces surfacesBody `json:"surfaces"`
	Ports   *portsBody   `json:"ports,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.mgr.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown deployment")
		return
	}

	resp := healthResponseBody{
		Status:  string(rec.Status),
		Healthy: rec.Status == types.StatusHealthy,
		Surfaces: surfacesBody{
			REST: rec.Surfaces.REST,
			RPC:  rec.Surfaces.RPC,
			UI:   rec.Surfaces.UI,
		},
	}
	if rec.LastError != nil {
		resp.Message = rec.LastError.Message
	}
	if rec.PortsAllocated() {
		ports := &portsBody{}
		if rec.Surfaces.REST {
			ports.REST = intPtr(rec.RESTPort)
		}
		if rec.Surfaces.RPC {
			ports.RPC = intPtr(rec.RPCPort)
		}
		if rec.Surfaces.UI {
			ports.UI = intPtr(rec.UIPort)
		}
		resp.Ports = ports
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.mgr.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown deployment")
		return
	}

	go func() {
		if err := s.mgr.Teardown(id); err != nil {
			s.log.Warn().Err(err).Str("deployment_id", id).Msg("teardown did not complete cleanly")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"deploymentId": id, "status": string(types.StatusDraining)})
}

func intPtr(v int) *int { return &v }

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(sw.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
