package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gshost/tunneld/internal/auth"
	"github.com/gshost/tunneld/internal/config"
	"github.com/gshost/tunneld/internal/metrics"
	"github.com/gshost/tunneld/internal/registry"
)

// Registry is the engine surface the handlers need. The concrete
// implementation lives in internal/registry.
type Registry interface {
	Create(ctx context.Context, in registry.CreateInput) (registry.Instance, error)
	Remove(ctx context.Context, serverID string) error
	Get(serverID string) (registry.Instance, error)
	List() []registry.Instance
	ClientConfig(serverID, hostIP string) (string, error)
	ShutdownAll(ctx context.Context) registry.ShutdownSummary
	ActiveCount() int
}

type Server struct {
	cfg       config.Config
	engine    Registry
	metrics   *metrics.Registry
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg config.Config, engine Registry, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, engine: engine, metrics: reg, logger: logger, startedAt: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(s.cfg.Observability.MetricsPath, s.handleMetrics)

	mux.HandleFunc("/api/instances", s.handleInstances)
	mux.HandleFunc("/api/instances/", s.handleInstanceByID)
	mux.HandleFunc("/api/admin/shutdown-all", s.handleShutdownAll)
	return mux
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodPost:
		s.handleCreate(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing caller identity.", nil)
		return
	}
	payloads := []InstancePayload{}
	for _, inst := range s.engine.List() {
		if !id.CanAccess(inst.OwnerID) {
			continue
		}
		payloads = append(payloads, s.toPayload(inst))
	}
	writeJSON(w, http.StatusOK, InstanceListResponse{OK: true, Instances: payloads})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing caller identity.", nil)
		return
	}
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Body must be a JSON object.", nil)
		return
	}

	inst, err := s.engine.Create(r.Context(), registry.CreateInput{
		ServerID:      req.ServerID,
		GamePort:      req.GamePort,
		QueryPort:     req.QueryPort,
		OwnerID:       id.ID,
		OwnerUsername: id.Username,
	})
	if err != nil {
		s.writeEngineErr(w, r, err)
		return
	}
	s.metrics.IncInstanceCreate()
	writeJSON(w, http.StatusCreated, CreateInstanceResponse{OK: true, Instance: s.toPayload(inst)})
}

func (s *Server) handleInstanceByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", "Instance not found.", nil)
		return
	}
	parts := strings.Split(path, "/")
	serverID := parts[0]
	if serverID == "" {
		writeError(w, http.StatusNotFound, "not_found", "Instance not found.", nil)
		return
	}

	if len(parts) == 1 {
		s.handleSingleInstance(w, r, serverID)
		return
	}
	if len(parts) == 2 && parts[1] == "client-config" {
		s.handleClientConfig(w, r, serverID)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "Endpoint not found.", nil)
}

func (s *Server) handleSingleInstance(w http.ResponseWriter, r *http.Request, serverID string) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing caller identity.", nil)
		return
	}
	inst, err := s.engine.Get(serverID)
	if err != nil {
		s.writeEngineErr(w, r, err)
		return
	}
	if !id.CanAccess(inst.OwnerID) {
		writeError(w, http.StatusForbidden, "forbidden", "You do not own this instance.", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, GetInstanceResponse{OK: true, Instance: s.toPayload(inst)})
	case http.MethodDelete:
		if err := s.engine.Remove(r.Context(), serverID); err != nil {
			s.writeEngineErr(w, r, err)
			return
		}
		s.metrics.IncInstanceRemove()
		writeJSON(w, http.StatusOK, DeleteInstanceResponse{OK: true, ServerID: serverID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
	}
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request, serverID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing caller identity.", nil)
		return
	}
	inst, err := s.engine.Get(serverID)
	if err != nil {
		s.writeEngineErr(w, r, err)
		return
	}
	if !id.CanAccess(inst.OwnerID) {
		writeError(w, http.StatusForbidden, "forbidden", "You do not own this instance.", nil)
		return
	}
	text, err := s.engine.ClientConfig(serverID, r.URL.Query().Get("host_ip"))
	if err != nil {
		s.writeEngineErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClientConfigResponse{OK: true, ServerID: serverID, Config: text})
}

func (s *Server) handleShutdownAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Missing caller identity.", nil)
		return
	}
	if !id.Privileged() {
		writeError(w, http.StatusForbidden, "forbidden", "Admin role required.", nil)
		return
	}
	summary := s.engine.ShutdownAll(r.Context())
	writeJSON(w, http.StatusOK, ShutdownAllResponse{OK: true, Removed: summary.Removed, Remaining: summary.Remaining})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	active := s.engine.ActiveCount()
	s.metrics.SetActiveInstances(active)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Version:         s.cfg.Server.Version,
		Uptime:          int64(time.Since(s.startedAt).Seconds()),
		ActiveInstances: active,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

// writeEngineErr is the single place registry errors turn into HTTP
// status codes.
func (s *Server) writeEngineErr(w http.ResponseWriter, r *http.Request, err error) {
	var spawnFail *registry.SpawnFailure
	switch {
	case errors.Is(err, registry.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid instance parameters.", map[string]any{"error": err.Error()})
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Instance not found.", nil)
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, "already_exists", "An instance with this server id already exists.", nil)
	case errors.Is(err, registry.ErrExhausted):
		s.metrics.IncPortExhaustion()
		writeError(w, http.StatusServiceUnavailable, "capacity_full", "No free ports left in the configured ranges.", nil)
	case errors.As(err, &spawnFail):
		s.metrics.IncSpawnFailure()
		var details any
		if id, ok := auth.IdentityFrom(r.Context()); ok && id.Privileged() {
			details = map[string]any{"log_tail": spawnFail.LogTail}
		}
		writeError(w, http.StatusInternalServerError, "spawn_failed", "Relay process failed to start.", details)
	default:
		s.logger.Error("registry_error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "Operation failed.", map[string]any{"error": err.Error()})
	}
}

func (s *Server) toPayload(inst registry.Instance) InstancePayload {
	return InstancePayload{
		ServerID:        inst.ServerID,
		OwnerID:         inst.OwnerID,
		OwnerUsername:   inst.OwnerUsername,
		GamePort:        inst.GamePort,
		QueryPort:       inst.QueryPort,
		PublicHost:      s.cfg.Relay.PublicHost,
		ControlPort:     inst.ControlPort,
		TunnelGamePort:  inst.TunnelGamePort,
		TunnelQueryPort: inst.TunnelQueryPort,
		Token:           inst.Token,
		IsRunning:       inst.IsRunning,
		CreatedAt:       inst.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string, details any) {
	writeJSON(w, code, ErrorEnvelope{Error: ErrorBody{Code: errCode, Message: message, Details: details}})
}
