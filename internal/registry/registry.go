package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gshost/tunneld/internal/config"
	"github.com/gshost/tunneld/internal/ports"
	"github.com/gshost/tunneld/internal/relayconf"
	"github.com/gshost/tunneld/internal/store"
	"github.com/gshost/tunneld/internal/supervisor"
)

var (
	ErrNotFound   = errors.New("not_found")
	ErrConflict   = errors.New("already_exists")
	ErrValidation = errors.New("invalid_input")
	// ErrExhausted re-exports the allocator's capacity error so API callers
	// only depend on this package.
	ErrExhausted = ports.ErrExhausted
)

// SpawnFailure reports a relay process that died during the startup probe.
// LogTail carries the end of the captured process log for diagnosis.
type SpawnFailure struct {
	Err     error
	LogTail string
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("relay spawn failed: %v", e.Err)
}

func (e *SpawnFailure) Unwrap() error { return e.Err }

const (
	instanceKeyPrefix = "tunnel:instance:"
	controlPortsKey   = "tunnel:ports:control"
	tunnelPortsKey    = "tunnel:ports:tunnel"

	serverConfigName = "server.toml"
	pidFileName      = "relay.pid"
	logFileName      = "relay.log"
)

var serverIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Registry owns the full lifecycle of relay instances: port allocation,
// config generation, process supervision, the in-memory index and the
// durable mirror. A single mutex serializes every mutation.
type Registry struct {
	cfg   config.Config
	store store.Store
	sup   supervisor.Supervisor
	log   *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	order     []string
	alloc     *ports.Allocator

	controlRange ports.Range
	tunnelRange  ports.Range
}

func New(ctx context.Context, cfg config.Config, st store.Store, sup supervisor.Supervisor, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(cfg.Relay.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	r := &Registry{
		cfg:          cfg,
		store:        st,
		sup:          sup,
		log:          logger,
		instances:    map[string]*Instance{},
		alloc:        ports.NewAllocator(),
		controlRange: ports.Range{Start: cfg.Relay.ControlPortStart, End: cfg.Relay.ControlPortEnd},
		tunnelRange:  ports.Range{Start: cfg.Relay.TunnelPortStart, End: cfg.Relay.TunnelPortEnd},
	}
	if err := r.recover(ctx); err != nil {
		return nil, fmt.Errorf("recover instances: %w", err)
	}
	return r, nil
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := validateInput(in); err != nil {
		return Instance{}, err
	}
	if _, ok := r.instances[in.ServerID]; ok {
		return Instance{}, fmt.Errorf("instance %s: %w", in.ServerID, ErrConflict)
	}

	controlPort, err := r.alloc.Allocate(r.controlRange, in.ServerID)
	if err != nil {
		return Instance{}, fmt.Errorf("allocate control port: %w", err)
	}
	tunnelGame, err := r.alloc.Allocate(r.tunnelRange, in.ServerID)
	if err != nil {
		r.alloc.Release(controlPort)
		return Instance{}, fmt.Errorf("allocate tunnel game port: %w", err)
	}
	tunnelQuery := 0
	if in.QueryPort > 0 {
		tunnelQuery, err = r.alloc.Allocate(r.tunnelRange, in.ServerID)
		if err != nil {
			r.alloc.Release(tunnelGame)
			r.alloc.Release(controlPort)
			return Instance{}, fmt.Errorf("allocate tunnel query port: %w", err)
		}
	}

	releaseAll := func() {
		if tunnelQuery > 0 {
			r.alloc.Release(tunnelQuery)
		}
		r.alloc.Release(tunnelGame)
		r.alloc.Release(controlPort)
	}

	token, err := newToken(r.cfg.Relay.TokenBytes)
	if err != nil {
		releaseAll()
		return Instance{}, fmt.Errorf("generate token: %w", err)
	}

	configDir := filepath.Join(r.cfg.Relay.DataDir, in.ServerID)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		releaseAll()
		return Instance{}, fmt.Errorf("create instance dir: %w", err)
	}
	serverConfig := relayconf.ServerConfig(relayconf.ServerParams{
		ServerID:        in.ServerID,
		BindAddr:        r.cfg.Relay.BindAddr,
		ControlPort:     controlPort,
		TunnelGamePort:  tunnelGame,
		TunnelQueryPort: tunnelQuery,
		Token:           token,
	})
	configPath := filepath.Join(configDir, serverConfigName)
	if err := os.WriteFile(configPath, []byte(serverConfig), 0o640); err != nil {
		_ = os.RemoveAll(configDir)
		releaseAll()
		return Instance{}, fmt.Errorf("write server config: %w", err)
	}

	handle, err := r.sup.Spawn(ctx, supervisor.SpawnSpec{
		Command: r.cfg.Relay.BinaryPath,
		Args:    []string{"--server", configPath},
		Dir:     configDir,
		LogPath: filepath.Join(configDir, logFileName),
	})
	if err != nil {
		_ = os.RemoveAll(configDir)
		releaseAll()
		var spawnErr *supervisor.SpawnError
		if errors.As(err, &spawnErr) {
			return Instance{}, &SpawnFailure{Err: spawnErr.Err, LogTail: spawnErr.LogTail}
		}
		return Instance{}, &SpawnFailure{Err: err}
	}

	if err := os.WriteFile(filepath.Join(configDir, pidFileName), []byte(strconv.Itoa(handle.PID)), 0o640); err != nil {
		r.log.Warn("pid_file_write_failed", slog.String("server_id", in.ServerID), slog.String("error", err.Error()))
	}

	inst := &Instance{
		ServerID:        in.ServerID,
		OwnerID:         in.OwnerID,
		OwnerUsername:   in.OwnerUsername,
		GamePort:        in.GamePort,
		QueryPort:       in.QueryPort,
		ControlPort:     controlPort,
		TunnelGamePort:  tunnelGame,
		TunnelQueryPort: tunnelQuery,
		Token:           token,
		PID:             handle.PID,
		IsRunning:       true,
		ConfigDir:       configDir,
		CreatedAt:       time.Now().UTC(),
	}
	r.persist(ctx, inst)
	r.instances[inst.ServerID] = inst
	r.order = append(r.order, inst.ServerID)

	r.log.Info("instance_created",
		slog.String("server_id", inst.ServerID),
		slog.Int("control_port", controlPort),
		slog.Int("tunnel_game_port", tunnelGame),
		slog.Int("tunnel_query_port", tunnelQuery),
		slog.Int("pid", handle.PID))
	return *inst, nil
}

func (r *Registry) Remove(ctx context.Context, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(ctx, serverID)
}

// removeLocked tears one instance down in fixed order: process, ports,
// files, records. Callers hold r.mu.
func (r *Registry) removeLocked(ctx context.Context, serverID string) error {
	inst, ok := r.instances[serverID]
	if !ok {
		return fmt.Errorf("instance %s: %w", serverID, ErrNotFound)
	}

	if inst.PID > 0 {
		grace := time.Duration(r.cfg.Relay.StopGraceSeconds) * time.Second
		if err := r.sup.Stop(inst.PID, grace); err != nil {
			return fmt.Errorf("stop relay process: %w", err)
		}
	}

	if inst.TunnelQueryPort > 0 {
		r.alloc.Release(inst.TunnelQueryPort)
	}
	r.alloc.Release(inst.TunnelGamePort)
	r.alloc.Release(inst.ControlPort)

	if err := os.RemoveAll(inst.ConfigDir); err != nil {
		r.log.Warn("instance_dir_remove_failed", slog.String("server_id", serverID), slog.String("error", err.Error()))
	}
	r.unpersist(ctx, inst)

	delete(r.instances, serverID)
	for i, id := range r.order {
		if id == serverID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Info("instance_removed", slog.String("server_id", serverID))
	return nil
}

func (r *Registry) Get(serverID string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[serverID]
	if !ok {
		return Instance{}, fmt.Errorf("instance %s: %w", serverID, ErrNotFound)
	}
	return *inst, nil
}

// List returns every instance in creation order.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.instances[id])
	}
	return out
}

// ClientConfig regenerates the worker-side relay config for an instance.
// hostIP is the address the relay client dials to reach the local game
// server, typically 127.0.0.1 when co-located.
func (r *Registry) ClientConfig(serverID, hostIP string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[serverID]
	if !ok {
		return "", fmt.Errorf("instance %s: %w", serverID, ErrNotFound)
	}
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	return relayconf.ClientConfig(relayconf.ClientParams{
		ServerID:       inst.ServerID,
		RelayHost:      r.cfg.Relay.PublicHost,
		ControlPort:    inst.ControlPort,
		HostIP:         hostIP,
		LocalGamePort:  inst.GamePort,
		LocalQueryPort: inst.QueryPort,
		Token:          inst.Token,
	}), nil
}

func (r *Registry) ShutdownAll(ctx context.Context) ShutdownSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := ShutdownSummary{Removed: []string{}, Remaining: []string{}}
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	for _, id := range ids {
		if err := r.removeLocked(ctx, id); err != nil {
			r.log.Error("shutdown_remove_failed", slog.String("server_id", id), slog.String("error", err.Error()))
			summary.Remaining = append(summary.Remaining, id)
			continue
		}
		summary.Removed = append(summary.Removed, id)
	}
	return summary
}

// ActiveCount reports instances currently believed to be running.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inst := range r.instances {
		if inst.IsRunning {
			n++
		}
	}
	return n
}

// RefreshLiveness re-probes every recorded pid and updates is_running.
// Changed records are re-mirrored. Returns the number still running.
func (r *Registry) RefreshLiveness(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := 0
	for _, inst := range r.instances {
		alive := inst.PID > 0 && r.sup.Alive(inst.PID)
		if alive {
			running++
		}
		if alive != inst.IsRunning {
			inst.IsRunning = alive
			r.persist(ctx, inst)
			r.log.Info("instance_liveness_changed",
				slog.String("server_id", inst.ServerID),
				slog.Bool("is_running", alive))
		}
	}
	return running
}

// persist mirrors a record and its port hash entries. The store is a
// mirror, not the source of truth, so failures log and do not abort.
func (r *Registry) persist(ctx context.Context, inst *Instance) {
	b, err := json.Marshal(inst)
	if err != nil {
		r.log.Warn("instance_marshal_failed", slog.String("server_id", inst.ServerID), slog.String("error", err.Error()))
		return
	}
	if err := r.store.Put(ctx, instanceKeyPrefix+inst.ServerID, string(b)); err != nil {
		r.log.Warn("store_put_failed", slog.String("server_id", inst.ServerID), slog.String("error", err.Error()))
	}
	r.hset(ctx, controlPortsKey, inst.ControlPort, inst.ServerID)
	r.hset(ctx, tunnelPortsKey, inst.TunnelGamePort, inst.ServerID)
	if inst.TunnelQueryPort > 0 {
		r.hset(ctx, tunnelPortsKey, inst.TunnelQueryPort, inst.ServerID)
	}
}

func (r *Registry) unpersist(ctx context.Context, inst *Instance) {
	if err := r.store.Delete(ctx, instanceKeyPrefix+inst.ServerID); err != nil {
		r.log.Warn("store_delete_failed", slog.String("server_id", inst.ServerID), slog.String("error", err.Error()))
	}
	r.hdel(ctx, controlPortsKey, inst.ControlPort)
	r.hdel(ctx, tunnelPortsKey, inst.TunnelGamePort)
	if inst.TunnelQueryPort > 0 {
		r.hdel(ctx, tunnelPortsKey, inst.TunnelQueryPort)
	}
}

func (r *Registry) hset(ctx context.Context, key string, port int, serverID string) {
	if err := r.store.HSet(ctx, key, strconv.Itoa(port), serverID); err != nil {
		r.log.Warn("store_hset_failed", slog.String("key", key), slog.Int("port", port), slog.String("error", err.Error()))
	}
}

func (r *Registry) hdel(ctx context.Context, key string, port int) {
	if err := r.store.HDel(ctx, key, strconv.Itoa(port)); err != nil {
		r.log.Warn("store_hdel_failed", slog.String("key", key), slog.Int("port", port), slog.String("error", err.Error()))
	}
}

func validateInput(in CreateInput) error {
	if !serverIDRe.MatchString(in.ServerID) {
		return fmt.Errorf("%w: server_id must match %s", ErrValidation, serverIDRe.String())
	}
	if in.GamePort < 1 || in.GamePort > 65535 {
		return fmt.Errorf("%w: game_port must be within 1..65535", ErrValidation)
	}
	if in.QueryPort != 0 {
		if in.QueryPort < 1 || in.QueryPort > 65535 {
			return fmt.Errorf("%w: query_port must be within 1..65535", ErrValidation)
		}
		if in.QueryPort == in.GamePort {
			return fmt.Errorf("%w: query_port must differ from game_port", ErrValidation)
		}
	}
	return nil
}

func newToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
