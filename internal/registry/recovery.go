package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gshost/tunneld/internal/relayconf"
)

// recover rebuilds the in-memory index after a restart. The durable store
// is preferred: it holds complete records including the worker-side ports.
// When the store has nothing, the data directory is scanned and each
// surviving server config is parsed back into a partial record. A dead or
// missing pid never fails recovery, it just marks the instance stopped.
func (r *Registry) recover(ctx context.Context) error {
	records, err := r.store.Scan(ctx, instanceKeyPrefix)
	if err != nil {
		r.log.Warn("recovery_store_scan_failed", slog.String("error", err.Error()))
		records = nil
	}
	if len(records) > 0 {
		r.recoverFromStore(ctx, records)
	} else {
		r.recoverFromDisk(ctx)
	}
	r.log.Info("recovery_completed",
		slog.Int("instances", len(r.order)),
		slog.Int("running", r.countRunningLocked()))
	return nil
}

func (r *Registry) recoverFromStore(ctx context.Context, records map[string]string) {
	insts := make([]*Instance, 0, len(records))
	for key, raw := range records {
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			r.log.Warn("recovery_record_invalid", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if inst.ServerID == "" {
			r.log.Warn("recovery_record_invalid", slog.String("key", key), slog.String("error", "empty server_id"))
			continue
		}
		insts = append(insts, &inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].CreatedAt.Before(insts[j].CreatedAt) })

	for _, inst := range insts {
		if !r.restorePorts(inst) {
			continue
		}
		inst.IsRunning = inst.PID > 0 && r.sup.Alive(inst.PID)
		r.persist(ctx, inst)
		r.instances[inst.ServerID] = inst
		r.order = append(r.order, inst.ServerID)
	}
}

func (r *Registry) recoverFromDisk(ctx context.Context) {
	entries, err := os.ReadDir(r.cfg.Relay.DataDir)
	if err != nil {
		r.log.Warn("recovery_dir_scan_failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		serverID := entry.Name()
		configDir := filepath.Join(r.cfg.Relay.DataDir, serverID)
		inst, ok := r.parseInstanceDir(serverID, configDir)
		if !ok {
			continue
		}
		if !r.restorePorts(inst) {
			continue
		}
		r.persist(ctx, inst)
		r.instances[serverID] = inst
		r.order = append(r.order, serverID)
	}
	sort.Strings(r.order)
}

// parseInstanceDir reconstructs what it can from an on-disk config. The
// worker-side game and query ports never appear in the server config, so
// they stay zero until the owner recreates the instance.
func (r *Registry) parseInstanceDir(serverID, configDir string) (*Instance, bool) {
	b, err := os.ReadFile(filepath.Join(configDir, serverConfigName))
	if err != nil {
		r.log.Warn("recovery_config_unreadable", slog.String("server_id", serverID), slog.String("error", err.Error()))
		return nil, false
	}
	parsed, err := relayconf.Parse(string(b))
	if err != nil {
		r.log.Warn("recovery_config_invalid", slog.String("server_id", serverID), slog.String("error", err.Error()))
		return nil, false
	}

	pid := readPIDFile(filepath.Join(configDir, pidFileName))
	alive := pid > 0 && r.sup.Alive(pid)
	if !alive {
		pid = 0
	}
	info, _ := os.Stat(configDir)
	inst := &Instance{
		ServerID:        serverID,
		ControlPort:     parsed.ControlPort,
		TunnelGamePort:  parsed.TunnelGamePort,
		TunnelQueryPort: parsed.TunnelQueryPort,
		Token:           parsed.Token,
		PID:             pid,
		IsRunning:       alive,
		ConfigDir:       configDir,
	}
	if info != nil {
		inst.CreatedAt = info.ModTime().UTC()
	}
	return inst, true
}

// restorePorts re-indexes an instance's ports. A conflict means two
// records claim the same port; the later one is dropped rather than
// corrupting the index.
func (r *Registry) restorePorts(inst *Instance) bool {
	claimed := []int{}
	claim := func(port int) bool {
		if port <= 0 {
			return true
		}
		if err := r.alloc.Restore(port, inst.ServerID); err != nil {
			r.log.Warn("recovery_port_conflict",
				slog.String("server_id", inst.ServerID),
				slog.Int("port", port),
				slog.String("error", err.Error()))
			return false
		}
		claimed = append(claimed, port)
		return true
	}
	if claim(inst.ControlPort) && claim(inst.TunnelGamePort) && claim(inst.TunnelQueryPort) {
		return true
	}
	for _, p := range claimed {
		r.alloc.Release(p)
	}
	return false
}

func (r *Registry) countRunningLocked() int {
	n := 0
	for _, inst := range r.instances {
		if inst.IsRunning {
			n++
		}
	}
	return n
}

func readPIDFile(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
