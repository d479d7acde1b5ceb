package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal        atomic.Uint64
	reqErrors       atomic.Uint64
	rateLimited     atomic.Uint64
	instancesActive atomic.Int64
	instanceCreates atomic.Uint64
	instanceRemoves atomic.Uint64
	portExhaustion  atomic.Uint64
	spawnFailures   atomic.Uint64
	mu              sync.RWMutex
	pathCount       map[string]uint64
	latencyBuckets  map[float64]uint64
	latencyInf      uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()                { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()          { r.rateLimited.Add(1) }
func (r *Registry) SetActiveInstances(v int) { r.instancesActive.Store(int64(v)) }
func (r *Registry) IncInstanceCreate()       { r.instanceCreates.Add(1) }
func (r *Registry) IncInstanceRemove()       { r.instanceRemoves.Add(1) }
func (r *Registry) IncPortExhaustion()       { r.portExhaustion.Add(1) }
func (r *Registry) IncSpawnFailure()         { r.spawnFailures.Add(1) }

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := false
	for b := range r.latencyBuckets {
		if secs <= b {
			r.latencyBuckets[b]++
			matched = true
		}
	}
	if !matched {
		r.latencyInf++
	}
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	fmt.Fprintln(&b, "# HELP tunneld_requests_total Total API requests")
	fmt.Fprintln(&b, "# TYPE tunneld_requests_total counter")
	fmt.Fprintf(&b, "tunneld_requests_total %d\n", r.reqTotal.Load())
	fmt.Fprintln(&b, "# HELP tunneld_request_errors_total Total API request errors")
	fmt.Fprintln(&b, "# TYPE tunneld_request_errors_total counter")
	fmt.Fprintf(&b, "tunneld_request_errors_total %d\n", r.reqErrors.Load())
	fmt.Fprintln(&b, "# HELP tunneld_rate_limited_total Total rate-limited requests")
	fmt.Fprintln(&b, "# TYPE tunneld_rate_limited_total counter")
	fmt.Fprintf(&b, "tunneld_rate_limited_total %d\n", r.rateLimited.Load())
	fmt.Fprintln(&b, "# HELP tunneld_instances_active Instances with a live relay process")
	fmt.Fprintln(&b, "# TYPE tunneld_instances_active gauge")
	fmt.Fprintf(&b, "tunneld_instances_active %d\n", r.instancesActive.Load())
	fmt.Fprintln(&b, "# HELP tunneld_instance_creates_total Total successful instance creations")
	fmt.Fprintln(&b, "# TYPE tunneld_instance_creates_total counter")
	fmt.Fprintf(&b, "tunneld_instance_creates_total %d\n", r.instanceCreates.Load())
	fmt.Fprintln(&b, "# HELP tunneld_instance_removes_total Total successful instance removals")
	fmt.Fprintln(&b, "# TYPE tunneld_instance_removes_total counter")
	fmt.Fprintf(&b, "tunneld_instance_removes_total %d\n", r.instanceRemoves.Load())
	fmt.Fprintln(&b, "# HELP tunneld_port_exhaustion_total Creations refused for lack of free ports")
	fmt.Fprintln(&b, "# TYPE tunneld_port_exhaustion_total counter")
	fmt.Fprintf(&b, "tunneld_port_exhaustion_total %d\n", r.portExhaustion.Load())
	fmt.Fprintln(&b, "# HELP tunneld_spawn_failures_total Relay processes that died during startup")
	fmt.Fprintln(&b, "# TYPE tunneld_spawn_failures_total counter")
	fmt.Fprintf(&b, "tunneld_spawn_failures_total %d\n", r.spawnFailures.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)

	fmt.Fprintln(&b, "# HELP tunneld_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE tunneld_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "tunneld_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP tunneld_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE tunneld_request_duration_seconds histogram")
	cumulative := uint64(0)
	for _, bound := range latencyBounds {
		cumulative += r.latencyBuckets[bound]
		fmt.Fprintf(&b, "tunneld_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "tunneld_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "tunneld_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
