package api

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"coinsnap/internal/domain"
)

// ServiceName is the gRPC health service name reported for the retry
// worker.
const ServiceName = "coinsnap.retry"

// RunStatus is the JSON view of the most recent run.
type RunStatus struct {
	RunID    string         `json:"run_id"`
	Kind     string         `json:"kind"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Counts   map[string]int `json:"counts"`
	Queued   int            `json:"queued"`
	Removed  int            `json:"removed"`
	Error    string         `json:"error,omitempty"`
}

// Status reports daemon state over HTTP and gRPC health.
type Status struct {
	health *health.Server

	mu      sync.RWMutex
	started time.Time
	runs    int
	last    *RunStatus
	next    time.Time
	healthy bool
}

// NewStatus returns a Status that reports SERVING until a run fails with a
// storage or schema error.
func NewStatus(now time.Time) *Status {
	s := &Status{health: health.NewServer(), started: now, healthy: true}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Health returns the gRPC health server.
func (s *Status) Health() *health.Server { return s.health }

// Record stores the outcome of a run. A fatal err marks the service
// NOT_SERVING; any later clean run restores it.
func (s *Status) Record(sum *domain.RunSummary, err error) {
	rs := &RunStatus{Counts: map[string]int{}}
	if sum != nil {
		rs.RunID, rs.Kind = sum.RunID, sum.Kind
		rs.Started, rs.Finished = sum.Started, sum.Finished
		rs.Queued, rs.Removed = sum.Queued, sum.Removed
		for st, n := range sum.Counts() {
			rs.Counts[string(st)] = n
		}
	}
	if err != nil {
		rs.Error = err.Error()
	}

	healthy := err == nil || !domain.IsFatal(err)

	s.mu.Lock()
	s.runs++
	s.last = rs
	s.healthy = healthy
	s.mu.Unlock()

	st := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// SetNext records when the next run is scheduled.
func (s *Status) SetNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

// Shutdown marks every service NOT_SERVING ahead of a stop.
func (s *Status) Shutdown() { s.health.Shutdown() }

// Healthy reports whether the last run left the service serving.
func (s *Status) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

type statusResponse struct {
	Healthy bool       `json:"healthy"`
	Started time.Time  `json:"started"`
	Runs    int        `json:"runs"`
	Next    *time.Time `json:"next,omitempty"`
	Last    *RunStatus `json:"last,omitempty"`
}

func (s *Status) snapshot() statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := statusResponse{Healthy: s.healthy, Started: s.started, Runs: s.runs, Last: s.last}
	if !s.next.IsZero() {
		next := s.next
		resp.Next = &next
	}
	return resp
}
