package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"coinsnap/internal/domain"
)

var t0 = time.Date(2025, 12, 6, 0, 10, 0, 0, time.UTC)

func sampleSummary() *domain.RunSummary {
	return &domain.RunSummary{
		RunID:    "run-1",
		Kind:     "retry",
		Started:  t0,
		Finished: t0.Add(time.Minute),
		Results: []domain.EntityResult{
			{Entity: domain.Entity{ID: "bitcoin"}, Status: domain.StatusOK},
			{Entity: domain.Entity{ID: "solana"}, Status: domain.StatusError, Error: "HTTP 429"},
		},
		Queued:  1,
		Removed: 1,
	}
}

func TestStatusEndpoints(t *testing.T) {
	st := NewStatus(t0)
	st.Record(sampleSummary(), nil)
	st.SetNext(t0.Add(time.Hour))

	srv := httptest.NewServer(st.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Healthy)
	assert.Equal(t, 1, body.Runs)
	require.NotNil(t, body.Next)
	assert.True(t, body.Next.Equal(t0.Add(time.Hour)))
	require.NotNil(t, body.Last)
	assert.Equal(t, "run-1", body.Last.RunID)
	assert.Equal(t, 1, body.Last.Counts["ok"])
	assert.Equal(t, 1, body.Last.Counts["error"])
	assert.Equal(t, 1, body.Last.Queued)
}

func TestStatusFatalErrorUnhealthy(t *testing.T) {
	st := NewStatus(t0)
	st.Record(nil, &domain.PersistenceError{Op: "replace", Path: "queue.csv", Err: context.DeadlineExceeded})
	assert.False(t, st.Healthy())

	rec := httptest.NewRecorder()
	st.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// A per-entity or interrupted run does not flip health.
	st.Record(sampleSummary(), context.Canceled)
	assert.True(t, st.Healthy())
}

func TestGRPCHealth(t *testing.T) {
	st := NewStatus(t0)
	srv := NewServer(st, "", "")

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis, nil) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	st.Record(nil, &domain.SchemaError{Source: "rows.csv", Missing: []string{"id"}})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	st.Record(sampleSummary(), nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
