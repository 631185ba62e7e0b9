package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogwatch/fogwatch/sim/analysis"
)

func completedPass(flagged bool) analysis.Pass {
	recs := []analysis.AnomalyRecord{
		{TimeMs: 10, Device: "cam-1", Flag: flagged, Score: 0.7, Category: analysis.CategoryCPUSpike},
		{TimeMs: 10, Device: "cam-2", Flag: false, Score: 0.2, Category: analysis.CategoryNormal},
	}
	s := analysis.Summarize(recs, 30)
	s.Algorithm = analysis.BaselineAlgorithm
	return analysis.Pass{
		ID:       "pass-1",
		Outcome:  analysis.Completed,
		Source:   analysis.SourceBaseline,
		Duration: 20 * time.Millisecond,
		Rows:     30,
		Result:   &analysis.Result{Anomalies: recs, Summary: s},
	}
}

func TestMetrics_ObservePass_UpdatesGauges(t *testing.T) {
	// GIVEN fresh metrics
	m := NewMetrics(nil)

	// WHEN a skipped and then a flagged completed pass are observed
	m.ObservePass(analysis.Pass{Outcome: analysis.Skipped})
	m.ObservePass(completedPass(true))

	// THEN counters and gauges reflect them
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("skipped", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passes.WithLabelValues("completed", "baseline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.isAnomaly))
	assert.Equal(t, 0.7, testutil.ToFloat64(m.anomalyScore))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flagged))
	require.NotNil(t, m.LastStatus())
	assert.Equal(t, "pass-1", m.LastStatus().PassID)

	// WHEN a clean pass follows THEN the anomaly gauge clears
	m.ObservePass(completedPass(false))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.isAnomaly))
}

func TestMetrics_TrackSamplerAndPool(t *testing.T) {
	m := NewMetrics(nil)
	m.TrackSampler(func() int { return 580 }, func() int { return 1740 })
	m.TrackPool(func() int { return 2 })

	n, err := testutil.GatherAndCount(m.Registry(),
		"fogwatch_sampler_firings_total", "fogwatch_telemetry_rows_total", "fogwatch_pool_running_tasks")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP fogwatch_telemetry_rows_total Telemetry rows appended to the log
# TYPE fogwatch_telemetry_rows_total counter
fogwatch_telemetry_rows_total 1740
`), "fogwatch_telemetry_rows_total")
	assert.NoError(t, err)
}

func TestServer_Endpoints(t *testing.T) {
	m := NewMetrics(nil)
	s := NewServer("127.0.0.1:0", m)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	// health
	rec := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	// status before any completed pass
	rec = get("/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"pending"}`, rec.Body.String())

	// status after a completed pass
	m.ObservePass(completedPass(true))
	rec = get("/status")
	var st analysis.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, analysis.StatusAnalyzed, st.Status)
	assert.Equal(t, "pass-1", st.PassID)
	assert.True(t, st.AnomaliesDetected)

	// metrics exposition
	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fogwatch_is_anomaly 1")
	assert.Contains(t, rec.Body.String(), `fogwatch_http_requests_total{endpoint="/status",method="GET",status="200"} 2`)

	// unknown method
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Serve_StopsOnContextCancel(t *testing.T) {
	// GIVEN a server on an ephemeral port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ln.Addr().String(), NewMetrics(nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	// WHEN it answers a request and is then cancelled
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cancel()

	// THEN Serve returns cleanly
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_Run_BadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:bad", NewMetrics(nil))
	assert.Error(t, s.Run(context.Background()))
}

type fakePublisher struct {
	published []analysis.Status
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, st analysis.Status) error {
	f.published = append(f.published, st)
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

func TestForwarder_PublishesCompletedPassesOnly(t *testing.T) {
	pub := &fakePublisher{}
	fw := Forwarder{Pub: pub}

	fw.ObservePass(analysis.Pass{Outcome: analysis.Skipped})
	fw.ObservePass(analysis.Pass{Outcome: analysis.Failed, Err: errors.New("io")})
	fw.ObservePass(completedPass(true))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "pass-1", pub.published[0].PassID)
	assert.True(t, pub.published[0].IsAnomaly)
}

func TestForwarder_PublishErrorIsLoggedNotPropagated(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	assert.NotPanics(t, func() { Forwarder{Pub: pub}.ObservePass(completedPass(false)) })
	assert.Len(t, pub.published, 1)
}

func TestNewRedisPublisher_Unreachable(t *testing.T) {
	// GIVEN a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewRedisPublisher(addr)
	assert.Error(t, err)
}
