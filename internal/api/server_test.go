package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/attribution"
	"scribe/internal/config"
	"scribe/internal/engine"
	"scribe/internal/forensics"
	"scribe/internal/metrics"
	"scribe/internal/network"
	"scribe/internal/profile"
	"scribe/internal/report"
	"scribe/internal/store"
	"scribe/internal/testcorpus"
	"scribe/internal/tracing"
)

// =============================================================================
// Helpers
// =============================================================================

type testServer struct {
	*httptest.Server
	engine *engine.Engine
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.Driver = store.DriverPure
	cfg.Storage.Path = filepath.Join(t.TempDir(), "scribe.db")
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.Storage.Path, store.Options{Driver: store.DriverPure})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	e, err := engine.New(cfg, engine.Options{Store: st, Metrics: m})
	require.NoError(t, err)

	srv := NewServer(e, Options{Config: cfg.Server, Metrics: m})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, engine: e}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) ingest(t *testing.T, author string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		_, err := ts.engine.Ingest(context.Background(), author, text, "seed-"+string(rune('a'+i)), forensics.ExtractOptions{})
		require.NoError(t, err)
	}
}

// =============================================================================
// Analysis endpoints
// =============================================================================

func TestFingerprintEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/v1/fingerprint", map[string]any{"text": testcorpus.Essay(0)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fp := decode[forensics.Fingerprint](t, resp)
	assert.Equal(t, ts.engine.Calibration().Tag(), fp.Version)
	assert.Len(t, fp.Vector, ts.engine.Calibration().Dimensions())
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestFingerprintEndpointSegmented(t *testing.T) {
	ts := newTestServer(t, nil)

	text := testcorpus.Essay(0)
	var tok forensics.SimpleTokenizer
	var sentences [][]string
	for _, sent := range tok.Sentences(text) {
		sentences = append(sentences, tok.Words(sent))
	}

	resp := ts.do(t, http.MethodPost, "/v1/fingerprint", map[string]any{"text": text, "sentences": sentences})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fp := decode[forensics.Fingerprint](t, resp)
	assert.Equal(t, ts.engine.Calibration().Tag(), fp.Version)
	assert.Len(t, fp.Vector, ts.engine.Calibration().Dimensions())
	assert.Equal(t, len(sentences), fp.Size.Sentences)
	assert.False(t, fp.LowConfidence)

	resp = ts.do(t, http.MethodPost, "/v1/fingerprint", map[string]any{"sentences": [][]string{{}}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestFingerprintErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   any
		status int
		typ    string
	}{
		{"short sample", map[string]any{"text": testcorpus.Short}, http.StatusUnprocessableEntity, "insufficient_sample"},
		{"malformed json", `{"text": `, http.StatusUnprocessableEntity, "invalid_input"},
		{"unknown field", map[string]any{"text": "x", "extra": 1}, http.StatusUnprocessableEntity, "invalid_input"},
		{"neither text nor fingerprint", map[string]any{"author_id": "alice"}, http.StatusUnprocessableEntity, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/v1/fingerprint", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, tt.typ, body.Error.Type)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestFingerprintAllowShort(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/v1/fingerprint", map[string]any{"text": testcorpus.Short, "allow_short": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[forensics.Fingerprint](t, resp).LowConfidence)
}

func TestBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 128 })
	resp := ts.do(t, http.MethodPost, "/v1/fingerprint", map[string]any{"text": testcorpus.Essay(0)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAttributeEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t, "alice", testcorpus.Essay(0), testcorpus.Essay(1))
	ts.ingest(t, "bob", testcorpus.Shouty())

	resp := ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"text": testcorpus.Essay(2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[attribution.Result](t, resp)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "alice", res.Matches[0].AuthorID)
}

func TestAttributeEndpointCandidates(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t, "alice", testcorpus.Essay(0))
	ts.ingest(t, "bob", testcorpus.Shouty())

	resp := ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"text": testcorpus.Essay(2), "candidates": []string{"bob"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[attribution.Result](t, resp)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "bob", res.Matches[0].AuthorID)

	resp = ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"text": testcorpus.Essay(2), "candidates": []string{"carol"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"text": testcorpus.Essay(2), "candidates": []string{}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[attribution.Result](t, resp).Matches)
}

func TestAttributeEndpointFingerprint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t, "alice", testcorpus.Essay(0))

	fp, err := ts.engine.ExtractFingerprint(context.Background(), testcorpus.Essay(1), forensics.ExtractOptions{})
	require.NoError(t, err)
	resp := ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"fingerprint": fp})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[attribution.Result](t, resp)
	assert.Equal(t, fp.ID, res.FingerprintID)
}

func TestAttributeEndpointImportedVector(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t, "alice", testcorpus.Essay(0))

	fp, err := ts.engine.ExtractFingerprint(context.Background(), testcorpus.Essay(1), forensics.ExtractOptions{})
	require.NoError(t, err)
	resp := ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"fingerprint": fp})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	want := decode[attribution.Result](t, resp)
	require.Len(t, want.Matches, 1)

	scaled := *fp
	scaled.Vector = make([]float64, len(fp.Vector))
	for i, x := range fp.Vector {
		scaled.Vector[i] = 3 * x
	}
	resp = ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"fingerprint": scaled})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[attribution.Result](t, resp)
	require.Len(t, got.Matches, 1)
	assert.InDelta(t, want.Matches[0].Score, got.Matches[0].Score, 0.011)

	short := *fp
	short.Vector = fp.Vector[:len(fp.Vector)-1]
	resp = ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"fingerprint": short})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_input", decode[errorBody](t, resp).Error.Type)
}

func TestAnomalyEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t, "alice", testcorpus.Essay(0), testcorpus.Essay(1), testcorpus.Essay(2))

	resp := ts.do(t, http.MethodPost, "/v1/anomaly", map[string]any{"author_id": "alice", "text": testcorpus.PassiveBurst()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[report.AnomalyOutput](t, resp)
	assert.True(t, out.Anomalous)
	require.NotNil(t, out.Report)
	assert.Equal(t, "alice", out.Report.AuthorID)

	resp = ts.do(t, http.MethodPost, "/v1/anomaly", map[string]any{"author_id": "alice", "text": testcorpus.Essay(3)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[report.AnomalyOutput](t, resp)
	assert.False(t, out.Anomalous)
	assert.Nil(t, out.Report)

	resp = ts.do(t, http.MethodPost, "/v1/anomaly", map[string]any{"text": testcorpus.Essay(3)})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestIngestEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodPost, "/v1/ingest", map[string]any{
		"samples": []map[string]any{
			{"author_id": "alice", "text": testcorpus.Essay(0), "source": "post-1"},
			{"author_id": "alice", "text": testcorpus.Short, "source": "post-2"},
			{"author_id": "alice", "text": testcorpus.Essay(0), "source": "post-1-again"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[engine.BatchResult](t, resp)
	require.Len(t, out.Ingested, 2)
	assert.False(t, out.Ingested[0].Duplicate)
	assert.True(t, out.Ingested[1].Duplicate)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, 1, out.Failed[0].Index)

	resp = ts.do(t, http.MethodPost, "/v1/ingest", map[string]any{
		"samples": []map[string]any{{"author_id": "../bad", "text": testcorpus.Essay(0)}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestNetworkEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resp := ts.do(t, http.MethodPost, "/v1/network", map[string]any{
		"accounts": []map[string]any{
			{"id": "a", "text": testcorpus.Essay(0), "timestamps": []time.Time{base}},
			{"id": "b", "text": testcorpus.Essay(1), "timestamps": []time.Time{base.Add(time.Minute)}},
			{"id": "c", "text": testcorpus.Shouty()},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[network.Result](t, resp)
	assert.Equal(t, 3, res.Accounts)
	require.Len(t, res.Clusters, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Clusters[0].Members)

	resp = ts.do(t, http.MethodPost, "/v1/network", map[string]any{
		"accounts": []map[string]any{{"id": "a", "text": testcorpus.Essay(0)}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

// =============================================================================
// Profiles and history
// =============================================================================

func TestProfileEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/v1/profiles", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*profile.Profile](t, resp))

	ts.ingest(t, "alice", testcorpus.Essay(0), testcorpus.Essay(1))

	resp = ts.do(t, http.MethodGet, "/v1/profiles", nil)
	assert.Len(t, decode[[]*profile.Profile](t, resp), 1)

	resp = ts.do(t, http.MethodGet, "/v1/profiles/alice?samples=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[report.ProfileOutput](t, resp)
	assert.Equal(t, 2, out.Profile.SampleCount)
	assert.Len(t, out.Samples, 1)

	resp = ts.do(t, http.MethodGet, "/v1/profiles/alice?samples=-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/v1/profiles/alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/profiles/alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, resp).Error.Type)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t, "alice", testcorpus.Essay(0))
	resp := ts.do(t, http.MethodPost, "/v1/attribute", map[string]any{"text": testcorpus.Essay(1)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/history?kind=attribution", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.EventSummary](t, resp), 1)

	resp = ts.do(t, http.MethodGet, "/v1/history?kind=network", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]store.EventSummary](t, resp))

	for _, q := range []string{"kind=bogus", "since=yesterday", "limit=abc"} {
		resp = ts.do(t, http.MethodGet, "/v1/history?"+q, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, q)
	}
}

func TestCalibrationAndStats(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/v1/calibration", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cal := decode[map[string]any](t, resp)
	assert.Equal(t, ts.engine.Calibration().Tag(), cal["tag"])

	ts.ingest(t, "alice", testcorpus.Essay(0))
	resp = ts.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[store.Stats](t, resp)
	assert.EqualValues(t, 1, stats.Profiles)
	assert.Equal(t, store.DriverPure, stats.Driver)
}

// =============================================================================
// Operational endpoints
// =============================================================================

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// readiness is set by Serve, not by Handler
	resp = ts.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/health?full=true", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/v1/fingerprint", map[string]any{"text": testcorpus.Essay(0)})

	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `scribe_fingerprints_total{result="ok"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.Metrics = false })
	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.RateBurst = 2
	})
	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodGet, "/v1/profiles", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/v1/profiles", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// operational endpoints are not limited
	resp = ts.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/v2/nothing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/fingerprint", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"
	e, err := engine.New(cfg, engine.Options{})
	require.NoError(t, err)
	srv := NewServer(e, Options{Config: cfg.Server})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health/ready"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

type spanRecorder struct {
	mu    sync.Mutex
	spans []tracing.SpanData
}

func (r *spanRecorder) Export(d tracing.SpanData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, d)
	return nil
}

func (r *spanRecorder) Close() error { return nil }

func (r *spanRecorder) snapshot() []tracing.SpanData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracing.SpanData(nil), r.spans...)
}

func TestTracePropagation(t *testing.T) {
	rec := &spanRecorder{}
	tr, err := tracing.New(tracing.Config{SampleRatio: 0, Exporter: rec})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Storage.Type = "memory"
	e, err := engine.New(cfg, engine.Options{Tracer: tr})
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(e, Options{Config: cfg.Server, Tracer: tr}).Handler())
	defer ts.Close()

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	data, err := json.Marshal(map[string]any{"text": testcorpus.Essay(0)})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/fingerprint", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("traceparent", parent)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := tracing.ParseTraceParent(resp.Header.Get("traceparent"))
	require.NoError(t, err)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID.String())

	// The caller sampled the trace, so both spans are exported even though
	// the local ratio is zero.
	var spans []tracing.SpanData
	require.Eventually(t, func() bool {
		spans = rec.snapshot()
		return len(spans) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "engine.extract", spans[0].Name)
	assert.Equal(t, "http POST", spans[1].Name)
	assert.Equal(t, spans[1].SpanID, spans[0].ParentID)
	assert.Equal(t, "00f067aa0ba902b7", spans[1].ParentID)
	assert.Equal(t, "/v1/fingerprint", spans[1].Attributes["http.route"])
	assert.Equal(t, http.StatusOK, spans[1].Attributes["http.status"])
}
