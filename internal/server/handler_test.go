package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"nginx-sentinel/internal/aggregate"
	"nginx-sentinel/internal/alert"
	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/detect"
	"nginx-sentinel/internal/enrich"
	"nginx-sentinel/internal/fanout"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"
	"nginx-sentinel/internal/parser"
	"nginx-sentinel/internal/pipeline"
	"nginx-sentinel/internal/store"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	h   *Handler
	mux *http.ServeMux
	db  *store.Store
	mgr *pipeline.Manager
	agg *aggregate.Aggregator
	m   *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Config{
		InstanceID:       "test",
		MaxLineBytes:     16 * 1024,
		ChannelSize:      256,
		ShardCount:       2,
		StoreBatchSize:   64,
		FlushInterval:    20 * time.Millisecond,
		SubscriberBuffer: 8,
	}

	source, err := config.NewDetectionSource(filepath.Join(t.TempDir(), "detection.yaml"))
	require.NoError(t, err)
	p, err := parser.New(nil, cfg.MaxLineBytes)
	require.NoError(t, err)

	m := metrics.New()
	db, err := store.Open(":memory:", m)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := fanout.NewHub(cfg.SubscriberBuffer, m)
	state := detect.NewState(cfg.ShardCount, source)
	emitter := alert.NewEmitter(source, m, db, hub)
	agg := aggregate.New(cfg.ShardCount)

	mgr := pipeline.NewManager(cfg, p, enrich.New(nil, enrich.RuleUAClassifier{}), state, emitter, agg, db, hub, m, nil)
	mgr.Start()
	t.Cleanup(func() { mgr.Stop(); hub.Close() })

	h := NewHandler(cfg, m, mgr, db, agg, hub)
	return &testServer{h: h, mux: h.Mux(), db: db, mgr: mgr, agg: agg, m: m}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestIngestEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := `203.0.113.7 - - [10/Oct/2023:13:55:36 +0000] "GET / HTTP/1.1" 200 100 "-" "Mozilla/5.0 (X11; Linux x86_64)"
198.51.100.2 - - [10/Oct/2023:13:55:37 +0000] "GET /a HTTP/1.1" 404 0 "-" "Mozilla/5.0 (X11; Linux x86_64)"
`
	w := ts.do(t, http.MethodPost, "/ingest?source=edge-1", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)

	// 배수 후 store 반영 확인.
	ts.mgr.Stop()
	recs, err := ts.db.Records(context.Background(), store.RecordQuery{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestIngestOversizedLineDoesNotDropTail(t *testing.T) {
	ts := newTestServer(t)

	// MaxLineBytes(16KB) 를 한참 넘는 라인 뒤에도 유효 라인이 있다.
	// 과대 라인은 parse 단계에서 집계/거부될 뿐, 배치 잔여분을
	// 유실시키면 안 된다.
	body := `203.0.113.7 - - [10/Oct/2023:13:55:36 +0000] "GET /a HTTP/1.1" 200 100 "-" "Mozilla/5.0 (X11; Linux x86_64)"` + "\n" +
		strings.Repeat("A", 100*1024) + "\n" +
		`198.51.100.2 - - [10/Oct/2023:13:55:37 +0000] "GET /b HTTP/1.1" 200 100 "-" "Mozilla/5.0 (X11; Linux x86_64)"` + "\n" +
		`198.51.100.3 - - [10/Oct/2023:13:55:38 +0000] "GET /c HTTP/1.1" 404 0 "-" "Mozilla/5.0 (X11; Linux x86_64)"` + "\n"

	w := ts.do(t, http.MethodPost, "/ingest?source=edge-2", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Accepted int `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Accepted, "과대 라인 포함 전 라인이 큐에 수락된다")

	ts.mgr.Stop()

	recs, err := ts.db.Records(context.Background(), store.RecordQuery{})
	require.NoError(t, err)
	assert.Len(t, recs, 3, "과대 라인 이후 라인도 전부 커밋된다")
	assert.Equal(t, int64(1), ts.m.ParseErrorsTotal, "과대 라인은 거부로 집계")
}

func TestIngestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/ingest", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestBucketsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	hour := time.Date(2023, 10, 10, 13, 0, 0, 0, time.UTC)

	ts.agg.Update(&model.LogRecord{
		Ts: hour.UnixMilli(), ClientIP: "1.1.1.1", Path: "/x", Status: 200, BytesSent: 10,
	})

	target := "/api/metrics?granularity=hour&from=" +
		itoa(hour.UnixMilli()) + "&to=" + itoa(hour.Add(time.Hour).UnixMilli())
	w := ts.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Granularity string                `json:"granularity"`
		Buckets     []model.MetricsBucket `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hour", resp.Granularity)
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, int64(1), resp.Buckets[0].RequestCount)
}

func TestBucketsValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/metrics?granularity=minute&from=1&to=2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// from/to 누락
	w = ts.do(t, http.MethodGet, "/api/metrics?granularity=hour", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// to <= from
	w = ts.do(t, http.MethodGet, "/api/metrics?granularity=hour&from=2000&to=1000", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var b errBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "InvalidRange", b.Error.Kind)
}

func TestTopEndpoint(t *testing.T) {
	ts := newTestServer(t)
	hour := time.Date(2023, 10, 10, 13, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ts.agg.Update(&model.LogRecord{Ts: hour.UnixMilli(), ClientIP: "9.9.9.9", Path: "/hot", Status: 200})
	}
	ts.agg.Update(&model.LogRecord{Ts: hour.UnixMilli(), ClientIP: "8.8.8.8", Path: "/cold", Status: 200})

	target := "/api/top?dimension=ip&limit=5&from=" +
		itoa(hour.UnixMilli()) + "&to=" + itoa(hour.Add(time.Hour).UnixMilli())
	w := ts.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Dimension string         `json:"dimension"`
		Top       []aggregate.KV `json:"top"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Top, 2)
	assert.Equal(t, "9.9.9.9", resp.Top[0].Key)

	// 잘못된 dimension — 안내 메시지는 유효 dimension 전체를 나열한다.
	w = ts.do(t, http.MethodGet, "/api/top?dimension=referrer&from=1&to=2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var b errBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Contains(t, b.Error.Message, "method")
}

func TestAlertsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.db.PublishAlert(&model.Alert{
		ID: "a1", Ts: 1700000000000, Type: model.AttackBruteForce,
		ClientIP: "1.2.3.4", Endpoint: "/login", Confidence: 0.9,
	})

	w := ts.do(t, http.MethodGet, "/api/alerts?type=brute_force", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Alerts []*model.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, "a1", resp.Alerts[0].ID)

	w = ts.do(t, http.MethodGet, "/api/alerts?type=dos", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Alerts)
}

func TestSummaryEndpoint(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.db.SaveSummary(context.Background(), &model.BatchSummary{
		SourceFileID: "src-1", Path: "a.log", LinesTotal: 10, ParsedOK: 10,
		ContentHash: "ffff", CompletedAt: 1700000000,
	}))

	w := ts.do(t, http.MethodGet, "/api/summary?source_file_id=src-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum model.BatchSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, int64(10), sum.LinesTotal)

	w = ts.do(t, http.MethodGet, "/api/summary?source_file_id=missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Summaries []*model.BatchSummary `json:"summaries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Summaries, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lines_received_total")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
