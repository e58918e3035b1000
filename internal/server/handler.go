package server

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"nginx-sentinel/internal/aggregate"
	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/fanout"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/pipeline"
	"nginx-sentinel/internal/pool"
	"nginx-sentinel/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ingest body 허용 상한. 라인 단위 제한(MaxLineBytes)은 parser 가
// 따로 검사하므로 여기서는 배치 전체 크기만 막는다.
const maxIngestBody = 1 << 20 // 1MB

type Handler struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	pipeline *pipeline.Manager
	store    *store.Store
	agg      *aggregate.Aggregator
	hub      *fanout.Hub

	// live 경로 라인 번호 — 프로세스 생애 동안 단조 증가.
	liveOffset int64
}

func NewHandler(
	cfg config.Config,
	m *metrics.Metrics,
	p *pipeline.Manager,
	st *store.Store,
	agg *aggregate.Aggregator,
	hub *fanout.Hub,
) *Handler {
	return &Handler{
		cfg:      cfg,
		metrics:  m,
		pipeline: p,
		store:    st,
		agg:      agg,
		hub:      hub,
	}
}

// Mux 는 전체 엔드포인트 라우팅을 구성한다.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", h.HandleIngest)
	mux.HandleFunc("/api/metrics", h.HandleBuckets)
	mux.HandleFunc("/api/top", h.HandleTop)
	mux.HandleFunc("/api/alerts", h.HandleAlerts)
	mux.HandleFunc("/api/records", h.HandleRecords)
	mux.HandleFunc("/api/summary", h.HandleSummary)
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		// LB 는 단순 문자열로도 health 판단 가능
		w.Write([]byte("ok"))
	})
	return mux
}

// HandleIngest
//
// live 로그 라인 수집 엔드포인트. body 는 개행 구분 raw 라인들이다.
// 수집 서버의 가장 뜨거운 경로 — body 버퍼는 풀로 재사용하고,
// 파싱은 여기서 하지 않는다 (queue 뒤의 worker 가 담당).
//
// ingestion queue 가 가득 차면 503 — sender 쪽에서 재전송 판단.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, maxIngestBody*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "BodyTooLarge", "request body exceeds limit")
		return
	}

	// source 식별자: 지정이 없으면 인스턴스 단위 live 스트림으로 묶는다.
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		sourceID = "live-" + h.cfg.InstanceID
	}

	// body 는 이미 메모리에 있으므로 직접 자른다 — scanner 의 토큰
	// 한도에 걸리면 배치 잔여분이 통째로 유실되기 때문. 라인 길이
	// 위반은 parser 가 TruncatedLine 으로 판정/집계하므로 뒤 라인에
	// 영향을 주지 않는다.
	accepted, dropped := 0, 0
	data := buf.Bytes()
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		if len(line) == 0 {
			continue
		}
		offset := atomic.AddInt64(&h.liveOffset, 1)
		if h.pipeline.PushLive(string(line), sourceID, offset) {
			accepted++
		} else {
			dropped++
		}
	}

	if dropped > 0 {
		// 일부라도 버려졌으면 배치 전체를 실패로 응답한다 —
		// sender 가 부분 성공을 추적하는 것보다 재전송이 단순하다.
		log.Warn().Str("sender", senderIP(r)).Int("dropped", dropped).Msg("ingestion queue full")
		writeError(w, http.StatusServiceUnavailable, "QueueFull", "ingestion queue full, retry later")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

// HandleBuckets — GET /api/metrics?granularity=hour&from=<ms>&to=<ms>
// 구간 내 버킷 시리즈를 zero-fill 포함해 반환한다.
func (h *Handler) HandleBuckets(w http.ResponseWriter, r *http.Request) {
	gran := r.URL.Query().Get("granularity")
	if gran == "" {
		gran = aggregate.GranHour
	}
	if !aggregate.ValidGranularity(gran) {
		writeError(w, http.StatusBadRequest, "InvalidGranularity", "granularity must be hour/day/week/month")
		return
	}

	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"granularity": gran,
		"buckets":     h.agg.Query(from, to, gran),
	})
}

// HandleTop — GET /api/top?dimension=ip&limit=10&from=<ms>&to=<ms>
func (h *Handler) HandleTop(w http.ResponseWriter, r *http.Request) {
	dim := r.URL.Query().Get("dimension")
	if !aggregate.ValidDimension(dim) {
		writeError(w, http.StatusBadRequest, "InvalidDimension", "dimension must be ip/endpoint/method/user_agent/status")
		return
	}

	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 10)

	writeJSON(w, http.StatusOK, map[string]any{
		"dimension": dim,
		"top":       h.agg.Top(dim, limit, from, to),
	})
}

// HandleAlerts — GET /api/alerts?from=&to=&type=&limit=&offset=
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	q := store.AlertQuery{
		From:   queryInt64(r, "from", 0),
		To:     queryInt64(r, "to", 0),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	alerts, err := h.store.Alerts(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// HandleRecords — GET /api/records?from=&to=&ip=&status=&limit=&offset=
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	q := store.RecordQuery{
		From:     queryInt64(r, "from", 0),
		To:       queryInt64(r, "to", 0),
		ClientIP: r.URL.Query().Get("ip"),
		Status:   queryInt(r, "status", 0),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}

	recs, err := h.store.Records(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// HandleSummary — GET /api/summary[?source_file_id=...]
// 지정이 없으면 최근 배치 요약 목록을 반환한다.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("source_file_id"); id != "" {
		sum, err := h.store.Summary(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
			return
		}
		if sum == nil {
			writeError(w, http.StatusNotFound, "NotFound", "unknown source_file_id")
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}

	sums, err := h.store.Summaries(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": sums})
}

// HandleMetrics
//
// 내부 카운터 값들을 text 로 출력한다.
// Prometheus pull 방식으로도 쉽게 전환 가능.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

// ------------------------------------------------------------
// 응답 / 파라미터 헬퍼
// ------------------------------------------------------------

type errBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	var b errBody
	b.Error.Kind = kind
	b.Error.Message = msg
	writeJSON(w, status, b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// timeRange 는 from/to(epoch ms) 를 읽고 검증한다. 실패 시 false.
func timeRange(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	from := queryInt64(r, "from", 0)
	to := queryInt64(r, "to", 0)
	if from <= 0 || to <= 0 || to <= from {
		writeError(w, http.StatusBadRequest, "InvalidRange", "from/to (epoch ms) required, to > from")
		return 0, 0, false
	}
	return from, to, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
