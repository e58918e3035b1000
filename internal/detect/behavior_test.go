package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSource 는 임시 YAML 파일로 DetectionSource 를 만든다.
// 빈 문자열이면 파일 없이 기본값으로 기동하는 경로를 탄다.
func testSource(t *testing.T, yamlBody string) *config.DetectionSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detection.yaml")
	if yamlBody != "" {
		require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	}
	src, err := config.NewDetectionSource(path)
	require.NoError(t, err)
	return src
}

func accessRec(ts int64, ip, path string, status int, bytes int64) *model.LogRecord {
	return &model.LogRecord{
		Ts: ts, ClientIP: ip, Method: "GET", Path: path,
		Status: status, BytesSent: bytes,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
	}
}

func metricHits(hits []model.BehaviorHit, metric string) []model.BehaviorHit {
	var out []model.BehaviorHit
	for _, h := range hits {
		if h.Metric == metric {
			out = append(out, h)
		}
	}
	return out
}

func TestBruteForce(t *testing.T) {
	st := NewState(4, testSource(t, ""))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	var last []model.BehaviorHit
	for i := 0; i < 15; i++ {
		last = st.Observe(accessRec(base+int64(i)*1000, "203.0.113.9", "/login", 401, 200))
		if i < 9 {
			assert.Empty(t, metricHits(last, "auth_failures"), "임계 이전 %d번째", i+1)
		}
	}

	hits := metricHits(last, "auth_failures")
	require.Len(t, hits, 1)
	h := hits[0]
	assert.Equal(t, model.AttackBruteForce, h.Type)
	assert.Equal(t, "203.0.113.9 /login", h.Key)
	assert.Equal(t, int64(15), h.Value)
	assert.Equal(t, int64(10), h.Threshold)
	assert.Equal(t, 1.0, h.Confidence) // 0.7*15/10 > 1 → cap
}

func TestBruteForceSlidingExpiry(t *testing.T) {
	st := NewState(4, testSource(t, ""))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	// 9건은 임계 미만으로 쌓아둔다.
	for i := 0; i < 9; i++ {
		st.Observe(accessRec(base+int64(i)*1000, "198.51.100.1", "/login", 401, 100))
	}

	// auth 윈도우(5m)를 넘긴 뒤의 실패는 이전 9건과 합산되지 않는다.
	hits := st.Observe(accessRec(base+6*60*1000, "198.51.100.1", "/login", 401, 100))
	assert.Empty(t, metricHits(hits, "auth_failures"))
}

func TestDoSDiverseTraffic(t *testing.T) {
	st := NewState(4, testSource(t, `
thresholds:
  request_rate: 20
`))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	var last []model.BehaviorHit
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("/page-%d", i%4)
		last = st.Observe(accessRec(base+int64(i)*100, "203.0.113.50", path, 200, 500))
	}

	hits := metricHits(last, "request_rate")
	require.Len(t, hits, 1)
	assert.Equal(t, model.AttackDoS, hits[0].Type)
	assert.Equal(t, "203.0.113.50", hits[0].Key)
	assert.Equal(t, int64(20), hits[0].Value)
	assert.InDelta(t, 0.7, hits[0].Confidence, 1e-9)
}

func TestDoSSuppressedForBruteForce(t *testing.T) {
	// 단일 endpoint + 인증 실패 누적은 DoS 가 아니라 brute force 판정.
	st := NewState(4, testSource(t, `
thresholds:
  request_rate: 10
  auth_failures: 10
`))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	var last []model.BehaviorHit
	for i := 0; i < 12; i++ {
		last = st.Observe(accessRec(base+int64(i)*100, "203.0.113.60", "/login", 401, 100))
	}

	assert.Empty(t, metricHits(last, "request_rate"), "brute force 시나리오에서 IP rate DoS 억제")
	assert.Len(t, metricHits(last, "auth_failures"), 1)
}

func TestEndpointRate(t *testing.T) {
	// 여러 IP 가 같은 endpoint 를 두드리면 endpoint 단위 rate 로 잡힌다.
	st := NewState(4, testSource(t, `
thresholds:
  request_rate: 10
`))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	var last []model.BehaviorHit
	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("203.0.113.%d", 100+i)
		last = st.Observe(accessRec(base+int64(i)*100, ip, "/api/expensive", 200, 500))
	}

	hits := metricHits(last, "endpoint_rate")
	require.Len(t, hits, 1)
	assert.Equal(t, model.AttackDoS, hits[0].Type)
	assert.Equal(t, "/api/expensive", hits[0].Key)
	assert.Equal(t, int64(10), hits[0].Value)
}

func TestExfiltrationBytesTotal(t *testing.T) {
	st := NewState(4, testSource(t, `
thresholds:
  bytes_total: 50000
`))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	var last []model.BehaviorHit
	for i := 0; i < 6; i++ {
		last = st.Observe(accessRec(base+int64(i)*1000, "203.0.113.70", "/export", 200, 10000))
	}

	hits := metricHits(last, "bytes_total")
	require.Len(t, hits, 1)
	assert.Equal(t, model.AttackDataExfiltration, hits[0].Type)
	assert.Equal(t, int64(60000), hits[0].Value)
	assert.Equal(t, int64(50000), hits[0].Threshold)
}

func TestExfiltrationBytesOutlier(t *testing.T) {
	st := NewState(4, testSource(t, ""))
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	// baseline 표본 20건 (1000 bytes 균일) — 이 구간엔 outlier 판정 없음.
	for i := 0; i < 20; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		hits := st.Observe(accessRec(base+int64(i)*1000, ip, "/download", 200, 1000))
		assert.Empty(t, metricHits(hits, "bytes_outlier"))
	}

	// baseline 1000 × outlier_mult 10 = 10000 이상이면 단건 outlier.
	hits := st.Observe(accessRec(base+21000, "203.0.113.80", "/download", 200, 100000))
	out := metricHits(hits, "bytes_outlier")
	require.Len(t, out, 1)
	assert.Equal(t, model.AttackDataExfiltration, out[0].Type)
	assert.Equal(t, "203.0.113.80", out[0].Key)
	assert.Equal(t, int64(100000), out[0].Value)
	assert.Equal(t, int64(10000), out[0].Threshold)
	assert.Equal(t, 1.0, out[0].Confidence)
}

func TestSweepEvictsIdleKeys(t *testing.T) {
	st := NewState(4, testSource(t, ""))
	base := time.Now().UnixMilli()

	for i := 0; i < 5; i++ {
		st.Observe(accessRec(base, fmt.Sprintf("203.0.113.%d", i+1), "/", 200, 100))
	}
	require.Equal(t, 5, st.KeyCount())

	// TTL(기본 최장 윈도우 ×10 = 50m) 이내 — 아무것도 안 지워진다.
	assert.Equal(t, 0, st.Sweep(time.Now()))
	assert.Equal(t, 5, st.KeyCount())

	// TTL 초과 — 전부 정리.
	evicted := st.Sweep(time.Now().Add(2 * time.Hour))
	assert.GreaterOrEqual(t, evicted, 5)
	assert.Equal(t, 0, st.KeyCount())
}

func TestShardForStable(t *testing.T) {
	st := NewState(8, testSource(t, ""))
	for _, ip := range []string{"1.2.3.4", "5.6.7.8", "203.0.113.1"} {
		a := st.ShardFor(ip)
		assert.Equal(t, a, st.ShardFor(ip))
		assert.GreaterOrEqual(t, a, 0)
		assert.Less(t, a, 8)
	}
}
