package alert

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink 는 발행된 alert 를 전부 기록한다.
type captureSink struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (s *captureSink) PublishAlert(a *model.Alert) {
	s.mu.Lock()
	cp := *a
	s.alerts = append(s.alerts, &cp)
	s.mu.Unlock()
}

func (s *captureSink) all() []*model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Alert(nil), s.alerts...)
}

func emitterSource(t *testing.T) *config.DetectionSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detection.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coalescing_interval: 60s\n"), 0o644))
	src, err := config.NewDetectionSource(path)
	require.NoError(t, err)
	return src
}

func sigRec(ts int64) *model.LogRecord {
	return &model.LogRecord{
		Ts: ts, ClientIP: "203.0.113.4", Path: "/items",
		Query: "id=1 union select 1", Status: 200,
		SourceFileID: "f1", LineOffset: ts % 1000,
	}
}

func sqliHit() []model.SignatureHit {
	return []model.SignatureHit{
		{Type: model.AttackSQLInjection, Rule: "union_select", Confidence: 0.85},
	}
}

func TestEmitCoalescing(t *testing.T) {
	sink := &captureSink{}
	m := metrics.New()
	e := NewEmitter(emitterSource(t), m, sink)

	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	// 같은 (type, ip, endpoint) 를 60s 구간 안에서 3번 트리거.
	var newAlerts []*model.Alert
	for i := 0; i < 3; i++ {
		out := e.Emit(sqliHit(), nil, sigRec(base+int64(i)*1000))
		newAlerts = append(newAlerts, out...)
	}

	// 새로 발행된 alert 는 1건, 나머지 2건은 병합.
	require.Len(t, newAlerts, 1)
	assert.Equal(t, int64(1), m.AlertsRaisedTotal)
	assert.Equal(t, int64(2), m.AlertsCoalescedTotal)

	// sink 로는 병합분도 같은 ID 로 재발행된다 (store upsert 용).
	published := sink.all()
	require.Len(t, published, 3)
	for _, a := range published {
		assert.Equal(t, newAlerts[0].ID, a.ID)
		assert.Equal(t, model.AttackSQLInjection, a.Type)
	}

	// 최초 트리거 시각이 유지된다.
	assert.Equal(t, base, newAlerts[0].Ts)
}

func TestEmitConfidenceMaxMerge(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(emitterSource(t), metrics.New(), sink)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	low := []model.SignatureHit{{Type: model.AttackXSS, Rule: "javascript_proto", Confidence: 0.5}}
	high := []model.SignatureHit{{Type: model.AttackXSS, Rule: "script_tag", Confidence: 0.9}}
	mid := []model.SignatureHit{{Type: model.AttackXSS, Rule: "alert_call", Confidence: 0.6}}

	e.Emit(low, nil, sigRec(base))
	e.Emit(high, nil, sigRec(base+1000))
	e.Emit(mid, nil, sigRec(base+2000))

	published := sink.all()
	require.Len(t, published, 3)
	assert.Equal(t, 0.5, published[0].Confidence)
	assert.Equal(t, 0.9, published[1].Confidence)
	// 낮은 후속 트리거는 confidence 를 끌어내리지 못한다.
	assert.Equal(t, 0.9, published[2].Confidence)
	// record id 는 병합분까지 누적된다.
	assert.Len(t, published[2].RecordIDs, 3)
}

func TestEmitNewIntervalNewAlert(t *testing.T) {
	sink := &captureSink{}
	m := metrics.New()
	e := NewEmitter(emitterSource(t), m, sink)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	first := e.Emit(sqliHit(), nil, sigRec(base))
	require.Len(t, first, 1)

	// coalescing 구간(60s)을 지난 트리거는 새 alert.
	second := e.Emit(sqliHit(), nil, sigRec(base+61_000))
	require.Len(t, second, 1)

	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Equal(t, int64(2), m.AlertsRaisedTotal)
	assert.Equal(t, int64(0), m.AlertsCoalescedTotal)
}

func TestEmitBehaviorEndpointWildcard(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(emitterSource(t), metrics.New(), sink)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	beh := []model.BehaviorHit{{
		Type: model.AttackDoS, Key: "/api/expensive", Metric: "endpoint_rate",
		Value: 120, Threshold: 100, Confidence: 0.84,
	}}
	out := e.Emit(nil, beh, sigRec(base))
	require.Len(t, out, 1)

	// endpoint 단위 판정은 IP wildcard 로 묶인다.
	assert.Equal(t, "*", out[0].ClientIP)
	assert.Equal(t, "/api/expensive", out[0].Endpoint)
	assert.Contains(t, out[0].Evidence, "endpoint_rate=120")
}

// pointerSink 는 captureSink 와 달리 발행된 포인터를 그대로 보관한다.
// 발행 이후의 병합이 발행본을 건드리는지 검증하는 용도.
type pointerSink struct {
	mu     sync.Mutex
	alerts []*model.Alert
}

func (s *pointerSink) PublishAlert(a *model.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *pointerSink) at(i int) *model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[i]
}

func TestPublishedAlertsImmutable(t *testing.T) {
	sink := &pointerSink{}
	e := NewEmitter(emitterSource(t), metrics.New(), sink)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	low := []model.SignatureHit{{Type: model.AttackXSS, Rule: "javascript_proto", Confidence: 0.5}}
	high := []model.SignatureHit{{Type: model.AttackXSS, Rule: "script_tag", Confidence: 0.9}}

	out := e.Emit(low, nil, sigRec(base))
	require.Len(t, out, 1)
	first := sink.at(0)

	// 같은 identity 로 더 높은 confidence 병합.
	e.Emit(high, nil, sigRec(base+1000))

	// 이미 발행된 Alert 는 병합의 영향을 받지 않는다.
	assert.Equal(t, 0.5, first.Confidence)
	assert.Len(t, first.RecordIDs, 1)
	assert.Equal(t, 0.5, out[0].Confidence)

	// 병합 재발행본은 같은 ID 의 별도 복사본이다.
	second := sink.at(1)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0.9, second.Confidence)
	assert.Len(t, second.RecordIDs, 2)
}

func TestMergeDoesNotTouchPublished(t *testing.T) {
	// 발행된 포인터를 읽는 goroutine 과 병합을 동시에 돌려도
	// 발행본은 고정값을 유지해야 한다 (-race 대상).
	sink := &pointerSink{}
	e := NewEmitter(emitterSource(t), metrics.New(), sink)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

	low := []model.SignatureHit{{Type: model.AttackSQLInjection, Rule: "union_select", Confidence: 0.5}}
	e.Emit(low, nil, sigRec(base))
	first := sink.at(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			_ = first.Confidence
			_ = len(first.RecordIDs)
		}
	}()

	for i := 1; i <= 2000; i++ {
		conf := 0.4
		if i%2 == 0 {
			conf = 0.9
		}
		hits := []model.SignatureHit{{Type: model.AttackSQLInjection, Rule: "union_select", Confidence: conf}}
		e.Emit(hits, nil, sigRec(base+int64(i%1000)))
	}
	<-done

	assert.Equal(t, 0.5, first.Confidence)
	assert.Len(t, first.RecordIDs, 1)
}

func TestAlertIDDeterministic(t *testing.T) {
	a := alertID(model.AttackSQLInjection, "1.2.3.4", "/x", 100)
	b := alertID(model.AttackSQLInjection, "1.2.3.4", "/x", 100)
	c := alertID(model.AttackSQLInjection, "1.2.3.4", "/x", 101)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGCExpiredEntries(t *testing.T) {
	sink := &captureSink{}
	m := metrics.New()
	e := NewEmitter(emitterSource(t), m, sink)

	// 과거 이벤트 시각으로 구간을 열어두고 GC 로 정리한다.
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	e.Emit(sqliHit(), nil, sigRec(old))
	e.GC(time.Now())

	// 정리 후 같은 identity 재트리거는 새 alert 가 된다.
	out := e.Emit(sqliHit(), nil, sigRec(time.Now().UnixMilli()))
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), m.AlertsRaisedTotal)
}
