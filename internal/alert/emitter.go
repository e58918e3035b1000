// internal/alert/emitter.go
package alert

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/detect"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"

	"github.com/cespare/xxhash/v2"
)

// ------------------------------------------------------------
// Alert Emitter
//
// 시그니처/행동 분류 결과를 병합해 중복 제거된 Alert 로 만든다.
//
// dedup 규칙: 같은 (attack_type, client_ip, endpoint) 가
// coalescing 구간(기본 60s) 안에서 반복 트리거되면 "최초 Alert" 에
// 병합되고 confidence 만 관측 최대값으로 올라간다. 지속 공격이
// alert storm 이 되는 것을 막는 핵심 장치다.
//
// Alert ID 는 (type|ip|endpoint|coalescing bucket) 의 결정적
// 해시 — 같은 구간의 반복 트리거는 같은 ID 로 수렴하므로
// 저장소 upsert 만으로도 dedup 이 완성된다.
// ------------------------------------------------------------

// Sink 는 발행된 Alert 를 받는 곳 (store, fanout).
type Sink interface {
	PublishAlert(a *model.Alert)
}

type coalesceEntry struct {
	mu       sync.Mutex
	alert    *model.Alert
	expireAt int64 // epoch ms
}

type Emitter struct {
	source  *config.DetectionSource
	metrics *metrics.Metrics
	sinks   []Sink

	mu      sync.Mutex
	pending map[string]*coalesceEntry // identity → 구간 내 대표 Alert
}

func NewEmitter(source *config.DetectionSource, m *metrics.Metrics, sinks ...Sink) *Emitter {
	return &Emitter{
		source:  source,
		metrics: m,
		sinks:   sinks,
		pending: make(map[string]*coalesceEntry),
	}
}

// Emit 은 한 레코드의 분류 결과를 Alert 로 변환한다.
// 반환값은 "이번 호출로 새로 발행된" Alert 목록이다.
// (coalesce 로 기존 Alert 에 흡수된 트리거는 포함되지 않는다.)
func (e *Emitter) Emit(sigHits []model.SignatureHit, behHits []model.BehaviorHit, rec *model.LogRecord) []*model.Alert {
	d := e.source.Current()
	coalesceMs := d.Coalescing.Milliseconds()

	var out []*model.Alert

	// --- 시그니처: attack type 별로 묶어 confidence 결합 ---
	byType := make(map[model.AttackType][]model.SignatureHit)
	var order []model.AttackType
	for _, h := range sigHits {
		if _, seen := byType[h.Type]; !seen {
			order = append(order, h.Type)
		}
		byType[h.Type] = append(byType[h.Type], h)
	}
	for _, t := range order {
		hits := byType[t]
		confs := make([]float64, len(hits))
		for i, h := range hits {
			confs[i] = h.Confidence
		}
		a := e.coalesce(candidate{
			attack:     t,
			ip:         rec.ClientIP,
			endpoint:   rec.Path,
			confidence: detect.CombineConfidence(confs),
			evidence:   "signature:" + detect.RuleNames(hits),
			recordID:   rec.RecordID(),
			ts:         rec.Ts,
		}, coalesceMs)
		if a != nil {
			out = append(out, a)
		}
	}

	// --- 행동 탐지 ---
	for _, h := range behHits {
		ip, endpoint := rec.ClientIP, rec.Path
		if h.Metric == "endpoint_rate" {
			// endpoint 전체(모든 IP) 판정 — IP 는 wildcard 로 묶는다.
			ip = "*"
			endpoint = h.Key
		}
		a := e.coalesce(candidate{
			attack:     h.Type,
			ip:         ip,
			endpoint:   endpoint,
			confidence: h.Confidence,
			evidence: h.Metric + "=" + strconv.FormatInt(h.Value, 10) +
				" threshold=" + strconv.FormatInt(h.Threshold, 10),
			recordID: rec.RecordID(),
			ts:       rec.Ts,
		}, coalesceMs)
		if a != nil {
			out = append(out, a)
		}
	}

	return out
}

type candidate struct {
	attack     model.AttackType
	ip         string
	endpoint   string
	confidence float64
	evidence   string
	recordID   string
	ts         int64
}

// coalesce 는 후보 트리거를 구간 내 대표 Alert 에 병합하거나,
// 새 구간을 열고 Alert 를 발행한다.
//
// lock 순서: pending map 조회는 전역 mutex 로 짧게,
// 병합 자체는 entry 단위 mutex 로 — coalescing 구간에 스코프된
// per-key lock 이라 shard 간 간섭이 없다.
func (e *Emitter) coalesce(c candidate, coalesceMs int64) *model.Alert {
	identity := string(c.attack) + "|" + c.ip + "|" + c.endpoint

	e.mu.Lock()
	entry := e.pending[identity]
	if entry != nil && c.ts >= entry.expireAt {
		delete(e.pending, identity)
		entry = nil
	}
	if entry == nil {
		// 새 coalescing 구간 시작.
		bucket := c.ts / coalesceMs
		a := &model.Alert{
			ID:         alertID(c.attack, c.ip, c.endpoint, bucket),
			Ts:         c.ts,
			Type:       c.attack,
			ClientIP:   c.ip,
			Endpoint:   c.endpoint,
			Confidence: c.confidence,
			Evidence:   c.evidence,
			RecordIDs:  []string{c.recordID},
		}
		e.pending[identity] = &coalesceEntry{alert: a, expireAt: c.ts + coalesceMs}
		// 발행본은 내부 누적본과 절연된 snapshot — 이후 병합이
		// 이미 발행된 Alert 를 건드리면 안 된다 (발행 후 불변).
		// snapshot 은 e.mu 해제 전에 떠야 동시 병합과 겹치지 않는다.
		pub := snapshotAlert(a)
		e.mu.Unlock()

		atomic.AddInt64(&e.metrics.AlertsRaisedTotal, 1)
		for _, s := range e.sinks {
			s.PublishAlert(pub)
		}
		return pub
	}
	e.mu.Unlock()

	// 기존 구간에 병합 — confidence 는 관측 최대값으로만 올라간다.
	entry.mu.Lock()
	if c.confidence > entry.alert.Confidence {
		entry.alert.Confidence = c.confidence
		entry.alert.Evidence = c.evidence
	}
	if len(entry.alert.RecordIDs) < 32 {
		entry.alert.RecordIDs = append(entry.alert.RecordIDs, c.recordID)
	}
	merged := snapshotAlert(entry.alert)
	entry.mu.Unlock()

	atomic.AddInt64(&e.metrics.AlertsCoalescedTotal, 1)

	// 병합 결과는 같은 ID 로 재발행된다 — store 는 upsert,
	// live 구독자는 confidence 갱신 이벤트로 받는다.
	for _, s := range e.sinks {
		s.PublishAlert(merged)
	}
	return nil
}

// snapshotAlert 는 sink/caller 로 나가는 복사본을 만든다.
// 누적본(coalesceEntry.alert)은 emitter 내부에만 머물러야 한다.
// struct 복사만으로는 RecordIDs 의 backing array 가 공유되므로
// slice 까지 분리한다.
func snapshotAlert(a *model.Alert) *model.Alert {
	cp := *a
	cp.RecordIDs = append([]string(nil), a.RecordIDs...)
	return &cp
}

// GC 는 만료된 coalescing entry 를 정리한다.
// 파이프라인 sweep ticker 에서 함께 호출된다.
func (e *Emitter) GC(now time.Time) {
	cutoff := now.UnixMilli()
	e.mu.Lock()
	for k, entry := range e.pending {
		// wall clock 과 event clock 의 차이를 감안해 여유를 둔다.
		if entry.expireAt+60_000 < cutoff {
			delete(e.pending, k)
		}
	}
	e.mu.Unlock()
}

// alertID — (type|ip|endpoint|bucket) 의 결정적 해시.
func alertID(t model.AttackType, ip, endpoint string, bucket int64) string {
	var sb strings.Builder
	sb.WriteString(string(t))
	sb.WriteByte('|')
	sb.WriteString(ip)
	sb.WriteByte('|')
	sb.WriteString(endpoint)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(bucket, 10))
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}
