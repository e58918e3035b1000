// internal/detect/behavior.go
package detect

import (
	"sync"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/model"

	"github.com/cespare/xxhash/v2"
)

// ------------------------------------------------------------
// Behavioral Classifier
//
// 키(클라이언트 IP)별 sliding window 누적 상태로
// brute force / DoS / exfiltration 을 탐지한다.
//
// 소유권 모델:
//   - 상태는 key hash 로 shard 에 분배된다.
//   - 파이프라인이 같은 IP 의 레코드를 항상 같은 shard worker 로
//     라우팅하므로, shard 내부에서는 순차 일관성이 보장된다.
//   - shard 별 mutex 는 background sweep 과의 경계 동기화용일 뿐,
//     전역 lock 은 존재하지 않는다.
//
// 윈도우는 tumbling 이 아니라 "관측된 최신 timestamp 기준의
// 논리적 sliding" — 버킷 경계 artifact 가 없고, 분류가 도착
// 순서가 아닌 이벤트 시각에 키잉된다.
// ------------------------------------------------------------

// 임계값 초과 비율 → confidence 변환 계수.
// 트리거 직후(ratio≈1)는 0.7 부근에서 시작해 ratio 1.43 에서 1.0 에 도달.
const confSlope = 0.7

// distinct endpoint 집합의 상한 — 메모리 유계 보장.
const maxDistinctEndpoints = 64

// endpoint 단위 cross-IP 상태(rate/baseline)의 key 상한.
const maxEndpointKeys = 4096

// baseline 이 유효해지는 최소 표본 수.
const baselineMinSamples = 20

const ewmaAlpha = 0.2

type event struct {
	ts       int64 // epoch ms
	bytes    int64
	endpoint string
}

// clientWindow — IP 하나의 sliding window 상태.
// 카운터는 따로 유지하지 않고 이벤트 목록에서 매번 유도한다.
type clientWindow struct {
	key      string
	lastSeen int64 // wall clock (ms) — TTL eviction 판정용
	maxTs    int64 // 관측된 최신 이벤트 시각 (ms) — 윈도우 기준점

	events    []event            // retain = 최장 윈도우
	authFails map[string][]int64 // endpoint → 401/403 이벤트 시각
	endpoints map[string]int64   // endpoint → 마지막 관측 시각 (bounded)
}

type shard struct {
	mu   sync.Mutex
	wins map[string]*clientWindow
}

// ewma — endpoint 별 응답 크기 rolling baseline.
type ewma struct {
	value    float64
	samples  int64
	lastSeen int64
}

// State 는 behavioral classifier 전체 상태.
type State struct {
	shards []*shard
	source *config.DetectionSource

	// endpoint 단위 cross-IP 상태. IP shard 소유권 밖이므로 자체 lock.
	epMu      sync.Mutex
	epRates   map[string][]int64
	baselines map[string]*ewma
}

func NewState(shardCount int, source *config.DetectionSource) *State {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &State{
		shards:    make([]*shard, shardCount),
		source:    source,
		epRates:   make(map[string][]int64),
		baselines: make(map[string]*ewma),
	}
	for i := range s.shards {
		s.shards[i] = &shard{wins: make(map[string]*clientWindow)}
	}
	return s
}

// ShardFor 는 IP 가 속한 shard index 를 반환한다.
// 파이프라인 라우팅과 Observe 가 같은 함수를 써야 한다.
func (s *State) ShardFor(ip string) int {
	return int(xxhash.Sum64String(ip) % uint64(len(s.shards)))
}

// Observe 는 레코드 하나를 윈도우에 누적하고 탐지 hit 을 반환한다.
// 누적 전에 윈도우를 벗어난 기존 이벤트를 먼저 만료시킨다.
func (s *State) Observe(rec *model.LogRecord) []model.BehaviorHit {
	d := s.source.Current()

	authMs := d.Windows.Auth.Milliseconds()
	rateMs := d.Windows.Rate.Milliseconds()
	bytesMs := d.Windows.Bytes.Milliseconds()
	retainMs := maxInt64(authMs, maxInt64(rateMs, bytesMs))

	sh := s.shards[s.ShardFor(rec.ClientIP)]
	sh.mu.Lock()

	w := sh.wins[rec.ClientIP]
	if w == nil {
		w = &clientWindow{
			key:       rec.ClientIP,
			authFails: make(map[string][]int64),
			endpoints: make(map[string]int64),
		}
		sh.wins[rec.ClientIP] = w
	}
	w.lastSeen = time.Now().UnixMilli()
	if rec.Ts > w.maxTs {
		w.maxTs = rec.Ts
	}
	now := w.maxTs

	// --- 만료 먼저, 누적은 그 다음 (sliding 규칙) ---
	w.events = pruneEvents(w.events, now-retainMs)
	w.events = append(w.events, event{ts: rec.Ts, bytes: rec.BytesSent, endpoint: rec.Path})

	if len(w.endpoints) < maxDistinctEndpoints || w.endpoints[rec.Path] != 0 {
		w.endpoints[rec.Path] = rec.Ts
	}

	if rec.Status == 401 || rec.Status == 403 {
		list := pruneTimes(w.authFails[rec.Path], now-authMs)
		w.authFails[rec.Path] = append(list, rec.Ts)
	}

	var hits []model.BehaviorHit

	// --- brute force: IP+endpoint 의 윈도우 내 401/403 횟수 ---
	if n := int64(countSince(w.authFails[rec.Path], now-authMs)); n >= d.Thresholds.AuthFailures {
		hits = append(hits, model.BehaviorHit{
			Type:       model.AttackBruteForce,
			Key:        rec.ClientIP + " " + rec.Path,
			Metric:     "auth_failures",
			Value:      n,
			Threshold:  d.Thresholds.AuthFailures,
			Confidence: scaleConfidence(n, d.Thresholds.AuthFailures),
		})
	}

	// --- DoS: IP 의 윈도우 내 요청 수 ---
	rateCount := int64(0)
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].ts < now-rateMs {
			break
		}
		rateCount++
	}
	if rateCount >= d.Thresholds.RequestRate {
		diversity := 0
		for _, last := range w.endpoints {
			if last >= now-rateMs {
				diversity++
			}
		}
		authTotal := 0
		for _, list := range w.authFails {
			authTotal += countSince(list, now-authMs)
		}

		// endpoint 다양성이 낮고 인증 실패가 누적 중이면 brute force
		// 쪽 판정에 맡긴다. 다양성이 높은 고속 트래픽만 DoS 로 본다.
		if !(diversity <= 2 && int64(authTotal*2) >= d.Thresholds.AuthFailures) {
			hits = append(hits, model.BehaviorHit{
				Type:       model.AttackDoS,
				Key:        rec.ClientIP,
				Metric:     "request_rate",
				Value:      rateCount,
				Threshold:  d.Thresholds.RequestRate,
				Confidence: scaleConfidence(rateCount, d.Thresholds.RequestRate),
			})
		}
	}

	// --- exfiltration: IP 의 윈도우 내 전송 바이트 합 ---
	var bytesSum int64
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].ts < now-bytesMs {
			break
		}
		bytesSum += w.events[i].bytes
	}
	if bytesSum >= d.Thresholds.BytesTotal {
		hits = append(hits, model.BehaviorHit{
			Type:       model.AttackDataExfiltration,
			Key:        rec.ClientIP,
			Metric:     "bytes_total",
			Value:      bytesSum,
			Threshold:  d.Thresholds.BytesTotal,
			Confidence: scaleConfidence(bytesSum, d.Thresholds.BytesTotal),
		})
	}

	sh.mu.Unlock()

	// --- endpoint 단위 cross-IP 판정 ---
	hits = append(hits, s.observeEndpoint(rec, d, rateMs)...)

	return hits
}

// observeEndpoint 는 endpoint 기준의 상태를 갱신한다:
//  1. endpoint 전체(모든 IP)의 요청 rate → DoS
//  2. endpoint 응답 크기 baseline → 단건 outlier exfiltration
func (s *State) observeEndpoint(rec *model.LogRecord, d *config.DetectionConfig, rateMs int64) []model.BehaviorHit {
	var hits []model.BehaviorHit

	s.epMu.Lock()
	defer s.epMu.Unlock()

	// rate
	times := s.epRates[rec.Path]
	if times != nil || len(s.epRates) < maxEndpointKeys {
		times = pruneTimes(times, rec.Ts-rateMs)
		times = append(times, rec.Ts)
		s.epRates[rec.Path] = times

		if n := int64(len(times)); n >= d.Thresholds.RequestRate {
			hits = append(hits, model.BehaviorHit{
				Type:       model.AttackDoS,
				Key:        rec.Path,
				Metric:     "endpoint_rate",
				Value:      n,
				Threshold:  d.Thresholds.RequestRate,
				Confidence: scaleConfidence(n, d.Thresholds.RequestRate),
			})
		}
	}

	// baseline outlier — 충분한 표본이 쌓인 뒤에만 판정한다.
	b := s.baselines[rec.Path]
	if b == nil && len(s.baselines) < maxEndpointKeys {
		b = &ewma{}
		s.baselines[rec.Path] = b
	}
	if b != nil {
		if b.samples >= baselineMinSamples && b.value > 0 {
			outlier := d.Thresholds.OutlierMult * b.value
			if float64(rec.BytesSent) >= outlier {
				hits = append(hits, model.BehaviorHit{
					Type:       model.AttackDataExfiltration,
					Key:        rec.ClientIP,
					Metric:     "bytes_outlier",
					Value:      rec.BytesSent,
					Threshold:  int64(outlier),
					Confidence: scaleConfidence(rec.BytesSent, int64(outlier)),
				})
			}
		}
		// outlier 도 baseline 에 반영한다 — 반복되는 대용량 응답은
		// 곧 "그 endpoint 의 정상"이 된다.
		if b.samples == 0 {
			b.value = float64(rec.BytesSent)
		} else {
			b.value = (1-ewmaAlpha)*b.value + ewmaAlpha*float64(rec.BytesSent)
		}
		b.samples++
		b.lastSeen = time.Now().UnixMilli()
	}

	return hits
}

// Sweep 은 TTL 을 넘긴 idle key 를 정리하고 제거한 key 수를 반환한다.
// 파이프라인이 background ticker 로 주기 호출한다.
func (s *State) Sweep(now time.Time) int {
	ttlMs := s.source.Current().EffectiveTTL().Milliseconds()
	cutoff := now.UnixMilli() - ttlMs

	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, w := range sh.wins {
			if w.lastSeen < cutoff {
				delete(sh.wins, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}

	s.epMu.Lock()
	for ep, times := range s.epRates {
		if len(times) == 0 || times[len(times)-1] < cutoff {
			delete(s.epRates, ep)
			evicted++
		}
	}
	for ep, b := range s.baselines {
		if b.lastSeen < cutoff {
			delete(s.baselines, ep)
			evicted++
		}
	}
	s.epMu.Unlock()

	return evicted
}

// KeyCount 는 현재 추적 중인 IP key 수 — 테스트/운영 확인용.
func (s *State) KeyCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.wins)
		sh.mu.Unlock()
	}
	return n
}

// ------------------------------------------------------------
// 헬퍼
// ------------------------------------------------------------

func scaleConfidence(value, threshold int64) float64 {
	if threshold <= 0 {
		return 1
	}
	c := confSlope * float64(value) / float64(threshold)
	if c > 1 {
		c = 1
	}
	return c
}

// pruneEvents — cutoff 이전 이벤트 제거. 입력은 대체로 시각 순이므로
// 앞에서부터 자른다. (약간의 out-of-order 는 다음 prune 에서 잡힌다.)
func pruneEvents(events []event, cutoff int64) []event {
	i := 0
	for i < len(events) && events[i].ts < cutoff {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

func pruneTimes(times []int64, cutoff int64) []int64 {
	i := 0
	for i < len(times) && times[i] < cutoff {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

func countSince(times []int64, cutoff int64) int {
	n := 0
	for i := len(times) - 1; i >= 0; i-- {
		if times[i] < cutoff {
			break
		}
		n++
	}
	return n
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
