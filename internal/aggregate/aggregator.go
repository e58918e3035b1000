// internal/aggregate/aggregator.go
package aggregate

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"nginx-sentinel/internal/model"

	"github.com/cespare/xxhash/v2"
)

// ------------------------------------------------------------
// Metrics Aggregator
//
// 레코드마다 granularity(hour/day/week/month)별 버킷 카운터를
// 증분 갱신하고, range 질의는 원본 레코드를 재스캔하지 않고
// 버킷 병합만으로 응답한다.
//
// 동기화 모델: 버킷 증가는 가환(commutative)이므로 상태를
// shard 로 나누고(IP hash), 읽기 시점에 병합한다. 전역 lock 없음 —
// shard 별 mutex 는 질의와의 경계에서만 잡힌다.
// ------------------------------------------------------------

// Granularity 이름. Query 의 입력 검증에도 쓰인다.
const (
	GranHour  = "hour"
	GranDay   = "day"
	GranWeek  = "week"
	GranMonth = "month"
)

var granularities = []string{GranHour, GranDay, GranWeek, GranMonth}

// Top-N 추적 dimension.
const (
	DimIP        = "ip"
	DimEndpoint  = "endpoint"
	DimMethod    = "method"
	DimUserAgent = "user_agent"
	DimStatus    = "status"
)

// unique client 정확 추적 상한 — 초과 시 근사값으로 전환.
const uniqueCap = 10_000

// dimension 별 시간당 counter 용량.
const topCounterCap = 256

// 메모리 내 보존 지평 (시간 단위 상태 기준).
const retainHours = 24 * 31

type bucketKey struct {
	gran  string
	start int64 // epoch seconds
}

type bucketAcc struct {
	b   model.MetricsBucket
	ips map[string]struct{} // uniqueCap 까지 정확, 이후 approx
}

type dimKey struct {
	dim  string
	hour int64 // epoch seconds, hour-truncated
}

type aggShard struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucketAcc
	tops    map[dimKey]*Counter
}

type Aggregator struct {
	shards []*aggShard
}

func New(shardCount int) *Aggregator {
	if shardCount < 1 {
		shardCount = 1
	}
	a := &Aggregator{shards: make([]*aggShard, shardCount)}
	for i := range a.shards {
		a.shards[i] = &aggShard{
			buckets: make(map[bucketKey]*bucketAcc),
			tops:    make(map[dimKey]*Counter),
		}
	}
	return a
}

// Update 는 레코드를 모든 granularity 버킷과 Top-N counter 에
// 반영한다. 레코드 하나는 granularity 당 정확히 하나의 버킷에
// 들어간다.
func (a *Aggregator) Update(rec *model.LogRecord) {
	sh := a.shards[xxhash.Sum64String(rec.ClientIP)%uint64(len(a.shards))]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, g := range granularities {
		key := bucketKey{gran: g, start: BucketStart(rec.Ts, g)}
		acc := sh.buckets[key]
		if acc == nil {
			acc = &bucketAcc{
				b:   model.MetricsBucket{Granularity: g, BucketStart: key.start},
				ips: make(map[string]struct{}),
			}
			sh.buckets[key] = acc
		}

		acc.b.RequestCount++
		acc.b.BytesTotal += rec.BytesSent
		switch rec.Status / 100 {
		case 2:
			acc.b.Status2xx++
		case 3:
			acc.b.Status3xx++
		case 4:
			acc.b.Status4xx++
			acc.b.ErrorCount++
		case 5:
			acc.b.Status5xx++
			acc.b.ErrorCount++
		}

		if !acc.b.Approx {
			acc.ips[rec.ClientIP] = struct{}{}
			if len(acc.ips) > uniqueCap {
				// cap 초과 — 정확 추적을 멈추고 cap 시점 값으로
				// 동결한다 (하한 추정, sticky). 요청 수를 따라
				// 올리면 "고유" 의미가 사라진다.
				acc.b.Approx = true
				acc.b.UniqueClients = int64(len(acc.ips))
				acc.ips = nil
			} else {
				acc.b.UniqueClients = int64(len(acc.ips))
			}
		}
	}

	hour := BucketStart(rec.Ts, GranHour)
	sh.observeTop(DimIP, hour, rec.ClientIP)
	sh.observeTop(DimEndpoint, hour, rec.Path)
	if rec.Method != "" {
		sh.observeTop(DimMethod, hour, rec.Method)
	}
	if rec.UserAgent != "" {
		sh.observeTop(DimUserAgent, hour, rec.UserAgent)
	}
	sh.observeTop(DimStatus, hour, strconv.Itoa(rec.Status))
}

func (sh *aggShard) observeTop(dim string, hour int64, key string) {
	dk := dimKey{dim: dim, hour: hour}
	c := sh.tops[dk]
	if c == nil {
		c = NewCounter(topCounterCap)
		sh.tops[dk] = c
	}
	c.Observe(key)
}

// Query 는 [from, to) 구간의 버킷 시리즈를 반환한다.
// 이벤트가 없는 slot 도 zero 버킷으로 채워진다 (보간 없음).
// from/to 는 epoch milliseconds.
func (a *Aggregator) Query(from, to int64, gran string) []model.MetricsBucket {
	if !ValidGranularity(gran) || to <= from {
		return nil
	}

	var out []model.MetricsBucket
	for start := BucketStart(from, gran); start*1000 < to; start = nextBucket(start, gran) {
		out = append(out, a.mergeBucket(gran, start))
	}
	return out
}

// mergeBucket 은 shard 들의 같은 slot 버킷을 합산한다.
func (a *Aggregator) mergeBucket(gran string, start int64) model.MetricsBucket {
	merged := model.MetricsBucket{Granularity: gran, BucketStart: start}
	var uniq map[string]struct{}
	approx := false
	approxSum := int64(0)

	for _, sh := range a.shards {
		sh.mu.Lock()
		acc := sh.buckets[bucketKey{gran: gran, start: start}]
		if acc != nil {
			merged.RequestCount += acc.b.RequestCount
			merged.ErrorCount += acc.b.ErrorCount
			merged.BytesTotal += acc.b.BytesTotal
			merged.Status2xx += acc.b.Status2xx
			merged.Status3xx += acc.b.Status3xx
			merged.Status4xx += acc.b.Status4xx
			merged.Status5xx += acc.b.Status5xx

			if acc.b.Approx {
				approx = true
				approxSum += acc.b.UniqueClients
			} else {
				if uniq == nil {
					uniq = make(map[string]struct{})
				}
				for ip := range acc.ips {
					uniq[ip] = struct{}{}
				}
			}
		}
		sh.mu.Unlock()
	}

	merged.UniqueClients = int64(len(uniq)) + approxSum
	merged.Approx = approx
	return merged
}

// Top 은 [from, to) 구간(epoch ms)의 dimension 상위 limit 를 반환한다.
// 시간당 counter 를 병합하므로 비용이 구간 길이에만 비례한다.
func (a *Aggregator) Top(dim string, limit int, from, to int64) []KV {
	if limit <= 0 {
		limit = 10
	}
	sum := make(map[string]int64)

	for hour := BucketStart(from, GranHour); hour*1000 < to; hour = nextBucket(hour, GranHour) {
		for _, sh := range a.shards {
			sh.mu.Lock()
			if c := sh.tops[dimKey{dim: dim, hour: hour}]; c != nil {
				c.MergeInto(sum)
			}
			sh.mu.Unlock()
		}
	}

	out := make([]KV, 0, len(sum))
	for k, v := range sum {
		out = append(out, KV{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep 은 보존 지평을 넘긴 시간 단위 상태를 정리한다.
// (장기 보존은 store 가 담당하고, 여기는 질의용 메모리 상태만 유계로 유지.)
func (a *Aggregator) Sweep(now time.Time) {
	cutoff := now.UTC().Add(-retainHours * time.Hour).Unix()
	for _, sh := range a.shards {
		sh.mu.Lock()
		for k := range sh.tops {
			if k.hour < cutoff {
				delete(sh.tops, k)
			}
		}
		for k := range sh.buckets {
			if k.gran == GranHour && k.start < cutoff {
				delete(sh.buckets, k)
			}
		}
		sh.mu.Unlock()
	}
}

// ------------------------------------------------------------
// 버킷 경계 계산 (UTC 고정)
// ------------------------------------------------------------

func ValidGranularity(g string) bool {
	for _, v := range granularities {
		if v == g {
			return true
		}
	}
	return false
}

func ValidDimension(d string) bool {
	switch d {
	case DimIP, DimEndpoint, DimMethod, DimUserAgent, DimStatus:
		return true
	}
	return false
}

// BucketStart 는 ts(epoch ms)가 속한 slot 의 시작(epoch seconds)을 반환한다.
// week 는 월요일 00:00 UTC 기준.
func BucketStart(tsMs int64, gran string) int64 {
	t := time.UnixMilli(tsMs).UTC()
	switch gran {
	case GranHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Unix()
	case GranDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
	case GranWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday=0
		return day.AddDate(0, 0, -offset).Unix()
	case GranMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
	}
	return 0
}

func nextBucket(start int64, gran string) int64 {
	t := time.Unix(start, 0).UTC()
	switch gran {
	case GranHour:
		return t.Add(time.Hour).Unix()
	case GranDay:
		return t.AddDate(0, 0, 1).Unix()
	case GranWeek:
		return t.AddDate(0, 0, 7).Unix()
	case GranMonth:
		return t.AddDate(0, 1, 0).Unix()
	}
	return start + 3600
}
