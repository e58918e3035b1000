// internal/aggregate/topk.go
package aggregate

import "sort"

// ------------------------------------------------------------
// 유계 frequency counter (space-saving 방식)
//
// Top-N 질의용. key 수가 cap 을 넘으면 최소 카운트 항목을
// 밀어내고 그 카운트를 승계한다 — 진짜 heavy hitter 는
// 과소평가되지 않고, 메모리는 cap 으로 유계.
// 원본 레코드 재스캔 없이 증분 유지된다.
// ------------------------------------------------------------

type Counter struct {
	cap    int
	counts map[string]int64
}

func NewCounter(cap int) *Counter {
	if cap < 1 {
		cap = 1
	}
	return &Counter{cap: cap, counts: make(map[string]int64, cap)}
}

// Observe 는 key 의 빈도를 1 올린다.
func (c *Counter) Observe(key string) {
	if _, ok := c.counts[key]; ok {
		c.counts[key]++
		return
	}
	if len(c.counts) < c.cap {
		c.counts[key] = 1
		return
	}

	// cap 도달: 최소 항목을 찾아 교체하고 카운트를 승계한다.
	minKey, minVal := "", int64(-1)
	for k, v := range c.counts {
		if minVal < 0 || v < minVal {
			minKey, minVal = k, v
		}
	}
	delete(c.counts, minKey)
	c.counts[key] = minVal + 1
}

// KV — Top 결과 항목.
type KV struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Top 은 빈도 내림차순 상위 limit 개를 반환한다.
// 동률은 key 사전순 — 호출마다 순서가 흔들리지 않도록.
func (c *Counter) Top(limit int) []KV {
	out := make([]KV, 0, len(c.counts))
	for k, v := range c.counts {
		out = append(out, KV{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MergeInto 는 counter 내용을 합산 map 에 더한다 (range 질의용).
func (c *Counter) MergeInto(dst map[string]int64) {
	for k, v := range c.counts {
		dst[k] += v
	}
}

// Len — 현재 추적 중인 key 수.
func (c *Counter) Len() int { return len(c.counts) }
