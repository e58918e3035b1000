// internal/pipeline/timecache.go
package pipeline

import (
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------
// 시간 캐시
//
// hot path 에서 라인마다 time.Now() + Format() 을 부르는 비용을
// 없애기 위해 1초 해상도의 스냅샷을 재사용한다.
// 아카이브 키의 dt/hr 파티션 문자열도 같은 스냅샷에서 나온다.
// ------------------------------------------------------------

type timeSnapshot struct {
	unixMs int64
	dt     string // "2006-01-02" (UTC)
	hr     string // "15"
}

type timeCache struct {
	v atomic.Pointer[timeSnapshot]
}

func newTimeCache() *timeCache {
	c := &timeCache{}
	c.refresh()
	return c
}

func (c *timeCache) refresh() {
	now := time.Now().UTC()
	c.v.Store(&timeSnapshot{
		unixMs: now.UnixMilli(),
		dt:     now.Format("2006-01-02"),
		hr:     now.Format("15"),
	})
}

func (c *timeCache) now() *timeSnapshot { return c.v.Load() }
