package aggregate

import (
	"fmt"
	"testing"
	"time"

	"nginx-sentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aggRec(ts int64, ip, path string, status int, bytes int64) *model.LogRecord {
	return &model.LogRecord{
		Ts: ts, ClientIP: ip, Path: path, Status: status,
		BytesSent: bytes, UserAgent: "Mozilla/5.0 (X11)",
	}
}

func TestUpdateAndQuery(t *testing.T) {
	a := New(4)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)

	// 12시에 3건, 13시에 1건.
	a.Update(aggRec(base.UnixMilli(), "1.1.1.1", "/a", 200, 100))
	a.Update(aggRec(base.Add(10*time.Minute).UnixMilli(), "2.2.2.2", "/b", 404, 50))
	a.Update(aggRec(base.Add(20*time.Minute).UnixMilli(), "1.1.1.1", "/a", 500, 10))
	a.Update(aggRec(base.Add(70*time.Minute).UnixMilli(), "3.3.3.3", "/c", 200, 500))

	out := a.Query(base.UnixMilli(), base.Add(2*time.Hour).UnixMilli(), GranHour)
	require.Len(t, out, 2)

	h0 := out[0]
	assert.Equal(t, base.Unix(), h0.BucketStart)
	assert.Equal(t, int64(3), h0.RequestCount)
	assert.Equal(t, int64(2), h0.ErrorCount) // 404 + 500
	assert.Equal(t, int64(160), h0.BytesTotal)
	assert.Equal(t, int64(1), h0.Status2xx)
	assert.Equal(t, int64(1), h0.Status4xx)
	assert.Equal(t, int64(1), h0.Status5xx)
	assert.Equal(t, int64(2), h0.UniqueClients)
	assert.False(t, h0.Approx)

	h1 := out[1]
	assert.Equal(t, int64(1), h1.RequestCount)
	assert.Equal(t, int64(1), h1.UniqueClients)
}

func TestHourSumsMatchDayBucket(t *testing.T) {
	a := New(4)
	day := time.Date(2023, 10, 10, 0, 0, 0, 0, time.UTC)

	total := int64(0)
	for h := 0; h < 5; h++ {
		for i := 0; i < h+1; i++ {
			a.Update(aggRec(day.Add(time.Duration(h)*time.Hour).UnixMilli(),
				fmt.Sprintf("10.0.%d.%d", h, i), "/x", 200, 10))
			total++
		}
	}

	hours := a.Query(day.UnixMilli(), day.Add(24*time.Hour).UnixMilli(), GranHour)
	var hourSum int64
	for _, b := range hours {
		hourSum += b.RequestCount
	}

	days := a.Query(day.UnixMilli(), day.Add(24*time.Hour).UnixMilli(), GranDay)
	require.Len(t, days, 1)
	assert.Equal(t, total, hourSum)
	assert.Equal(t, total, days[0].RequestCount)
}

func TestQueryZeroFill(t *testing.T) {
	a := New(2)
	base := time.Date(2023, 10, 10, 0, 0, 0, 0, time.UTC)

	// 첫 시간과 마지막 시간에만 이벤트.
	a.Update(aggRec(base.UnixMilli(), "1.1.1.1", "/", 200, 1))
	a.Update(aggRec(base.Add(5*time.Hour).UnixMilli(), "1.1.1.1", "/", 200, 1))

	out := a.Query(base.UnixMilli(), base.Add(6*time.Hour).UnixMilli(), GranHour)
	require.Len(t, out, 6)
	for i := 1; i < 5; i++ {
		assert.Equal(t, int64(0), out[i].RequestCount, "slot %d 은 zero 버킷", i)
		assert.Equal(t, base.Add(time.Duration(i)*time.Hour).Unix(), out[i].BucketStart)
	}
}

func TestQueryInvalidInput(t *testing.T) {
	a := New(2)
	assert.Nil(t, a.Query(0, 1000, "minute"))
	assert.Nil(t, a.Query(2000, 1000, GranHour))
}

func TestTopOrdering(t *testing.T) {
	a := New(4)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		a.Update(aggRec(base.UnixMilli(), "9.9.9.9", "/hot", 200, 1))
	}
	for i := 0; i < 3; i++ {
		a.Update(aggRec(base.UnixMilli(), "8.8.8.8", "/warm", 200, 1))
	}
	a.Update(aggRec(base.UnixMilli(), "7.7.7.7", "/cold", 200, 1))

	top := a.Top(DimIP, 10, base.UnixMilli(), base.Add(time.Hour).UnixMilli())
	require.Len(t, top, 3)
	assert.Equal(t, KV{Key: "9.9.9.9", Count: 5}, top[0])
	assert.Equal(t, KV{Key: "8.8.8.8", Count: 3}, top[1])
	assert.Equal(t, KV{Key: "7.7.7.7", Count: 1}, top[2])

	// limit 적용
	top2 := a.Top(DimIP, 2, base.UnixMilli(), base.Add(time.Hour).UnixMilli())
	assert.Len(t, top2, 2)

	eps := a.Top(DimEndpoint, 10, base.UnixMilli(), base.Add(time.Hour).UnixMilli())
	assert.Equal(t, "/hot", eps[0].Key)
}

func TestTopTieBreakByKey(t *testing.T) {
	c := NewCounter(16)
	c.Observe("b")
	c.Observe("a")
	c.Observe("c")

	top := c.Top(10)
	require.Len(t, top, 3)
	assert.Equal(t, "a", top[0].Key)
	assert.Equal(t, "b", top[1].Key)
	assert.Equal(t, "c", top[2].Key)
}

func TestCounterEviction(t *testing.T) {
	c := NewCounter(2)
	c.Observe("x")
	c.Observe("x")
	c.Observe("y")
	require.Equal(t, 2, c.Len())

	// cap 도달 — 최소 항목(y=1)이 밀려나고 카운트를 승계한다.
	c.Observe("z")
	assert.Equal(t, 2, c.Len())

	top := c.Top(10)
	assert.Equal(t, KV{Key: "x", Count: 2}, top[0])
	assert.Equal(t, KV{Key: "z", Count: 2}, top[1]) // 1(승계) + 1
}

func TestUniqueClientsApprox(t *testing.T) {
	a := New(1)
	base := time.Date(2023, 10, 10, 12, 0, 0, 0, time.UTC)

	// cap 을 넘길 때까지 distinct IP 주입.
	for i := 0; i <= uniqueCap; i++ {
		a.Update(aggRec(base.UnixMilli(), fmt.Sprintf("10.%d.%d.%d", i>>16, (i>>8)&0xff, i&0xff), "/", 200, 1))
	}

	out := a.Query(base.UnixMilli(), base.Add(time.Hour).UnixMilli(), GranHour)
	require.Len(t, out, 1)
	assert.True(t, out[0].Approx, "cap 초과 후에는 근사값")
	assert.Equal(t, int64(uniqueCap+1), out[0].UniqueClients)

	// sticky + 동결: 이후 트래픽(신규/중복 IP 모두)은 값을 바꾸지
	// 않는다 — 요청 수를 따라가면 고유 카운트가 아니게 된다.
	a.Update(aggRec(base.UnixMilli(), "10.0.0.1", "/", 200, 1))
	a.Update(aggRec(base.UnixMilli(), "172.16.0.1", "/", 200, 1))
	out = a.Query(base.UnixMilli(), base.Add(time.Hour).UnixMilli(), GranHour)
	assert.True(t, out[0].Approx)
	assert.Equal(t, int64(uniqueCap+1), out[0].UniqueClients)

	// 다른 카운터는 계속 올라간다.
	assert.Equal(t, int64(uniqueCap+3), out[0].RequestCount)
}

func TestBucketStartWeekMonday(t *testing.T) {
	// 2023-10-12 는 목요일 — 그 주의 월요일은 10-09.
	thu := time.Date(2023, 10, 12, 15, 30, 0, 0, time.UTC)
	want := time.Date(2023, 10, 9, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, BucketStart(thu.UnixMilli(), GranWeek))

	// 월요일 자정은 자기 자신이 시작점.
	mon := time.Date(2023, 10, 9, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, mon.Unix(), BucketStart(mon.UnixMilli(), GranWeek))

	// 일요일은 직전 월요일로.
	sun := time.Date(2023, 10, 8, 23, 59, 59, 0, time.UTC)
	want = time.Date(2023, 10, 2, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, BucketStart(sun.UnixMilli(), GranWeek))
}

func TestBucketStartMonth(t *testing.T) {
	ts := time.Date(2023, 10, 12, 15, 30, 0, 0, time.UTC)
	want := time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, BucketStart(ts.UnixMilli(), GranMonth))
}

func TestSweepRetainsRecentState(t *testing.T) {
	a := New(2)
	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)

	a.Update(aggRec(old.UnixMilli(), "1.1.1.1", "/old", 200, 1))
	a.Update(aggRec(now.UnixMilli(), "2.2.2.2", "/new", 200, 1))

	a.Sweep(now)

	oldHour := a.Query(old.UnixMilli(), old.Add(time.Hour).UnixMilli(), GranHour)
	require.Len(t, oldHour, 1)
	assert.Equal(t, int64(0), oldHour[0].RequestCount, "보존 지평 밖 hour 상태는 정리")

	hourStart := now.Truncate(time.Hour)
	newHour := a.Query(hourStart.UnixMilli(), hourStart.Add(time.Hour).UnixMilli(), GranHour)
	require.Len(t, newHour, 1)
	assert.Equal(t, int64(1), newHour[0].RequestCount)

	assert.Empty(t, a.Top(DimEndpoint, 10, old.UnixMilli(), old.Add(time.Hour).UnixMilli()))
}

func TestValidators(t *testing.T) {
	for _, g := range []string{GranHour, GranDay, GranWeek, GranMonth} {
		assert.True(t, ValidGranularity(g))
	}
	assert.False(t, ValidGranularity("minute"))

	for _, d := range []string{DimIP, DimEndpoint, DimMethod, DimUserAgent, DimStatus} {
		assert.True(t, ValidDimension(d))
	}
	assert.False(t, ValidDimension("referrer"))
}
