package fanout

import (
	"testing"

	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishAlert(t *testing.T) {
	m := metrics.New()
	h := NewHub(8, m)

	sub := h.Subscribe()
	require.Equal(t, 1, h.Len())

	a := &model.Alert{ID: "abc", Type: model.AttackSQLInjection, ClientIP: "1.2.3.4"}
	h.PublishAlert(a)

	ev := <-sub.C()
	assert.Equal(t, model.LiveAlertRaised, ev.Type)
	require.NotNil(t, ev.Alert)
	assert.Equal(t, "abc", ev.Alert.ID)
	assert.Equal(t, int64(1), m.LiveEventsPublishedTotal)
}

func TestHubPublishCommitted(t *testing.T) {
	m := metrics.New()
	h := NewHub(8, m)
	sub := h.Subscribe()

	h.PublishCommitted(0) // no-op
	h.PublishCommitted(42)

	ev := <-sub.C()
	assert.Equal(t, model.LiveRecordCommitted, ev.Type)
	assert.Equal(t, 42, ev.Count)
}

func TestHubSlowSubscriberDropsOnlyItself(t *testing.T) {
	m := metrics.New()
	h := NewHub(2, m)

	slow := h.Subscribe() // 소비하지 않음
	fast := h.Subscribe()

	// 버퍼(2)보다 많이 발행 — slow 는 잃고 fast 는 비우면서 다 받는다.
	for i := 0; i < 4; i++ {
		h.PublishCommitted(i + 1)
		select {
		case <-fast.C():
		default:
			t.Fatal("fast 구독자가 이벤트를 받지 못함")
		}
	}

	assert.Equal(t, int64(2), m.LiveEventsDroppedTotal, "slow 구독자 초과분만 drop")
	assert.Len(t, slow.C(), 2)
}

func TestHubUnsubscribe(t *testing.T) {
	m := metrics.New()
	h := NewHub(4, m)
	sub := h.Subscribe()

	h.Unsubscribe(sub)
	assert.Equal(t, 0, h.Len())
	_, open := <-sub.C()
	assert.False(t, open, "Unsubscribe 는 채널을 닫는다")

	// 이중 Unsubscribe 는 no-op (panic 없음).
	h.Unsubscribe(sub)
}

func TestHubClose(t *testing.T) {
	m := metrics.New()
	h := NewHub(4, m)
	a := h.Subscribe()
	b := h.Subscribe()

	h.Close()
	for _, sub := range []*Subscriber{a, b} {
		_, open := <-sub.C()
		assert.False(t, open)
	}
	assert.Equal(t, int64(0), m.SubscribersCurrent)

	// closed hub 구독은 즉시 닫힌 채널.
	c := h.Subscribe()
	_, open := <-c.C()
	assert.False(t, open)

	// 이중 Close safe.
	h.Close()
}
