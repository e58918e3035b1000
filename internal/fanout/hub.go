// internal/fanout/hub.go
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"
)

// ------------------------------------------------------------
// Live Fanout Hub
//
// 커밋된 레코드 배치와 Alert 를 실시간 구독자(WebSocket 등)에게
// push 한다.
//
// 전달 보장: at-most-once. 구독자별 버퍼가 가득 차면 "그 구독자만"
// 이벤트를 잃는다 — 느린 consumer 하나가 파이프라인이나 다른
// 구독자를 밀리게 하지 않는다. replay 는 없다 (과거 데이터는
// store 질의로 복구).
// ------------------------------------------------------------

type Subscriber struct {
	id int64
	ch chan model.LiveEvent
}

// C 는 수신 채널. hub 가 Unsubscribe 시 close 한다.
func (s *Subscriber) C() <-chan model.LiveEvent { return s.ch }

type Hub struct {
	metrics *metrics.Metrics
	bufSize int

	mu     sync.RWMutex
	nextID int64
	subs   map[int64]*Subscriber
	closed bool
}

func NewHub(bufSize int, m *metrics.Metrics) *Hub {
	if bufSize < 1 {
		bufSize = 64
	}
	return &Hub{
		metrics: m,
		bufSize: bufSize,
		subs:    make(map[int64]*Subscriber),
	}
}

func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{id: h.nextID, ch: make(chan model.LiveEvent, h.bufSize)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	atomic.AddInt64(&h.metrics.SubscribersCurrent, 1)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	atomic.AddInt64(&h.metrics.SubscribersCurrent, -1)
}

// PublishCommitted 는 store 커밋 배치를 단일 이벤트로 알린다.
// (per-record push 는 부하 대비 가치가 없다 — 대시보드는 개수만 필요.)
func (h *Hub) PublishCommitted(count int) {
	if count <= 0 {
		return
	}
	h.broadcast(model.LiveEvent{
		Type:  model.LiveRecordCommitted,
		Ts:    time.Now().UnixMilli(),
		Count: count,
	})
}

// PublishAlert — alert.Sink 구현.
func (h *Hub) PublishAlert(a *model.Alert) {
	h.broadcast(model.LiveEvent{
		Type:  model.LiveAlertRaised,
		Ts:    time.Now().UnixMilli(),
		Alert: a,
	})
}

func (h *Hub) broadcast(ev model.LiveEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
			atomic.AddInt64(&h.metrics.LiveEventsPublishedTotal, 1)
		default:
			// 해당 구독자 버퍼 가득 — 이 구독자만 drop.
			atomic.AddInt64(&h.metrics.LiveEventsDroppedTotal, 1)
		}
	}
}

// Close 는 모든 구독자 채널을 닫는다. 이후 Subscribe 는
// 즉시 닫힌 채널을 받는다.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	atomic.StoreInt64(&h.metrics.SubscribersCurrent, 0)
}

// Len — 현재 구독자 수 (테스트/헬스 체크용).
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
