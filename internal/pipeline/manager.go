// internal/pipeline/manager.go
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/aggregate"
	"nginx-sentinel/internal/alert"
	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/detect"
	"nginx-sentinel/internal/enrich"
	"nginx-sentinel/internal/fanout"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"
	"nginx-sentinel/internal/parser"
	"nginx-sentinel/internal/store"

	"github.com/rs/zerolog/log"
)

// ============================================================
// Pipeline Manager
//
// 라인 수집부터 store 커밋까지의 전체 흐름을 소유한다.
//
//   [live]  PushLive → lineCh → parseLoop ─┐
//   [batch] IngestFile (동기 파싱) ────────┤→ shardCh[i] → shardLoop
//                                          │     (detect/emit/aggregate)
//                                          │     → batch flush → store
//                                          │     → fanout / archive
//
// backpressure 정책이 경로마다 다르다:
//   - live: queue full 이면 즉시 drop-and-count (push 쪽에 503 응답 유도).
//     지연보다 최신성이 중요한 경로라서 절대 block 하지 않는다.
//   - batch: shardCh 가 가득 차면 그냥 기다린다. 파일 재생은
//     밀려도 되는 작업이고, drop 은 곧 데이터 유실이다.
//
// 같은 IP 는 항상 같은 shard worker 로 간다 → window 갱신에
// 쓰기 경합이 없고, 같은 키의 이벤트는 순서대로 반영된다.
// ============================================================

var ErrStopped = errors.New("pipeline: stopped")

type rawLine struct {
	line     string
	sourceID string
	offset   int64
}

// shardMsg — shard worker 로 가는 메시지. rec 전달이 기본이고,
// flush 가 non-nil 이면 "지금까지의 배치를 즉시 커밋하고 결과를
// 알려달라"는 barrier 요청이다. shard 채널은 FIFO 이므로 barrier
// 는 자기보다 앞서 들어간 레코드가 전부 반영된 뒤에 처리된다.
type shardMsg struct {
	rec   *model.LogRecord
	flush chan error
}

// store 장애 중 재시도를 위해 들고 있을 수 있는 배치 상한 (배수).
// 넘치면 오래된 것부터 버리고 집계한다 — 무한 적체 방지.
const storeBacklogFactor = 8

// ArchiveSink — 커밋 배치를 장기 보관소로 넘기는 선택적 출구.
type ArchiveSink interface {
	Submit(recs []*model.LogRecord)
}

type Manager struct {
	cfg      config.Config
	parser   atomic.Pointer[parser.Parser] // detection 설정 reload 시 교체됨
	enricher *enrich.Enricher
	state    *detect.State
	emitter  *alert.Emitter
	agg      *aggregate.Aggregator
	store    *store.Store
	hub      *fanout.Hub
	metrics  *metrics.Metrics
	archive  ArchiveSink // nil 이면 비활성

	clock    *timeCache
	lineCh   chan rawLine
	shardChs []chan shardMsg

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	parseWg  sync.WaitGroup
	shardWg  sync.WaitGroup
	bgWg     sync.WaitGroup
}

func NewManager(
	cfg config.Config,
	p *parser.Parser,
	en *enrich.Enricher,
	st *detect.State,
	em *alert.Emitter,
	agg *aggregate.Aggregator,
	db *store.Store,
	hub *fanout.Hub,
	m *metrics.Metrics,
	archive ArchiveSink,
) *Manager {
	mgr := &Manager{
		cfg:      cfg,
		enricher: en,
		state:    st,
		emitter:  em,
		agg:      agg,
		store:    db,
		hub:      hub,
		metrics:  m,
		archive:  archive,
		clock:    newTimeCache(),
		lineCh:   make(chan rawLine, cfg.ChannelSize),
		shardChs: make([]chan shardMsg, cfg.ShardCount),
		stopCh:   make(chan struct{}),
	}
	for i := range mgr.shardChs {
		mgr.shardChs[i] = make(chan shardMsg, cfg.ChannelSize/cfg.ShardCount+1)
	}
	mgr.parser.Store(p)
	return mgr
}

// UpdateParser 는 탐지 설정 hot-reload 시 커스텀 포맷이 바뀐 경우
// 새로 컴파일된 parser 로 교체한다. 진행 중인 라인은 이전 parser 로
// 끝까지 처리된다 (라인 단위 원자성).
func (m *Manager) UpdateParser(p *parser.Parser) {
	m.parser.Store(p)
}

// Start 는 worker goroutine 들을 기동한다.
func (m *Manager) Start() {
	// live 경로 parse worker — shard 수만큼.
	for i := 0; i < m.cfg.ShardCount; i++ {
		m.parseWg.Add(1)
		go m.parseLoop()
	}
	for i := range m.shardChs {
		m.shardWg.Add(1)
		go m.shardLoop(i)
	}

	m.bgWg.Add(2)
	go m.clockLoop()
	go m.sweepLoop()

	log.Info().
		Int("shards", m.cfg.ShardCount).
		Int("queue", m.cfg.ChannelSize).
		Msg("pipeline 시작")
}

// PushLive 는 실시간 라인을 큐에 넣는다. 큐가 가득 차면 버리고
// false 를 반환한다 — caller(HTTP handler)는 503 으로 응답한다.
func (m *Manager) PushLive(line, sourceID string, offset int64) bool {
	if m.stopped.Load() {
		return false
	}
	atomic.AddInt64(&m.metrics.LinesReceivedTotal, 1)

	select {
	case m.lineCh <- rawLine{line: line, sourceID: sourceID, offset: offset}:
		return true
	default:
		atomic.AddInt64(&m.metrics.LinesDroppedQueueFullTotal, 1)
		return false
	}
}

// Dispatch 는 이미 파싱된 레코드를 shard worker 로 보낸다 (batch 경로).
// shardCh 가 가득 차면 자리가 날 때까지 기다린다 — backpressure.
func (m *Manager) Dispatch(ctx context.Context, rec *model.LogRecord) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	m.enricher.Apply(rec)

	select {
	case m.shardChs[m.state.ShardFor(rec.ClientIP)] <- shardMsg{rec: rec}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return ErrStopped
	}
}

// FlushSync 는 모든 shard 에 barrier 를 보내 지금까지 수락된
// 레코드의 store 커밋을 강제하고 결과를 기다린다. 배치 경로가
// "레코드는 store ack 후에만 커밋된 것"을 caller 에게 보장하는
// 수단이다. 어느 shard 든 커밋 실패가 있으면 그 에러를 반환한다.
func (m *Manager) FlushSync(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrStopped
	}

	replies := make([]chan error, len(m.shardChs))
	for i, ch := range m.shardChs {
		reply := make(chan error, 1)
		select {
		case ch <- shardMsg{flush: reply}:
			replies[i] = reply
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return ErrStopped
		}
	}

	var first error
	for _, reply := range replies {
		select {
		case err := <-reply:
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return first
}

func (m *Manager) parseLoop() {
	defer m.parseWg.Done()
	for {
		select {
		case l := <-m.lineCh:
			m.handleLine(l)
		case <-m.stopCh:
			// 종료 신호 후에도 이미 수락한 라인은 끝까지 처리한다.
			for {
				select {
				case l := <-m.lineCh:
					m.handleLine(l)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) handleLine(l rawLine) {
	rec, perr := m.parser.Load().Parse(l.line, l.sourceID, l.offset)
	if perr != nil {
		atomic.AddInt64(&m.metrics.ParseErrorsTotal, 1)
		log.Debug().Str("kind", string(perr.Kind)).Str("reason", perr.Reason).Msg("parse 실패")
		return
	}
	atomic.AddInt64(&m.metrics.LinesParsedTotal, 1)
	m.enricher.Apply(rec)

	// 같은 IP → 같은 shard. 종료 중이어도 수락분은 버리지 않는다.
	m.shardChs[m.state.ShardFor(rec.ClientIP)] <- shardMsg{rec: rec}
}

func (m *Manager) shardLoop(i int) {
	defer m.shardWg.Done()

	batch := make([]*model.LogRecord, 0, m.cfg.StoreBatchSize)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-m.shardChs[i]:
			if !ok {
				m.flush(&batch)
				return
			}
			if msg.flush != nil {
				msg.flush <- m.flush(&batch)
				continue
			}
			m.process(msg.rec)
			batch = append(batch, msg.rec)
			if len(batch) >= m.cfg.StoreBatchSize {
				m.flush(&batch)
			}
		case <-ticker.C:
			m.flush(&batch)
		}
	}
}

// process — 분류와 집계. store 커밋 여부와 무관하게 레코드 단위로 실행된다.
func (m *Manager) process(rec *model.LogRecord) {
	sigHits := detect.Classify(rec)
	if n := len(sigHits); n > 0 {
		atomic.AddInt64(&m.metrics.SignatureHitsTotal, int64(n))
	}

	behHits := m.state.Observe(rec)
	if n := len(behHits); n > 0 {
		atomic.AddInt64(&m.metrics.BehaviorHitsTotal, int64(n))
	}

	if len(sigHits) > 0 || len(behHits) > 0 {
		m.emitter.Emit(sigHits, behHits, rec)
	}

	m.agg.Update(rec)
}

// flush 는 모인 배치를 store 에 커밋하고 구독자/아카이브에 알린다.
// 실패 시 배치는 유지되어 다음 flush 에서 재시도되지만, backlog 가
// 상한(StoreBatchSize × storeBacklogFactor)을 넘으면 오래된 것부터
// 버리고 집계한다 — store 장기 장애가 메모리 적체로 번지지 않게.
func (m *Manager) flush(batch *[]*model.LogRecord) error {
	if len(*batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	committed, err := m.store.InsertRecords(ctx, *batch)
	cancel()
	if err != nil {
		atomic.AddInt64(&m.metrics.StoreWriteErrorsTotal, 1)
		if max := m.cfg.StoreBatchSize * storeBacklogFactor; len(*batch) > max {
			over := len(*batch) - max
			atomic.AddInt64(&m.metrics.RecordsDroppedStoreDownTotal, int64(over))
			n := copy(*batch, (*batch)[over:])
			*batch = (*batch)[:n]
		}
		log.Error().Err(err).Int("batch", len(*batch)).Msg("store 커밋 실패, 배치 유지")
		return err
	}

	m.hub.PublishCommitted(int(committed))
	if m.archive != nil {
		recs := make([]*model.LogRecord, len(*batch))
		copy(recs, *batch)
		m.archive.Submit(recs)
	}

	*batch = (*batch)[:0]
	return nil
}

func (m *Manager) clockLoop() {
	defer m.bgWg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.clock.refresh()
		case <-m.stopCh:
			return
		}
	}
}

// sweepLoop — idle window key TTL 정리, coalescing entry GC,
// aggregator 보존 정리, 버킷 스냅샷 영속화.
func (m *Manager) sweepLoop() {
	defer m.bgWg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if evicted := m.state.Sweep(now); evicted > 0 {
				atomic.AddInt64(&m.metrics.WindowKeysEvictedTotal, int64(evicted))
			}
			m.emitter.GC(now)
			m.agg.Sweep(now)
			m.persistBuckets()
		case <-m.stopCh:
			return
		}
	}
}

// persistBuckets 는 현재/직전 slot 의 버킷을 store 에 snapshot 한다.
// 버킷은 증가 전용이므로 덮어쓰기가 곧 최신화다.
func (m *Manager) persistBuckets() {
	nowMs := m.clock.now().unixMs
	var out []model.MetricsBucket

	for _, g := range []string{aggregate.GranHour, aggregate.GranDay, aggregate.GranWeek, aggregate.GranMonth} {
		start := aggregate.BucketStart(nowMs, g)
		// 직전 slot 부터 현재까지 — slot 경계 직후의 잔여 갱신도 따라간다.
		prevMs := start*1000 - 1
		if prevMs > 0 {
			from := aggregate.BucketStart(prevMs, g) * 1000
			out = append(out, m.agg.Query(from, nowMs+1, g)...)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveBuckets(ctx, out); err != nil {
		log.Warn().Err(err).Msg("버킷 snapshot 저장 실패")
	}
}

// Stop 은 파이프라인을 순서대로 배수(drain)한다:
// 신규 수락 중단 → 큐 잔량 파싱 → shard 배치 최종 flush → 버킷 snapshot.
// HTTP 서버가 먼저 내려간 뒤 호출되어야 한다 (producer 부재 전제).
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.stopCh)

		m.parseWg.Wait()
		for _, ch := range m.shardChs {
			close(ch)
		}
		m.shardWg.Wait()
		m.bgWg.Wait()

		m.persistBuckets()
		log.Info().Msg("pipeline 종료 완료")
	})
}
