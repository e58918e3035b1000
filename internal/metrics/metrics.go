// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 파이프라인 상태를 나타내는 카운터 모음이다.
//
// Prometheus 용이 아니라 운영자가 장애 원인을 분석할 때 보는
// 내부 카운터들이다 (parse 실패, 큐 drop, store 실패, DLQ 적재 등).
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// Ingestion 레벨 지표
	// ======================

	// LinesReceivedTotal
	// - 파이프라인에 도착한 "모든" raw 라인 수 (batch + live, 시도 기준).
	// - 트래픽 규모를 가장 단순하게 파악하는 지표.
	LinesReceivedTotal int64

	// LinesParsedTotal
	// - 정규화 레코드로 변환에 성공한 라인 수.
	LinesParsedTotal int64

	// ParseErrorsTotal
	// - ParseError 로 스킵된 라인 수 (배치는 절대 중단되지 않음).
	// - 비율: 이 값 / LinesReceivedTotal → 포맷 설정이 현실과 맞는지 판단.
	ParseErrorsTotal int64

	// LinesDroppedQueueFullTotal
	// - live 모드에서 ingestion queue 가 가득 차서 버린 라인 수.
	// - batch 모드는 block(backpressure)하므로 여기 집계되지 않는다.
	// - 이 값이 지속 증가하면 처리 용량 초과 또는 store/archive 지연 신호.
	LinesDroppedQueueFullTotal int64

	// ======================
	// 탐지 지표
	// ======================

	// SignatureHitsTotal — 시그니처 룰 매칭 건수 (레코드당 다건 가능).
	SignatureHitsTotal int64

	// BehaviorHitsTotal — 윈도우 임계값 초과 탐지 건수.
	BehaviorHitsTotal int64

	// AlertsRaisedTotal — 실제 발행(저장+push)된 Alert 수.
	AlertsRaisedTotal int64

	// AlertsCoalescedTotal
	// - coalescing 구간 내 중복으로 병합된 트리거 수.
	// - AlertsRaisedTotal 과 함께 보면 "alert storm 억제량"을 알 수 있다.
	AlertsCoalescedTotal int64

	// WindowKeysEvictedTotal — TTL 로 정리된 idle window key 수.
	WindowKeysEvictedTotal int64

	// ======================
	// Store / Fanout 지표
	// ======================

	// RecordsCommittedTotal — store 에 커밋 완료(ack)된 레코드 수.
	RecordsCommittedTotal int64

	// StoreWriteErrorsTotal
	// - store 쓰기 실패 횟수. 실패한 레코드는 커밋으로 치지 않으며
	//   배치 caller 에게 그대로 전파된다 (재시도 판단은 caller 몫).
	StoreWriteErrorsTotal int64

	// RecordsDroppedStoreDownTotal
	// - store 장애가 길어져 재시도 backlog 상한을 넘긴 탓에
	//   버려진 레코드 수. 0 이 아니면 이미 유실이 시작된 것.
	RecordsDroppedStoreDownTotal int64

	// LiveEventsPublishedTotal — 구독자에게 전달된 live 이벤트 수.
	LiveEventsPublishedTotal int64

	// LiveEventsDroppedTotal
	// - 느린 구독자의 버퍼가 가득 차서 버린 이벤트 수.
	// - live 스트림은 replay 보장이 없으므로 drop 은 정상 동작이지만,
	//   특정 구독자에서 계속 치솟으면 consumer 측 점검 필요.
	LiveEventsDroppedTotal int64

	// SubscribersCurrent — 현재 연결된 live 구독자 수 (gauge).
	SubscribersCurrent int64

	// ======================
	// Archive (S3) 지표
	// ======================

	// ArchiveRecordsStoredTotal — S3 에 성공 저장된 레코드 수 (배치 수 아님).
	ArchiveRecordsStoredTotal int64

	// ArchivePutErrorsTotal — PutObject 실패 "시도(attempt)" 횟수.
	ArchivePutErrorsTotal int64

	// ======================
	// DLQ 지표
	// ======================

	// DLQRecordsEnqueuedTotal — S3 실패로 로컬 DLQ 에 적재된 레코드 수.
	DLQRecordsEnqueuedTotal int64

	// DLQRecordsReuploadedTotal — DLQ 에서 S3 로 복구된 레코드 수.
	DLQRecordsReuploadedTotal int64

	// DLQRecordsDroppedTotal
	// - DLQ 용량 제한에 걸려 영구 유실된 레코드 수.
	// - 0 이 아니면 이미 데이터를 잃기 시작했다는 강한 신호.
	DLQRecordsDroppedTotal int64

	// DLQFilesExpiredTotal — TTL/용량 정책으로 삭제된 DLQ 파일 수.
	DLQFilesExpiredTotal int64

	// DLQFilesCurrent — 현재 DLQ 디렉토리의 파일 수 (gauge).
	DLQFilesCurrent int64

	// DLQSizeBytes — 현재 DLQ 전체 용량 (gauge, bytes).
	DLQSizeBytes int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "lines_received_total=%d\n", atomic.LoadInt64(&m.LinesReceivedTotal))
	fmt.Fprintf(&sb, "lines_parsed_total=%d\n", atomic.LoadInt64(&m.LinesParsedTotal))
	fmt.Fprintf(&sb, "parse_errors_total=%d\n", atomic.LoadInt64(&m.ParseErrorsTotal))
	fmt.Fprintf(&sb, "lines_dropped_queue_full_total=%d\n", atomic.LoadInt64(&m.LinesDroppedQueueFullTotal))

	fmt.Fprintf(&sb, "signature_hits_total=%d\n", atomic.LoadInt64(&m.SignatureHitsTotal))
	fmt.Fprintf(&sb, "behavior_hits_total=%d\n", atomic.LoadInt64(&m.BehaviorHitsTotal))
	fmt.Fprintf(&sb, "alerts_raised_total=%d\n", atomic.LoadInt64(&m.AlertsRaisedTotal))
	fmt.Fprintf(&sb, "alerts_coalesced_total=%d\n", atomic.LoadInt64(&m.AlertsCoalescedTotal))
	fmt.Fprintf(&sb, "window_keys_evicted_total=%d\n", atomic.LoadInt64(&m.WindowKeysEvictedTotal))

	fmt.Fprintf(&sb, "records_committed_total=%d\n", atomic.LoadInt64(&m.RecordsCommittedTotal))
	fmt.Fprintf(&sb, "store_write_errors_total=%d\n", atomic.LoadInt64(&m.StoreWriteErrorsTotal))
	fmt.Fprintf(&sb, "records_dropped_store_down_total=%d\n", atomic.LoadInt64(&m.RecordsDroppedStoreDownTotal))
	fmt.Fprintf(&sb, "live_events_published_total=%d\n", atomic.LoadInt64(&m.LiveEventsPublishedTotal))
	fmt.Fprintf(&sb, "live_events_dropped_total=%d\n", atomic.LoadInt64(&m.LiveEventsDroppedTotal))
	fmt.Fprintf(&sb, "subscribers_current=%d\n", atomic.LoadInt64(&m.SubscribersCurrent))

	fmt.Fprintf(&sb, "archive_records_stored_total=%d\n", atomic.LoadInt64(&m.ArchiveRecordsStoredTotal))
	fmt.Fprintf(&sb, "archive_put_errors_total=%d\n", atomic.LoadInt64(&m.ArchivePutErrorsTotal))

	fmt.Fprintf(&sb, "dlq_records_enqueued_total=%d\n", atomic.LoadInt64(&m.DLQRecordsEnqueuedTotal))
	fmt.Fprintf(&sb, "dlq_records_reuploaded_total=%d\n", atomic.LoadInt64(&m.DLQRecordsReuploadedTotal))
	fmt.Fprintf(&sb, "dlq_records_dropped_total=%d\n", atomic.LoadInt64(&m.DLQRecordsDroppedTotal))
	fmt.Fprintf(&sb, "dlq_files_expired_total=%d\n", atomic.LoadInt64(&m.DLQFilesExpiredTotal))
	fmt.Fprintf(&sb, "dlq_files_current=%d\n", atomic.LoadInt64(&m.DLQFilesCurrent))
	fmt.Fprintf(&sb, "dlq_size_bytes=%d\n", atomic.LoadInt64(&m.DLQSizeBytes))

	return sb.String()
}
