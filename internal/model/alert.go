// internal/model/alert.go
package model

// AttackType — 탐지 대상 공격 유형.
type AttackType string

const (
	AttackSQLInjection     AttackType = "sql_injection"
	AttackXSS              AttackType = "xss"
	AttackPathTraversal    AttackType = "path_traversal"
	AttackExploitProbe     AttackType = "exploit_probe"
	AttackScanning         AttackType = "scanning"
	AttackBruteForce       AttackType = "brute_force"
	AttackDoS              AttackType = "dos"
	AttackDataExfiltration AttackType = "data_exfiltration"
)

// SignatureHit
// ------------------------------------------------------------
// 단일 레코드의 내용(path/query/UA)이 알려진 공격 패턴 룰에
// 매칭된 결과. 상태를 갖지 않으며, 같은 레코드에 대해
// 몇 번을 호출해도 항상 동일한 결과가 나온다(결정적).
type SignatureHit struct {
	Type       AttackType `json:"type"`
	Rule       string     `json:"rule"`       // 매칭된 룰 이름 (evidence)
	Confidence float64    `json:"confidence"` // 해당 룰의 base confidence
}

// BehaviorHit
// ------------------------------------------------------------
// 윈도우 누적 통계가 임계값을 초과했을 때의 탐지 결과.
// Value/Threshold 를 그대로 들고 다니므로 evidence 문자열을
// emitter 단계에서 재구성할 필요가 없다.
type BehaviorHit struct {
	Type       AttackType `json:"type"`
	Key        string     `json:"key"`      // IP 또는 "IP endpoint"
	Metric     string     `json:"metric"`   // auth_failures / request_rate / bytes_total / bytes_outlier
	Value      int64      `json:"value"`    // 관측값
	Threshold  int64      `json:"threshold"`
	Confidence float64    `json:"confidence"`
}

// Alert
// ------------------------------------------------------------
// 분류 결과로 발행되는 최종 보안 경보.
// ID 는 (type, ip, endpoint, coalescing bucket) 의 결정적 해시이며,
// 같은 coalescing 구간 안의 반복 트리거는 같은 ID 로 수렴한다
// → 저장소 레벨에서 자연스럽게 dedup 된다.
// 발행 이후에는 불변이다. (반복 공격은 새 구간에서 새 Alert)
type Alert struct {
	ID         string     `json:"id"`
	Ts         int64      `json:"ts"` // 최초 트리거 시각 (UTC epoch ms)
	Type       AttackType `json:"attack_type"`
	ClientIP   string     `json:"client_ip"`
	Endpoint   string     `json:"endpoint"`
	Confidence float64    `json:"confidence"` // 0.0 ~ 1.0
	Evidence   string     `json:"evidence"`   // 매칭 시그니처 또는 트리거 지표
	RecordIDs  []string   `json:"source_record_ids,omitempty"`
}

// MetricsBucket
// ------------------------------------------------------------
// 하나의 (granularity, slot) 에 대한 누적 카운터.
// 증가 전용(append-only increment)이며, range 질의는 원본 레코드를
// 다시 스캔하지 않고 버킷 병합만으로 응답한다.
type MetricsBucket struct {
	Granularity string `json:"granularity"`  // hour / day / week / month
	BucketStart int64  `json:"bucket_start"` // slot 시작 (UTC epoch seconds)

	RequestCount int64 `json:"request_count"`
	ErrorCount   int64 `json:"error_count"` // 4xx + 5xx
	BytesTotal   int64 `json:"bytes_total"`

	// 상태 클래스 분해 — 대시보드 집계용.
	Status2xx int64 `json:"status_2xx"`
	Status3xx int64 `json:"status_3xx"`
	Status4xx int64 `json:"status_4xx"`
	Status5xx int64 `json:"status_5xx"`

	// UniqueClients 는 cap 이하일 땐 정확한 값, cap 초과 시
	// cap 시점 값으로 동결된 하한 추정값이 되며 Approx 가
	// true 로 고정된다.
	UniqueClients int64 `json:"unique_clients"`
	Approx        bool  `json:"approx,omitempty"`
}

// Live fanout 이벤트 종류.
const (
	LiveRecordCommitted = "record_committed"
	LiveAlertRaised     = "alert_raised"
)

// LiveEvent
// ------------------------------------------------------------
// 실시간 구독자에게 push 되는 이벤트 envelope.
// record_committed 는 per-record 가 아니라 store 커밋 배치 단위로
// 발행된다 (Count 에 커밋 개수). alert_raised 는 Alert 포함.
type LiveEvent struct {
	Type  string `json:"type"`
	Ts    int64  `json:"ts"` // 발행 시각 (UTC epoch ms)
	Count int    `json:"count,omitempty"`
	Alert *Alert `json:"alert,omitempty"`
}
