// internal/model/record.go
package model

// LogRecord
// ------------------------------------------------------------
// 파싱된 단일 access/error 로그 라인의 정규화 구조체.
// 파이프라인에서 모든 데이터의 "기본 단위"가 된다.
// Parser → Enrichment → Classifier → Aggregator → Store 까지
// 그대로 전달되며, Enrichment 단계의 1회 기록(Country/UAClass)을
// 제외하면 생성 이후 절대 변경되지 않는다(immutable).
//
// 필수 필드(Ts / ClientIP / Status)가 비어 있으면 Parser 가
// 레코드 자체를 거부하므로, 이 구조체가 존재한다는 것은
// 곧 "유효한 레코드"라는 뜻이다.
type LogRecord struct {
	Ts        int64  `json:"ts"`         // 이벤트 발생 시각 (UTC epoch milliseconds)
	ClientIP  string `json:"client_ip"`  // 요청 클라이언트 IP
	Method    string `json:"method"`     // HTTP method (GET/POST/...)
	Path      string `json:"path"`       // 요청 경로 (percent-decoding 적용)
	Query     string `json:"query"`      // Query string (raw, '?' 제외)
	Protocol  string `json:"protocol"`   // 예: HTTP/1.1
	Status    int    `json:"status"`     // 응답 코드 (100~599 보장)
	BytesSent int64  `json:"bytes_sent"` // 응답 바이트 수 (>= 0 보장)
	Referrer  string `json:"referrer"`   // Referer header
	UserAgent string `json:"user_agent"` // User-Agent header

	// ResponseTimeMs 는 포맷에 따라 없을 수 있는 선택 필드.
	// 값이 없으면 -1 (0ms 응답과 구분하기 위함).
	ResponseTimeMs int64 `json:"response_time_ms"`

	SourceFileID string `json:"source_file_id"` // 이 라인이 속한 소스 파일 식별자
	LineOffset   int64  `json:"line_offset"`    // 파일 내 라인 번호 (1-base)

	// ------------------------------------------------------------
	// Enrichment 필드 — Enrich 단계에서 단 한 번만 기록된다.
	// lookup 실패 시에도 파이프라인은 멈추지 않고 "Unknown" 으로 채운다.
	// ------------------------------------------------------------
	Country string `json:"country,omitempty"`  // GeoIP 국가 코드 (없으면 Unknown)
	UAClass string `json:"ua_class,omitempty"` // Browser / Bot / Unknown

	// Extra
	// 포맷별 가변 필드(예: error 로그의 level/pid/message 등)를 담는
	// 명시적 optional-field map. 고정 스키마 + Extra 조합으로
	// "포맷마다 모양이 다른 레코드" 문제를 처리한다.
	Extra map[string]string `json:"extra,omitempty"`
}

// RecordID
// ------------------------------------------------------------
// 레코드를 가리키는 안정적 참조 문자열. Alert 의 근거 레코드 목록과
// Store 의 중복 방지 키로 사용한다.
// "<source_file_id>:<line_offset>" 형태이며 재파싱해도 동일하다.
func (r *LogRecord) RecordID() string {
	// fmt.Sprintf 대신 수동 조립 — hot path 에서 호출되기 때문.
	return r.SourceFileID + ":" + itoa(r.LineOffset)
}

// IsError 는 4xx/5xx 응답 여부.
func (r *LogRecord) IsError() bool {
	return r.Status >= 400
}

// itoa — strconv 의존 없이 양수 int64 를 문자열로 변환하는 내부 헬퍼.
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// BatchSummary
// ------------------------------------------------------------
// 배치(파일 단위) ingestion 의 결과 요약.
// ContentHash 는 실제로 소비한 바이트에 대한 SHA-256 (tamper-evidence).
// shutdown 으로 파일 중간에서 멈춘 경우에도 "커밋된 부분까지"의
// 해시가 반드시 기록된다 → Truncated=true.
type BatchSummary struct {
	SourceFileID string `json:"source_file_id"`
	Path         string `json:"path"`
	LinesTotal   int64  `json:"lines_total"`
	ParsedOK     int64  `json:"parsed_ok"`
	ParseErrors  int64  `json:"parse_errors"`
	ContentHash  string `json:"content_hash"` // SHA-256 hex
	Truncated    bool   `json:"truncated,omitempty"`
	CompletedAt  int64  `json:"completed_at"` // UTC epoch seconds
}

// ArchiveJob
// ------------------------------------------------------------
// 정규화된 레코드 배치를 아카이브(S3)로 내보낼 때
// Manager 내부에서 사용되는 구조체.
// Encoder → gzip JSONL → Uploader 로 전달된다.
type ArchiveJob struct {
	Records []*LogRecord
}
