// internal/archive/key.go
package archive

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------
// 아카이브 파일명 / S3 키 규칙
//
// 파일명: <unix>_<instance>_<counter>.jsonl.gz
// 파일명을 문자열 정렬하면 곧 시간 순 정렬이므로 DLQ 의
// 오래된 파일 선처리와 TTL 판단이 전부 파일명만으로 가능하다.
// ------------------------------------------------------------

var globalCounter uint64

// nextCounter 는 원자적 증가 값으로 여러 goroutine 에서 충돌 없이
// 순차 번호를 생성한다. 1e6 에서 wrap-around 되지만
// timestamp + instance ID 조합으로 충돌 가능성은 사실상 0.
func nextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename — <unix>_<instance>_<counter>.jsonl.gz
func NewFilename(instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", time.Now().Unix(), instanceID, nextCounter())
}

// BuildS3Key — <prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
// Athena / Glue 파티션 스캔 비용을 줄이는 표준 구조.
func BuildS3Key(prefix, filename string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s",
		prefix, now.Format("2006-01-02"), now.Format("15"), filename)
}
