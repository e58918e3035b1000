// internal/archive/dlq.go
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// DLQManager 는 S3 업로드에 실패한 레코드 배치를 로컬 디스크에
// 보관했다가 재업로드한다.
//   - encode 실패: 바로 S3 DLQ prefix 로 업로드 (여기 안 옴)
//   - S3 업로드 실패: gzip+JSONL 배치를 로컬 DLQ 에 저장
//
// TTL 판단은 "파일명 prefix 의 Unix timestamp" 기준이다.
type DLQManager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader *S3Uploader

	// 현재 DLQ 디렉토리에 저장된 data 파일 총 바이트 수
	dlqSizeBytes int64
}

// NewDLQManager 는 DLQ 디렉토리를 초기화하고 기존 파일을 스캔해
// DLQSizeBytes / DLQFilesCurrent 를 복원한다. data 없이
// .meta.json 만 남은 orphan 도 이때 정리한다.
func NewDLQManager(cfg config.Config, m *metrics.Metrics, uploader *S3Uploader) *DLQManager {
	_ = os.MkdirAll(cfg.DLQDir, 0o755)

	d := &DLQManager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
	}

	var total, count int64
	entries, err := os.ReadDir(cfg.DLQDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			full := filepath.Join(cfg.DLQDir, name)

			if strings.HasSuffix(name, ".meta.json") {
				dataName := strings.TrimSuffix(name, ".meta.json")
				if _, err := os.Stat(filepath.Join(cfg.DLQDir, dataName)); os.IsNotExist(err) {
					_ = os.Remove(full)
				}
				continue
			}

			if info, err := e.Info(); err == nil {
				total += info.Size()
				count++
			}
		}
	}

	atomic.StoreInt64(&d.dlqSizeBytes, total)
	if total > 0 {
		atomic.AddInt64(&m.DLQSizeBytes, total)
	}
	if count > 0 {
		atomic.AddInt64(&m.DLQFilesCurrent, count)
	}

	return d
}

// Save 는 업로드 실패 배치를 로컬 DLQ 에 저장한다.
// numRecords 는 메타 파일(.meta.json)에 기록되어 재업로드 시
// 복구 레코드 수 집계에 쓰인다.
func (d *DLQManager) Save(data []byte, numRecords int) error {
	if len(data) == 0 || numRecords <= 0 {
		return nil
	}

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		// 오래된 파일을 정리했지만 여전히 공간 부족 → drop
		log.Error().Int64("bytes", size).Int("records", numRecords).Msg("DLQ 용량 초과, 배치 유실")
		atomic.AddInt64(&d.metrics.DLQRecordsDroppedTotal, int64(numRecords))
		return nil
	}

	filename := NewFilename(d.cfg.InstanceID)
	dataPath := filepath.Join(d.cfg.DLQDir, filename)
	metaPath := dataPath + ".meta.json"

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return err
	}
	meta := []byte(fmt.Sprintf(`{"num_records":%d}`, numRecords))
	_ = os.WriteFile(metaPath, meta, 0o600)

	atomic.AddInt64(&d.dlqSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQRecordsEnqueuedTotal, int64(numRecords))

	return nil
}

// ensureCapacity 는 DLQMaxSizeBytes 를 넘지 않도록 가장 오래된
// data/meta 파일부터 삭제한다. 더 지울 파일이 없으면 false.
func (d *DLQManager) ensureCapacity(incoming int64) bool {
	max := d.cfg.DLQMaxSizeBytes
	if max <= 0 {
		return true
	}

	for {
		curr := atomic.LoadInt64(&d.dlqSizeBytes)
		if curr+incoming <= max {
			return true
		}

		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}

		dataPath := filepath.Join(d.cfg.DLQDir, oldest)
		metaPath := dataPath + ".meta.json"

		if info, err := os.Stat(dataPath); err == nil {
			atomic.AddInt64(&d.dlqSizeBytes, -info.Size())
			atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
		}

		_ = os.Remove(dataPath)
		_ = os.Remove(metaPath)

		atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)

		log.Warn().Str("removed", oldest).Msg("DLQ 용량 정리")
	}
}

// ProcessOneCtx 는 가장 오래된 파일 1개를 재업로드하거나
// TTL 초과분을 삭제한다.
func (d *DLQManager) ProcessOneCtx(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	name := d.pickOldest()
	if name == "" {
		return
	}

	dataPath := filepath.Join(d.cfg.DLQDir, name)
	metaPath := dataPath + ".meta.json"

	info, err := os.Stat(dataPath)
	if err != nil {
		// 파일이 사라진 경우 정리만 수행
		_ = os.Remove(dataPath)
		_ = os.Remove(metaPath)
		atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
		return
	}
	size := info.Size()

	// --- TTL 판단: 파일명 prefix 의 Unix timestamp 기반 ---
	if d.cfg.DLQMaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok && sec > 0 {
			age := time.Duration(time.Now().Unix()-sec) * time.Second
			if age > d.cfg.DLQMaxAge {
				_ = os.Remove(dataPath)
				_ = os.Remove(metaPath)

				atomic.AddInt64(&d.dlqSizeBytes, -size)
				atomic.AddInt64(&d.metrics.DLQSizeBytes, -size)
				atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)

				log.Info().Str("deleted", name).Dur("age", age).Msg("DLQ TTL 만료")
				return
			}
		}
		// filename 에서 unix 를 못 읽으면 TTL 판단은 skip 하고 계속 진행
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("DLQ open 실패")
		return
	}
	defer f.Close()

	// gzip+JSONL 유효성 검사 (첫 라인 JSON 확인)
	valid := d.validateFile(f, size)

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("DLQ seek 실패")
		return
	}

	// 유효하면 records prefix, 깨진 파일은 dlq prefix 로 보낸다.
	var key string
	if valid {
		key = BuildS3Key(d.cfg.RawPrefix, name)
	} else {
		key = BuildS3Key(d.cfg.DLQPrefix, name)
	}

	if err := d.uploader.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("DLQ 재업로드 실패")
		return
	}

	// meta 에서 num_records 읽기 (없거나 깨져 있으면 1 로 fallback)
	numRecords := int64(1)
	if meta, err := os.ReadFile(metaPath); err == nil {
		var v struct {
			NumRecords int64 `json:"num_records"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumRecords > 0 {
			numRecords = v.NumRecords
		}
	}

	_ = os.Remove(dataPath)
	_ = os.Remove(metaPath)

	atomic.AddInt64(&d.dlqSizeBytes, -size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, -size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
	atomic.AddInt64(&d.metrics.DLQRecordsReuploadedTotal, numRecords)

	log.Info().Str("key", key).Int64("records", numRecords).Bool("valid", valid).Msg("DLQ 재업로드 성공")
}

// validateFile 은 gzip 을 풀어 첫 JSONL 라인이 유효한 JSON 인지 검사한다.
func (d *DLQManager) validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]interface{}
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest 는 data 파일 중 파일명(=timestamp) 기준 가장 오래된
// 파일을 반환한다. ReadDir 결과는 임의 순서이므로 반드시 정렬한다.
func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".meta.json") {
			continue
		}
		if name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	// lexicographical sort → timestamp 순 정렬
	sort.Strings(files)
	return files[0]
}

// extractUnixFromFilename — "<unix>_<instance>_<counter>.jsonl.gz"
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
