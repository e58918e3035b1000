// internal/archive/manager.go
package archive

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Manager 는 장기 보관(S3) 경로의 전체 흐름을 제어한다.
// store 에 커밋된 레코드 배치를 받아
//   - gzip+JSONL 인코딩
//   - S3 업로드 (실패 시 로컬 DLQ 저장)
//   - idle 시간에 DLQ 재업로드
//
// 를 수행한다. 파이프라인의 flush 경로와는 채널로만 연결되어
// S3 지연이 탐지/커밋 경로를 직접 막지 않는다.
type Manager struct {
	cfg     config.Config
	metrics *metrics.Metrics
	s3      *S3Uploader
	dlq     *DLQManager
	encoder *Encoder

	jobCh chan model.ArchiveJob

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewManager(cfg config.Config, m *metrics.Metrics) *Manager {
	uploader := NewS3Uploader(cfg, m)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		metrics: m,
		s3:      uploader,
		dlq:     NewDLQManager(cfg, m, uploader),
		encoder: NewEncoder(),
		jobCh:   make(chan model.ArchiveJob, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.uploadLoop()
}

// Submit — pipeline.ArchiveSink 구현.
// jobCh 가 가득 차면 기다린다. 업로드 실패는 빠른 로컬 DLQ 저장으로
// 전환되므로 대기 시간은 항상 유계다.
func (m *Manager) Submit(recs []*model.LogRecord) {
	if len(recs) == 0 {
		return
	}
	select {
	case m.jobCh <- model.ArchiveJob{Records: recs}:
	case <-m.ctx.Done():
	}
}

// Shutdown 은 jobCh 를 닫고 잔여 배치 처리가 끝날 때까지 기다린다.
// Submit 호출자(파이프라인)가 먼저 멈춘 뒤 불러야 한다.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.jobCh)
		m.wg.Wait()
		m.cancel()
	})
}

func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case job, ok := <-m.jobCh:
			if !ok {
				log.Info().Msg("archive uploader 종료")
				return
			}
			m.processUploadCtx(m.ctx, job)

			// DLQ starvation 방지 — 배치 사이사이 최소 3건씩 처리
			for i := 0; i < 3; i++ {
				m.dlq.ProcessOneCtx(m.ctx)
			}

		default:
			// idle 시에도 DLQ 재업로드 진행
			for i := 0; i < 3; i++ {
				m.dlq.ProcessOneCtx(m.ctx)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// processUploadCtx 는 하나의 배치를 처리한다.
//  1. JSONL + gzip 인코딩 실패 → 레코드를 개별 JSON 으로 직렬화해 DLQ prefix 업로드
//  2. S3 업로드 실패 → 로컬 DLQ 저장
//  3. 성공 시 metrics 갱신
func (m *Manager) processUploadCtx(ctx context.Context, job model.ArchiveJob) {
	if len(job.Records) == 0 {
		return
	}

	data, err := m.encoder.EncodeBatchJSONLGZ(job.Records)
	if err != nil {
		// 인코딩 실패는 매우 드문 경우 → 비압축 JSONL 을 DLQ prefix 로 best-effort 업로드
		atomic.AddInt64(&m.metrics.ArchivePutErrorsTotal, 1)

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, rec := range job.Records {
			_ = enc.Encode(rec)
		}

		key := BuildS3Key(m.cfg.DLQPrefix, NewFilename(m.cfg.InstanceID))
		_ = m.s3.UploadBytesWithRetryCtx(ctx, key, buf.Bytes())
		atomic.AddInt64(&m.metrics.DLQRecordsEnqueuedTotal, int64(len(job.Records)))
		return
	}

	key := BuildS3Key(m.cfg.RawPrefix, NewFilename(m.cfg.InstanceID))
	if err := m.s3.UploadBytesWithRetryCtx(ctx, key, data); err != nil {
		if err2 := m.dlq.Save(data, len(job.Records)); err2 != nil {
			log.Error().Err(err2).Msg("로컬 DLQ 저장 실패")
		}
	} else {
		atomic.AddInt64(&m.metrics.ArchiveRecordsStoredTotal, int64(len(job.Records)))
	}
}
