// internal/pipeline/ingest.go
package pipeline

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/model"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// ------------------------------------------------------------
// 배치(파일) ingestion
//
// 파일 하나 = 배치 하나. 라인 파싱 실패는 카운트 후 스킵이며
// 절대 배치를 중단시키지 않는다. 파일 열기/읽기 실패만이
// 배치 실패다 — 그리고 그 실패는 "그 파일"에만 격리된다.
//
// 무결성: 실제로 소비한 바이트 전체(스킵된 라인 포함)에 대한
// SHA-256 을 요약에 기록한다. 종료 신호로 중간에 멈춘 경우에도
// 소비분까지의 해시가 남고 Truncated=true 로 표시된다.
// ------------------------------------------------------------

// IngestFile 은 파일을 끝까지(또는 종료 신호까지) 파이프라인에 주입하고
// 요약을 저장한 뒤 반환한다. .gz 파일은 투명하게 해제한다.
func (m *Manager) IngestFile(ctx context.Context, path string) (*model.BatchSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("ingest: gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	sourceID := uuid.NewString()
	hasher := sha256.New()
	br := bufio.NewReaderSize(r, 64*1024)

	sum := &model.BatchSummary{
		SourceFileID: sourceID,
		Path:         path,
	}

	var offset int64
	truncated := false

readLoop:
	for {
		select {
		case <-ctx.Done():
			truncated = true
			break readLoop
		case <-m.stopCh:
			truncated = true
			break readLoop
		default:
		}

		line, rerr := br.ReadString('\n')
		if line != "" {
			rec, perr := m.parser.Load().Parse(line, sourceID, offset+1)
			if perr == nil {
				if derr := m.Dispatch(ctx, rec); derr != nil {
					// 종료/취소 — 이 라인은 주입되지 못했으므로
					// 소비분(해시/카운트)에 포함하지 않는다.
					truncated = true
					break readLoop
				}
			}

			// 여기 도달한 라인만 "소비됨" — 해시는 스킵된(파싱 실패)
			// 라인도 읽은 그대로 반영한다.
			hasher.Write([]byte(line))
			offset++
			sum.LinesTotal++
			atomic.AddInt64(&m.metrics.LinesReceivedTotal, 1)
			if perr != nil {
				sum.ParseErrors++
				atomic.AddInt64(&m.metrics.ParseErrorsTotal, 1)
			} else {
				sum.ParsedOK++
				atomic.AddInt64(&m.metrics.LinesParsedTotal, 1)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("ingest: read %s: %w", path, rerr)
		}
	}

	// store ack 까지가 배치 완료다 — barrier 로 커밋을 강제하고
	// 실패는 파일 열기/읽기 실패와 같은 급의 배치 실패로 전파한다.
	// 종료 신호로 중단된 경우는 Stop 의 최종 drain 이 flush 를 맡는다.
	if !truncated {
		if ferr := m.FlushSync(ctx); ferr != nil {
			return nil, fmt.Errorf("ingest: commit %s: %w", path, ferr)
		}
	}

	sum.ContentHash = hex.EncodeToString(hasher.Sum(nil))
	sum.Truncated = truncated
	sum.CompletedAt = time.Now().UTC().Unix()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveSummary(sctx, sum); err != nil {
		log.Error().Err(err).Str("path", path).Msg("배치 요약 저장 실패")
	}

	log.Info().
		Str("path", path).
		Str("source_file_id", sourceID).
		Int64("lines", sum.LinesTotal).
		Int64("parsed", sum.ParsedOK).
		Int64("errors", sum.ParseErrors).
		Bool("truncated", sum.Truncated).
		Msg("배치 ingestion 완료")

	return sum, nil
}

// IngestFiles 는 여러 파일을 순서대로 처리한다. 개별 파일 실패는
// 기록 후 다음 파일로 넘어간다 (파일 간 격리).
func (m *Manager) IngestFiles(ctx context.Context, paths []string) []*model.BatchSummary {
	out := make([]*model.BatchSummary, 0, len(paths))
	for _, p := range paths {
		sum, err := m.IngestFile(ctx, p)
		if err != nil {
			log.Error().Err(err).Str("path", p).Msg("배치 실패, 다음 파일 진행")
			continue
		}
		out = append(out, sum)
		if sum.Truncated {
			break // 종료 신호 — 남은 파일은 다음 기동에서
		}
	}
	return out
}
