package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// live ingest 경로는 요청마다 body 버퍼가, 아카이브 경로는 배치마다
// gzip 결과 버퍼와 gzip.Writer 가 필요하다. 전부 단명 객체라서
// 매번 할당하면 GC pressure 가 그대로 지연으로 나타난다.
//
// 아래 Pool 들은 "GC 줄이기, 메모리 재사용, 성능 안정화" 목적.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - /ingest POST body 를 임시 저장하는 버퍼
	//   - 초기 용량 4KB (일반적인 로그 라인 배치는 여기에 수용됨)
	//   - 너무 큰 버퍼는 caller(maxCap 조건)에서 재사용하지 않음
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip 인코딩 결과를 담는 임시 버퍼
	//   - 초기 용량 256KB (일반적인 배치 사이즈에 최적화)
	//   - 1MB 초과 버퍼는 메모리 폭주 방지를 위해 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용 매우 큼)
	//   - BestSpeed 옵션: 아카이브 경로는 압축률보다 처리 속도 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 gzip 버퍼 용량
// 이보다 큰 버퍼는 Pool에 넣지 않고 GC에게 위임해
// 메모리 폭발을 예방.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody:
//   - BodyPool에 buf를 반환할지 결정.
//   - maxCap 보다 크면 버려서 GC로.
//   - 너무 큰 POST body가 들어왔을 때 메모리를 계속 보유하지 않도록 설계.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer:
//   - gzip 결과 버퍼 반환
//   - 1MB 이하이면 풀에 재사용
//   - 초대형 배치 gzip 결과는 풀로 돌리지 않음 → 메모리 안정화 목적
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
