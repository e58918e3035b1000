// internal/archive/encoder.go
package archive

import (
	"bytes"

	"nginx-sentinel/internal/model"
	"nginx-sentinel/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder 는 정규화 레코드 배치를 JSONL → gzip 형태로 직렬화한다.
// 아카이브 경로에서 CPU 를 가장 많이 쓰는 구간이라
// gzip.Writer 와 결과 버퍼를 풀로 재사용한다.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ 는 레코드 배치를 한 줄에 하나씩 JSON 인코딩한 뒤
// gzip 압축해 반환한다. 결과는 새 slice 로 복사해 caller 에게
// 소유권을 넘긴다 (풀 버퍼를 그대로 반환하면 corruption 위험).
func (e *Encoder) EncodeBatchJSONLGZ(recs []*model.LogRecord) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// Close() 시 gzip footer 까지 flush 되어 스트림이 완성된다.
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)
	return data, nil
}
