// internal/archive/uploader.go
package archive

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Uploader 는 아카이브 배치(JSONL.gz)를 S3 에 올리는 구성 요소이다.
// - 메모리 바이트 업로드 (UploadBytesWithRetryCtx)
// - 로컬 DLQ 파일 업로드 (UploadFileWithRetryCtx)
//
// 모든 업로드는 컨텍스트 기반(timeout + cancel-safe)이며
// 재시도(backoff)는 오직 애플리케이션 레벨에서만 수행한다
// (SDK retry 는 0 으로 고정 — config.go 참고).
type S3Uploader struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  *s3.Client
}

func NewS3Uploader(cfg config.Config, m *metrics.Metrics) *S3Uploader {
	return &S3Uploader{
		cfg:     cfg,
		metrics: m,
		client:  newS3Client(cfg),
	}
}

// newS3Client 는 region 등 기본 옵션을 로드한다.
// 실패 시 fatal — 아카이브를 켜놓고 자격 증명이 깨진 채 돌면 안 된다.
func newS3Client(cfg config.Config) *s3.Client {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(
		context.TODO(),
		awsCfgLib.WithRegion(cfg.AWSRegion),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("AWS config 로드 실패")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
}

// UploadBytesWithRetryCtx 는 메모리의 gzip+JSONL 바이트를 업로드한다.
// body 는 재시도마다 reader 를 새로 만들어야 하므로 bytes.NewReader 사용.
func (u *S3Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.cfg.S3AppRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := u.putObject(ctx, key, bytes.NewReader(body), int64(len(body))); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.ArchivePutErrorsTotal, 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// UploadFileWithRetryCtx 는 로컬 DLQ 파일을 그대로 업로드한다.
// retry 시 Seek(0) 으로 rewind 한다.
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.cfg.S3AppRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := u.putObject(ctx, key, f, size); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.ArchivePutErrorsTotal, 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}

		// retry 전 파일 포인터를 처음으로 되돌린다 (반드시 필요)
		f.Seek(0, io.SeekStart)
	}

	return lastErr
}

// putObject 는 1회 호출만 담당한다. retries 는 caller 가 제어한다.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.cfg.S3Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.ArchiveBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
