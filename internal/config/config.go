// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config
//
// 서비스 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
//
// 탐지 관련 튜닝값(윈도우/임계값/포맷)은 여기 있지 않다 —
// 그것들은 detection.go 의 DetectionConfig 로 분리되어 있으며
// 재시작 없이 hot-reload 된다 (watcher.go 참고).
type Config struct {

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	ServiceName string // 로그 공통 태그용 서비스명 (예: nginx-sentinel)
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	HTTPAddr    string // HTTP 서버 bind 주소 (예: ":8080")

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel   string // debug / info / warn / error
	LogPretty  bool   // true: 개발용 컬러 콘솔 / false: 운영용 JSON
	LogSampleN int    // Debug/Info 샘플링 비율 (N개 중 1개 기록, <=1 이면 전량)

	// ---------------------------
	// 파이프라인 파라미터
	// ---------------------------

	MaxLineBytes   int           // 단일 로그 라인 최대 길이 (초과 시 TruncatedLine)
	ChannelSize    int           // raw line ingestion queue 버퍼 크기
	ShardCount     int           // behavioral state shard 수 (key hash 분배)
	StoreBatchSize int           // store 커밋 배치 크기
	FlushInterval  time.Duration // 배치 flush 주기 (시간 기반 flush)

	// ---------------------------
	// 탐지 설정 파일 / 저장소
	// ---------------------------

	DetectionPath string // 탐지 설정 YAML 경로 (hot-reload 대상)
	DBPath        string // SQLite 저장소 경로 (":memory:" 허용)
	GeoIPPath     string // DB-IP 스타일 CSV 경로 (빈 값이면 geo enrichment 생략)

	// ---------------------------
	// Live fanout
	// ---------------------------

	SubscriberBuffer int    // 구독자별 이벤트 버퍼 (full 이면 drop-and-count)
	RedisAddr        string // 빈 값이면 redis publish 비활성 (옵션)
	RedisChannel     string // redis pub/sub 채널명

	// ---------------------------
	// 아카이브 (S3) — 선택 기능
	// ---------------------------
	// Retry 정책 단일화
	// --------------------------------------------
	// AWS SDK v2 기본 retry 와 코드 레벨 retry 가 겹치면
	// 예측 불가능한 처리 지연이 발생한다.
	// → SDK Retry 는 코드에서 0으로 고정하고,
	//   재시도 횟수는 오직 애플리케이션 레벨(S3AppRetries)만 사용한다.
	// --------------------------------------------

	ArchiveEnabled   bool
	AWSRegion        string
	ArchiveBucket    string
	RawPrefix        string        // 정규화 배치 저장 prefix (예: records/)
	DLQPrefix        string        // encode 실패분 저장 prefix (예: dlq/)
	ArchiveBatchSize int           // 아카이브 배치 크기
	S3Timeout        time.Duration // 각 S3 PutObject 시도당 timeout
	S3AppRetries     int           // S3 업로드 재시도 횟수 (SDK retry는 항상 0)

	DLQDir          string        // 로컬 DLQ 디렉토리 경로
	DLQMaxAge       time.Duration // DLQ 파일 TTL (초과 시 삭제)
	DLQMaxSizeBytes int64         // DLQ 전체 허용 용량 (바이트)
}

// Load
//
// 환경 변수 기반으로 Config 값을 초기화한다.
// 로컬 개발 편의를 위해 .env 파일이 있으면 먼저 읽는다(없어도 무방).
// 필수 env 가 비어있거나 형식이 깨져 있으면 즉시 종료(fail-fast).
func Load() Config {
	_ = godotenv.Load() // .env 없으면 조용히 무시

	cfg := Config{
		ServiceName: opt("SERVICE_NAME", "nginx-sentinel"),
		InstanceID:  fallbackInstanceID(),
		HTTPAddr:    opt("HTTP_ADDR", ":8080"),

		LogLevel:   opt("LOG_LEVEL", "info"),
		LogPretty:  optBool("LOG_PRETTY", false),
		LogSampleN: optInt("LOG_SAMPLE_N", 1),

		MaxLineBytes:   optInt("MAX_LINE_BYTES", 16*1024),
		ChannelSize:    optInt("CHANNEL_SIZE", 8192),
		ShardCount:     optInt("SHARD_COUNT", 4),
		StoreBatchSize: optInt("STORE_BATCH_SIZE", 256),
		FlushInterval:  optDur("FLUSH_INTERVAL", time.Second),

		DetectionPath: opt("DETECTION_CONFIG", "detection.yaml"),
		DBPath:        opt("DB_PATH", "sentinel.db"),
		GeoIPPath:     opt("GEOIP_PATH", ""),

		SubscriberBuffer: optInt("SUBSCRIBER_BUFFER", 64),
		RedisAddr:        opt("REDIS_ADDR", ""),
		RedisChannel:     opt("REDIS_CHANNEL", "sentinel:alerts"),

		ArchiveEnabled: optBool("ARCHIVE_ENABLED", false),
	}

	// 아카이브는 옵션 기능이지만, 켜는 순간 관련 env 는 전부 필수다.
	// 절반만 설정된 채 운영에 나가는 사고를 막기 위한 fail-fast.
	if cfg.ArchiveEnabled {
		cfg.AWSRegion = must("AWS_REGION")
		cfg.ArchiveBucket = must("ARCHIVE_BUCKET")
		cfg.RawPrefix = must("RAW_PREFIX")
		cfg.DLQPrefix = must("DLQ_PREFIX")
		cfg.ArchiveBatchSize = mustInt("ARCHIVE_BATCH_SIZE")
		cfg.S3Timeout = mustDur("S3_TIMEOUT")
		cfg.S3AppRetries = mustInt("S3_APP_RETRIES")
		cfg.DLQDir = must("DLQ_DIR")
		cfg.DLQMaxAge = mustDur("DLQ_MAX_AGE")
		cfg.DLQMaxSizeBytes = mustInt64("DLQ_MAX_SIZE_BYTES")
	}

	if cfg.ShardCount < 1 {
		log.Fatalf("SHARD_COUNT must be >= 1, got %d", cfg.ShardCount)
	}

	return cfg
}

// must / mustInt / mustInt64 / mustDur
//
// 공통 패턴.
// 필수 환경변수가 없거나 형식이 잘못되면 즉시 로그 출력 후 종료(fail-fast).
// 런타임 중 설정 오류를 겪지 않도록 하기 위한 보호 전략.
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func mustInt(key string) int {
	v := must(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func mustInt64(key string) int64 {
	v := must(key)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func mustDur(key string) time.Duration {
	v := must(key)
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// opt* — 없으면 기본값을 쓰되, 설정된 값이 깨져 있으면 역시 fail-fast.
// "조용히 기본값으로 덮어쓰기"는 운영 장애 분석을 어렵게 만든다.
func opt(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func optInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func optBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func optDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// fallbackInstanceID
//
// 이 프로세스 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너 환경에서는 task-id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
