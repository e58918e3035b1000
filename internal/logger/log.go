// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"nginx-sentinel/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수입니다.
// Config 설정(환경변수)에 따라 '개발자용 화면' 또는 '운영용 시스템 로그'로
// 자동으로 형태를 바꾸어 설정합니다.
//
// [주요 기능]
//
//  1. 로그 포맷 자동 전환:
//     - 개발 환경 (LOG_PRETTY=true): 컬러 텍스트 출력 (가독성 위주)
//     - 운영 환경 (LOG_PRETTY=false): JSON 포맷 출력 (수집/검색 위주)
//
//  2. 공통 필드 자동 추가:
//     - 모든 로그에 "service", "instance" 정보가 자동으로 붙습니다.
//     - 인스턴스가 여러 대일 때 어느 프로세스의 로그인지 즉시 식별 가능.
//
//  3. 로그 샘플링 (비용 절감):
//     - Debug/Info 레벨은 설정에 따라 일부만 기록합니다 (예: 1/100만 기록).
//     - Warn/Error 는 절대 버리지 않고 100% 기록합니다.
//       탐지 파이프라인 특성상 parse 실패 warn 이 초당 수천 건
//       쏟아질 수 있는데, 그때도 경보/장애 로그는 유실되면 안 됩니다.
func Init(cfg config.Config) {

	// 1) 로그 레벨 결정 — 설정 레벨 미만의 로그는 아예 출력하지 않음.
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	// 2) 출력 방식 결정 (사람 vs 기계)
	var w io.Writer
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05", // 개발 중엔 시간만 보여도 충분
		}
	} else {
		w = os.Stdout
	}

	// 3) 기본 Logger 생성 (공통 태그 부착)
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// 4) 샘플링 — Debug/Info 만 N개 중 1개 기록, Warn 이상은 전량.
	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: uint32(cfg.LogSampleN)},
			InfoSampler:  &zerolog.BasicSampler{N: uint32(cfg.LogSampleN)},
		})
	}

	// 5) 전역 Logger 교체 + stdlib log 리다이렉트
	zlog.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
