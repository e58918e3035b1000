package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"nginx-sentinel/internal/aggregate"
	"nginx-sentinel/internal/alert"
	"nginx-sentinel/internal/archive"
	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/detect"
	"nginx-sentinel/internal/enrich"
	"nginx-sentinel/internal/fanout"
	"nginx-sentinel/internal/logger"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/parser"
	"nginx-sentinel/internal/pipeline"
	"nginx-sentinel/internal/server"
	"nginx-sentinel/internal/store"

	"github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정 (컨테이너 vCPU 특성 대응)
	// ====================================================================
	//
	// 컨테이너 런타임은 vCPU 단위로 CPU share 를 제한한다.
	// Go 런타임은 기본적으로 호스트의 모든 논리 코어를 GOMAXPROCS 로
	// 쓰려고 하므로, 제한된 환경에서 기본값을 그대로 두면
	// busy-loop scheduling 으로 오히려 성능이 떨어진다.
	// 운영에서는 GOMAXPROCS 를 vCPU 수에 맞춰 지정할 것.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	// ====================================================================
	// Config / Logger / Metrics 초기화
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	// ====================================================================
	// 탐지 설정 (hot-reload)
	// ====================================================================
	//
	// 윈도우/임계값/커스텀 포맷은 YAML 파일에서 읽고 fsnotify 로
	// 변경을 감시한다. 유효하지 않은 갱신은 거부되고 이전 설정이
	// 유지된다 — 설정 실수 한 번으로 탐지가 전부 꺼지는 일은 없다.
	// ====================================================================
	source, err := config.NewDetectionSource(cfg.DetectionPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DetectionPath).Msg("탐지 설정 로드 실패")
	}
	if err := source.Watch(); err != nil {
		log.Warn().Err(err).Msg("탐지 설정 watch 실패, reload 없이 진행")
	}
	defer source.Close()

	p, err := parser.New(source.Current().Formats, cfg.MaxLineBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("로그 포맷 컴파일 실패")
	}

	// ====================================================================
	// Enrichment (GeoIP CSV + UA 분류)
	// ====================================================================
	var geo enrich.GeoLookup
	if cfg.GeoIPPath != "" {
		table, err := enrich.LoadGeoTable(cfg.GeoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.GeoIPPath).Msg("GeoIP 테이블 로드 실패, geo enrichment 생략")
		} else {
			geo = table
			log.Info().Int("ranges", table.Len()).Msg("GeoIP 테이블 로드")
		}
	}
	enricher := enrich.New(geo, enrich.RuleUAClassifier{})

	// ====================================================================
	// Store / Fanout / 탐지 상태 / Emitter / Aggregator
	// ====================================================================
	db, err := store.Open(cfg.DBPath, m)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("store 열기 실패")
	}
	defer db.Close()

	hub := fanout.NewHub(cfg.SubscriberBuffer, m)

	sinks := []alert.Sink{db, hub}
	var redisPub *fanout.RedisPublisher
	if cfg.RedisAddr != "" {
		redisPub, err = fanout.NewRedisPublisher(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis 연결 실패")
		}
		defer redisPub.Close()
		sinks = append(sinks, redisPub)
		log.Info().Str("channel", cfg.RedisChannel).Msg("redis alert publish 활성화")
	}

	state := detect.NewState(cfg.ShardCount, source)
	emitter := alert.NewEmitter(source, m, sinks...)
	agg := aggregate.New(cfg.ShardCount)

	// ====================================================================
	// Archive (S3) — 선택 기능
	// ====================================================================
	var archSink pipeline.ArchiveSink
	var archMgr *archive.Manager
	if cfg.ArchiveEnabled {
		archMgr = archive.NewManager(cfg, m)
		archMgr.Start()
		archSink = archMgr
		log.Info().Str("bucket", cfg.ArchiveBucket).Msg("archive 활성화")
	}

	// ====================================================================
	// Pipeline 기동
	// ====================================================================
	mgr := pipeline.NewManager(cfg, p, enricher, state, emitter, agg, db, hub, m, archSink)
	mgr.Start()

	// 커스텀 포맷이 reload 로 바뀌면 parser 를 재컴파일해 교체한다.
	source.OnReload(func(d *config.DetectionConfig) {
		np, err := parser.New(d.Formats, cfg.MaxLineBytes)
		if err != nil {
			log.Error().Err(err).Msg("reload 된 포맷 컴파일 실패, 기존 parser 유지")
			return
		}
		mgr.UpdateParser(np)
	})

	// ====================================================================
	// HTTP 서버
	// ====================================================================
	//
	// 엔드포인트:
	//  - /ingest       : live 로그 라인 수집 (queue full → 503)
	//  - /api/*        : 버킷/Top-N/alert/record/요약 질의
	//  - /ws           : live 이벤트 스트림
	//  - /metrics      : 내부 카운터 text dump
	//  - /health       : LB health check 용
	// ====================================================================
	h := server.NewHandler(cfg, m, mgr, db, agg, hub)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Mux(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 30 * time.Second, // /api 질의는 수집 경로보다 오래 걸릴 수 있다
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM 수신 시:
	//   1) HTTP 서버 먼저 멈춤 (신규 라인/질의 차단)
	//   2) pipeline 배수 — 수락분 파싱/탐지/커밋 완료, 버킷 snapshot
	//   3) fanout hub 종료 (WebSocket 정상 close)
	//   4) archive 잔여 배치 업로드 완료 대기
	//
	// 이 순서가 지켜져야 "수락된 라인은 반드시 커밋되거나
	// Truncated 로 표시된다"는 약속이 성립한다.
	// ====================================================================
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("종료 신호 수신")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown 실패")
		}
		cancel()

		mgr.Stop()
		hub.Close()
		if archMgr != nil {
			archMgr.Shutdown()
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("sentinel server 시작")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server 비정상 종료")
	}

	// 이미 종료되어 있어도 다시 호출 safe (stopOnce)
	mgr.Stop()
	hub.Close()
	if archMgr != nil {
		archMgr.Shutdown()
	}
	log.Info().Msg("종료 완료")
}
