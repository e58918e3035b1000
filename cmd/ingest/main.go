package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"nginx-sentinel/internal/aggregate"
	"nginx-sentinel/internal/alert"
	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/detect"
	"nginx-sentinel/internal/enrich"
	"nginx-sentinel/internal/fanout"
	"nginx-sentinel/internal/logger"
	"nginx-sentinel/internal/metrics"
	"nginx-sentinel/internal/parser"
	"nginx-sentinel/internal/pipeline"
	"nginx-sentinel/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// ====================================================================
// 배치 ingestion CLI
//
// 서버 없이 로그 파일들을 직접 파이프라인에 통과시켜
// 같은 store 스키마로 커밋한다. 과거 로그 재처리(backfill)와
// 탐지 설정 튜닝 검증에 쓴다.
//
//	ingest [-summary] access.log access.log.1.gz ...
//
// 처리 후 파일별 BatchSummary 를 JSON 으로 출력한다.
// ====================================================================
func main() {
	summaryOnly := flag.Bool("summary", false, "요약 JSON 만 출력 (로그 억제)")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ingest [-summary] <logfile> [...]")
		os.Exit(2)
	}

	cfg := config.Load()
	if *summaryOnly {
		cfg.LogLevel = "error"
	}
	logger.Init(cfg)
	m := metrics.New()

	source, err := config.NewDetectionSource(cfg.DetectionPath)
	if err != nil {
		log.Fatal().Err(err).Msg("탐지 설정 로드 실패")
	}

	p, err := parser.New(source.Current().Formats, cfg.MaxLineBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("로그 포맷 컴파일 실패")
	}

	var geo enrich.GeoLookup
	if cfg.GeoIPPath != "" {
		if table, err := enrich.LoadGeoTable(cfg.GeoIPPath); err == nil {
			geo = table
		} else {
			log.Warn().Err(err).Msg("GeoIP 테이블 로드 실패, geo enrichment 생략")
		}
	}
	enricher := enrich.New(geo, enrich.RuleUAClassifier{})

	db, err := store.Open(cfg.DBPath, m)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("store 열기 실패")
	}
	defer db.Close()

	// 배치 모드에도 fanout hub 는 둔다 — 구독자가 없을 뿐,
	// emitter/파이프라인 wiring 은 서버와 동일하다.
	hub := fanout.NewHub(cfg.SubscriberBuffer, m)
	state := detect.NewState(cfg.ShardCount, source)
	emitter := alert.NewEmitter(source, m, db, hub)
	agg := aggregate.New(cfg.ShardCount)

	mgr := pipeline.NewManager(cfg, p, enricher, state, emitter, agg, db, hub, m, nil)
	mgr.Start()

	sums := mgr.IngestFiles(context.Background(), paths)

	// 배수: 잔여 배치 커밋 + 버킷 snapshot 까지 끝낸 뒤 출력한다.
	mgr.Stop()
	hub.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, sum := range sums {
		_ = enc.Encode(sum)
	}

	if !*summaryOnly {
		fmt.Fprint(os.Stderr, m.String())
	}
}
