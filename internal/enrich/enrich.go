// internal/enrich/enrich.go
package enrich

import (
	"strings"

	"nginx-sentinel/internal/model"
)

// ------------------------------------------------------------
// Enrichment Stage
//
// 정규화된 레코드에 파생 속성(국가, UA 분류)을 1회 부착한다.
// lookup 은 주입(injection)받는다 — 파이프라인 정확성이
// 부가 서비스의 가용성에 묶이면 안 되므로, lookup 실패는
// 항상 Unknown 으로 강등되고 절대 에러를 전파하지 않는다.
// ------------------------------------------------------------

const Unknown = "Unknown"

// UA 분류 결과.
const (
	UABrowser = "Browser"
	UABot     = "Bot"
)

// GeoLookup 은 IP → 국가 코드 조회.
type GeoLookup interface {
	Country(ip string) (string, error)
}

// UAClassifier 는 User-Agent 문자열 분류.
type UAClassifier interface {
	Classify(ua string) string
}

// Enricher 는 두 lookup 을 묶는다. nil lookup 은 해당 필드를
// Unknown 으로 채운다 (geo DB 없이 기동하는 구성 지원).
type Enricher struct {
	Geo GeoLookup
	UA  UAClassifier
}

func New(geo GeoLookup, ua UAClassifier) *Enricher {
	return &Enricher{Geo: geo, UA: ua}
}

// Apply 는 레코드에 enrichment 필드를 기록한다.
// 레코드 생성 직후, classifier 진입 전에 단 한 번만 호출된다.
func (e *Enricher) Apply(rec *model.LogRecord) {
	rec.Country = Unknown
	if e.Geo != nil {
		if c, err := e.Geo.Country(rec.ClientIP); err == nil && c != "" {
			rec.Country = c
		}
		// err != nil: 비정상 lookup 은 non-fatal — Unknown 유지
	}

	rec.UAClass = Unknown
	if e.UA != nil {
		if c := e.UA.Classify(rec.UserAgent); c != "" {
			rec.UAClass = c
		}
	}
}

// ------------------------------------------------------------
// 기본 UA 분류기
// ------------------------------------------------------------

// botMarkers — 자동화 도구/크롤러 UA 에 흔히 들어가는 토큰.
var botMarkers = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "java", "go-http-client", "node-fetch",
	"apache-httpclient", "okhttp", "libwww-perl",
}

// RuleUAClassifier 는 토큰 기반 휴리스틱 분류기.
// 빈 UA / 비정상적으로 짧은 UA 는 Unknown 으로 둔다 —
// scanning 시그니처 룰이 별도로 잡는다 (detect 패키지).
type RuleUAClassifier struct{}

func (RuleUAClassifier) Classify(ua string) string {
	if ua == "" || len(ua) < 10 {
		return Unknown
	}
	lower := strings.ToLower(ua)
	for _, marker := range botMarkers {
		if strings.Contains(lower, marker) {
			return UABot
		}
	}
	return UABrowser
}

// SuspiciousUA 는 scanning 탐지용 판정 — bot 토큰 매칭,
// UA 부재, 10자 미만의 UA 를 의심으로 본다.
func SuspiciousUA(ua string) bool {
	if ua == "" || ua == "-" || len(ua) < 10 {
		return true
	}
	lower := strings.ToLower(ua)
	for _, marker := range botMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
