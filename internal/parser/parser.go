// internal/parser/parser.go
package parser

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nginx-sentinel/internal/config"
	"nginx-sentinel/internal/model"

	json "github.com/goccy/go-json"
)

// ------------------------------------------------------------
// ParseError taxonomy
//
// 라인 단위 실패는 절대 배치를 중단시키지 않는다 — 카운트되고
// 스킵될 뿐이다. Kind 는 boundary 응답까지 그대로 전달되는
// 안정적 식별자이므로 이름을 바꾸면 안 된다.
// ------------------------------------------------------------

type ErrKind string

const (
	ErrUnmatchedFormat   ErrKind = "UnmatchedFormat"
	ErrInvalidTimestamp  ErrKind = "InvalidTimestamp"
	ErrInvalidStatusCode ErrKind = "InvalidStatusCode"
	ErrTruncatedLine     ErrKind = "TruncatedLine"
)

type ParseError struct {
	Kind   ErrKind
	Format string // 실패 시점에 시도 중이던 포맷 (UnmatchedFormat 이면 "")
	Reason string
}

func (e *ParseError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("parse: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("parse: %s (format=%s): %s", e.Kind, e.Format, e.Reason)
}

// ------------------------------------------------------------
// Parser
// ------------------------------------------------------------

// Parser 는 raw 라인을 정규화 LogRecord 로 변환한다.
// 순수 함수 집합이며 내부 상태를 변경하지 않으므로
// 여러 worker 가 하나의 인스턴스를 공유해도 안전하다.
//
// 포맷은 priority 순으로 시도하고 "첫 완전 매칭"에 커밋한다.
// 부분 매칭이 필수 필드를 조용히 기본값으로 채우는 일은 없다 —
// 숫자/시각 파싱 실패는 라인 전체를 ParseError 로 강등시킨다.
type Parser struct {
	formats []*compiledFormat
	maxLine int
}

// New 는 내장 포맷 + 설정의 커스텀 포맷으로 Parser 를 구성한다.
func New(custom []config.FormatDef, maxLineBytes int) (*Parser, error) {
	fs, err := compileFormats(custom)
	if err != nil {
		return nil, err
	}
	if maxLineBytes <= 0 {
		maxLineBytes = 16 * 1024
	}
	return &Parser{formats: fs, maxLine: maxLineBytes}, nil
}

// Detect 는 샘플 라인의 포맷 이름을 추정한다.
// 업로드 UI 의 "auto" 모드와 테스트에서 사용하며,
// Parse 자체는 Detect 없이도 동작한다 (포맷 순회가 곧 detect).
func (p *Parser) Detect(sample string) string {
	s := strings.TrimSpace(sample)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "{") {
		if _, perr := p.parseJSON(s, "", 0); perr == nil {
			return FormatJSON
		}
	}
	for _, f := range p.formats {
		if f.re.MatchString(s) {
			return f.name
		}
	}
	return ""
}

// Parse 는 한 라인을 LogRecord 로 변환한다.
// 같은 입력에 대해 항상 같은 결과를 낸다 (idempotent & total).
func (p *Parser) Parse(line, sourceID string, offset int64) (*model.LogRecord, *ParseError) {
	if len(line) > p.maxLine {
		return nil, &ParseError{Kind: ErrTruncatedLine,
			Reason: fmt.Sprintf("line exceeds %d bytes", p.maxLine)}
	}

	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Reason: "empty line"}
	}

	// JSON 구조 라인은 정규식보다 먼저, 디코더로 처리.
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		rec, perr := p.parseJSON(line, sourceID, offset)
		if perr == nil {
			return rec, nil
		}
		// JSON 으로 열리긴 했지만 필드가 깨진 경우는 그 오류를 그대로 반환.
		// 아예 JSON 이 아니었던 경우만 정규식 포맷으로 넘어간다.
		if perr.Kind != ErrUnmatchedFormat {
			return nil, perr
		}
	}

	for _, f := range p.formats {
		m := f.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if f.isError {
			return p.mapErrorLine(f, m, sourceID, offset)
		}
		return p.mapAccessLine(f, m, sourceID, offset)
	}

	return nil, &ParseError{Kind: ErrUnmatchedFormat, Reason: "no configured format matched"}
}

// ------------------------------------------------------------
// access log 매핑
// ------------------------------------------------------------

func (p *Parser) mapAccessLine(f *compiledFormat, m []string, sourceID string, offset int64) (*model.LogRecord, *ParseError) {
	ts, perr := parseTimestamp(f.group(m, "timestamp"))
	if perr != nil {
		perr.Format = f.name
		return nil, perr
	}

	status, perr := parseStatus(f.group(m, "status"))
	if perr != nil {
		perr.Format = f.name
		return nil, perr
	}

	ip := f.group(m, "ip")
	if ip == "" || ip == "-" {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: f.name,
			Reason: "missing client ip"}
	}

	// bytes: nginx 는 0 바이트 응답을 "-" 로 기록한다.
	var bytesSent int64
	if b := f.group(m, "bytes"); b != "" && b != "-" {
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil || n < 0 {
			return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: f.name,
				Reason: "invalid bytes field: " + b}
		}
		bytesSent = n
	}

	// strict 포맷은 선택 필드(referrer/user_agent)도 반드시 있어야 한다.
	if f.strict {
		for _, g := range []string{"referrer", "user_agent"} {
			if _, ok := f.idx[g]; ok && f.group(m, g) == "" {
				return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: f.name,
					Reason: "strict format missing field: " + g}
			}
		}
	}

	path, query := splitEndpoint(f.group(m, "endpoint"))

	rec := &model.LogRecord{
		Ts:             ts,
		ClientIP:       ip,
		Method:         f.group(m, "method"),
		Path:           path,
		Query:          query,
		Protocol:       f.group(m, "protocol"),
		Status:         status,
		BytesSent:      bytesSent,
		Referrer:       dashEmpty(f.group(m, "referrer")),
		UserAgent:      dashEmpty(f.group(m, "user_agent")),
		ResponseTimeMs: -1,
		SourceFileID:   sourceID,
		LineOffset:     offset,
	}

	if rt := f.group(m, "request_time"); rt != "" {
		if sec, err := strconv.ParseFloat(rt, 64); err == nil && sec >= 0 {
			rec.ResponseTimeMs = int64(sec * 1000)
		}
	}

	if host := f.group(m, "host"); host != "" {
		rec.Extra = map[string]string{"host": host}
	}

	return rec, nil
}

// ------------------------------------------------------------
// error log 매핑
//
// error 로그에는 응답 코드가 없다. 서버측 오류 이벤트라는 의미를
// 유지하기 위해 Status 는 500 으로 고정하고, 원본 필드 전체를
// Extra 에 보존한다. 내장된 request 문자열("GET /x HTTP/1.1")이
// 있으면 method/path 를 복원한다.
// ------------------------------------------------------------

func (p *Parser) mapErrorLine(f *compiledFormat, m []string, sourceID string, offset int64) (*model.LogRecord, *ParseError) {
	ts, perr := parseTimestamp(f.group(m, "timestamp"))
	if perr != nil {
		perr.Format = f.name
		return nil, perr
	}

	ip := strings.TrimSpace(f.group(m, "ip"))
	if ip == "" {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: f.name,
			Reason: "missing client ip"}
	}

	rec := &model.LogRecord{
		Ts:             ts,
		ClientIP:       ip,
		Status:         500,
		ResponseTimeMs: -1,
		SourceFileID:   sourceID,
		LineOffset:     offset,
		Extra: map[string]string{
			"log":     "error",
			"level":   f.group(m, "level"),
			"pid":     f.group(m, "pid"),
			"tid":     f.group(m, "tid"),
			"cid":     f.group(m, "cid"),
			"message": f.group(m, "message"),
			"server":  f.group(m, "server"),
		},
	}
	if host := f.group(m, "host"); host != "" {
		rec.Extra["host"] = host
	}

	// request: "GET /admin HTTP/1.1"
	if req := f.group(m, "request"); req != "" {
		parts := strings.SplitN(req, " ", 3)
		if len(parts) == 3 {
			rec.Method = parts[0]
			rec.Path, rec.Query = splitEndpoint(parts[1])
			rec.Protocol = parts[2]
		}
	}

	return rec, nil
}

// ------------------------------------------------------------
// JSON access log
// ------------------------------------------------------------

// jsonAccessLine — 구조화 access 로그의 수용 스키마.
// nginx 의 json escape=json log_format 관례를 따르되,
// 널리 쓰이는 동의어 필드명도 받아준다.
type jsonAccessLine struct {
	Ts         string  `json:"ts"`
	Time       string  `json:"time"`
	TimeLocal  string  `json:"time_local"`
	RemoteAddr string  `json:"remote_addr"`
	ClientIP   string  `json:"client_ip"`
	Request    string  `json:"request"` // "GET /x?q=1 HTTP/1.1"
	Method     string  `json:"method"`
	URI        string  `json:"uri"`
	Protocol   string  `json:"protocol"`
	Status     *int    `json:"status"`
	BytesSent  *int64  `json:"body_bytes_sent"`
	Size       *int64  `json:"bytes_sent"`
	Referrer   string  `json:"http_referer"`
	UserAgent  string  `json:"http_user_agent"`
	ReqTime    float64 `json:"request_time"`
}

func (p *Parser) parseJSON(line, sourceID string, offset int64) (*model.LogRecord, *ParseError) {
	var j jsonAccessLine
	if err := json.Unmarshal([]byte(line), &j); err != nil {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: FormatJSON, Reason: err.Error()}
	}

	rawTs := j.Ts
	if rawTs == "" {
		rawTs = j.Time
	}
	if rawTs == "" {
		rawTs = j.TimeLocal
	}
	if rawTs == "" {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: FormatJSON,
			Reason: "no timestamp field"}
	}
	ts, perr := parseTimestamp(rawTs)
	if perr != nil {
		perr.Format = FormatJSON
		return nil, perr
	}

	ip := j.ClientIP
	if ip == "" {
		ip = j.RemoteAddr
	}
	if ip == "" {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: FormatJSON,
			Reason: "no client ip field"}
	}

	if j.Status == nil {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: FormatJSON,
			Reason: "no status field"}
	}
	status, perr := parseStatus(strconv.Itoa(*j.Status))
	if perr != nil {
		perr.Format = FormatJSON
		return nil, perr
	}

	method, endpoint, proto := j.Method, j.URI, j.Protocol
	if method == "" && j.Request != "" {
		parts := strings.SplitN(j.Request, " ", 3)
		if len(parts) == 3 {
			method, endpoint, proto = parts[0], parts[1], parts[2]
		}
	}
	path, query := splitEndpoint(endpoint)

	var bytesSent int64
	switch {
	case j.BytesSent != nil:
		bytesSent = *j.BytesSent
	case j.Size != nil:
		bytesSent = *j.Size
	}
	if bytesSent < 0 {
		return nil, &ParseError{Kind: ErrUnmatchedFormat, Format: FormatJSON,
			Reason: "negative bytes_sent"}
	}

	rec := &model.LogRecord{
		Ts:             ts,
		ClientIP:       ip,
		Method:         method,
		Path:           path,
		Query:          query,
		Protocol:       proto,
		Status:         status,
		BytesSent:      bytesSent,
		Referrer:       dashEmpty(j.Referrer),
		UserAgent:      dashEmpty(j.UserAgent),
		ResponseTimeMs: -1,
		SourceFileID:   sourceID,
		LineOffset:     offset,
	}
	if j.ReqTime > 0 {
		rec.ResponseTimeMs = int64(j.ReqTime * 1000)
	}
	return rec, nil
}

// ------------------------------------------------------------
// 필드 파싱 헬퍼
// ------------------------------------------------------------

// timestampLayouts — 수용하는 시각 표기 (구체적인 것 먼저).
// naive(타임존 없는) 표기는 UTC 로 간주한다.
var timestampLayouts = []struct {
	layout string
	naive  bool
}{
	{"02/Jan/2006:15:04:05 -0700", false},
	{"02/Jan/2006:15:04:05", true},
	{time.RFC3339Nano, false},
	{time.RFC3339, false},
	{"2006-01-02 15:04:05", true},
	{"2006/01/02 15:04:05", true},
}

// parseTimestamp 는 UTC epoch milliseconds 를 반환한다.
// 어느 layout 에도 맞지 않으면 InvalidTimestamp — "현재 시각으로
// 대체" 같은 합성 기본값은 만들지 않는다.
func parseTimestamp(s string) (int64, *ParseError) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ParseError{Kind: ErrInvalidTimestamp, Reason: "empty timestamp"}
	}
	for _, l := range timestampLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.naive {
			t = time.Date(t.Year(), t.Month(), t.Day(),
				t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
		}
		return t.UTC().UnixMilli(), nil
	}
	return 0, &ParseError{Kind: ErrInvalidTimestamp, Reason: "unrecognized timestamp: " + s}
}

// parseStatus — 100..599 범위 밖이면 InvalidStatusCode.
// clamp/기본값 없음: 범위 위반은 레코드가 아니라 에러다.
func parseStatus(s string) (int, *ParseError) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ParseError{Kind: ErrInvalidStatusCode, Reason: "non-numeric status: " + s}
	}
	if n < 100 || n > 599 {
		return 0, &ParseError{Kind: ErrInvalidStatusCode,
			Reason: "status out of range: " + s}
	}
	return n, nil
}

// splitEndpoint 는 "/path?query" 를 (decoded path, raw query) 로 나눈다.
// path 는 percent-decoding 하고, query 는 시그니처 매칭을 위해
// 원문 그대로 둔다. 디코딩 실패(깨진 escape)는 원문 유지 —
// 공격 트래픽에는 일부러 깨뜨린 인코딩이 흔하다.
func splitEndpoint(endpoint string) (path, query string) {
	path = endpoint
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		path, query = endpoint[:i], endpoint[i+1:]
	}
	if dec, err := url.PathUnescape(path); err == nil {
		path = dec
	}
	return path, query
}

// dashEmpty — nginx 의 "값 없음" 표기인 "-" 를 빈 문자열로.
func dashEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
