// internal/parser/format.go
package parser

import (
	"regexp"
	"sort"

	"nginx-sentinel/internal/config"
)

// compiledFormat — 정규식 컴파일과 group index 조회를 미리 끝낸 포맷.
// Parse hot path 에서 map lookup / SubexpNames 순회를 피하기 위함.
type compiledFormat struct {
	name     string
	re       *regexp.Regexp
	priority int
	strict   bool
	isError  bool // nginx error log 포맷 여부 (필드 매핑이 다르다)

	// named group → match index (없으면 -1)
	idx map[string]int
}

// ------------------------------------------------------------
// 내장 포맷 정의
//
// 우선순위: 구체적인 포맷을 먼저 시도한다.
//   json(100) → error(90) → extended(80) → combined(70) → main(60)
//
// json 은 정규식이 아니라 별도 디코더로 처리한다 (parser.go).
// extended 가 combined 보다 먼저인 이유: combined 패턴은 extended
// 라인에도 부분 매칭되므로, 더 긴 포맷을 앞에 둬야 host 필드를
// 잃지 않는다.
// ------------------------------------------------------------

const (
	FormatJSON     = "json"
	FormatError    = "error"
	FormatExtended = "extended"
	FormatCombined = "combined"
	FormatMain     = "main"
)

var builtinFormats = []config.FormatDef{
	{
		Name:     FormatError,
		Priority: 90,
		// error 포맷에는 status 가 없다 — 매핑 단계에서 500 으로 고정된다 (parser.go 참고).
		Pattern: `^(?P<timestamp>\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}) \[(?P<level>\w+)\] (?P<pid>\d+)#(?P<tid>\d+): \*(?P<cid>\d+) (?P<message>.+?), client: (?P<ip>.+?), server: (?P<server>.*?), request: "(?P<request>.+?)"(?:, host: "(?P<host>.+?)")?$`,
	},
	{
		Name:     FormatExtended,
		Priority: 80,
		Pattern:  `^(?P<ip>\S+) - (?P<user>\S+) \[(?P<timestamp>[^\]]+)\] "(?P<method>\S+) (?P<endpoint>\S+) (?P<protocol>\S+)" (?P<status>\d{3}) (?P<bytes>\d+|-) "(?P<referrer>[^"]*)" "(?P<user_agent>[^"]*)" "(?P<host>[^"]*)"(?: (?P<request_time>[0-9.]+))?\s*$`,
	},
	{
		Name:     FormatCombined,
		Priority: 70,
		Pattern:  `^(?P<ip>\S+) - (?P<user>\S+) \[(?P<timestamp>[^\]]+)\] "(?P<method>\S+) (?P<endpoint>\S+) (?P<protocol>\S+)" (?P<status>\d{3}) (?P<bytes>\d+|-) "(?P<referrer>[^"]*)" "(?P<user_agent>[^"]*)"\s*$`,
	},
	{
		Name:     FormatMain,
		Priority: 60,
		Pattern:  `^(?P<ip>\S+) - (?P<user>\S+) \[(?P<timestamp>[^\]]+)\] "(?P<method>\S+) (?P<endpoint>\S+) (?P<protocol>\S+)" (?P<status>\d{3}) (?P<bytes>\d+|-)\s*$`,
	},
}

// compileFormats 는 내장 포맷 + 커스텀 포맷을 컴파일하고
// priority 내림차순으로 정렬한다. 커스텀 정의의 regex 오류는
// DetectionConfig.Validate 에서 이미 걸러졌지만, 여기서도 에러로
// 반환한다 (이중 방어가 아니라 단독 호출 경로가 있기 때문).
func compileFormats(custom []config.FormatDef) ([]*compiledFormat, error) {
	defs := make([]config.FormatDef, 0, len(builtinFormats)+len(custom))
	defs = append(defs, builtinFormats...)
	defs = append(defs, custom...)

	out := make([]*compiledFormat, 0, len(defs))
	for _, d := range defs {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, err
		}

		cf := &compiledFormat{
			name:     d.Name,
			re:       re,
			priority: d.Priority,
			strict:   d.Strict,
			isError:  d.Name == FormatError,
			idx:      make(map[string]int),
		}
		for i, g := range re.SubexpNames() {
			if g != "" {
				cf.idx[g] = i
			}
		}
		out = append(out, cf)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority > out[j].priority
	})
	return out, nil
}

// group 은 매칭 결과에서 named group 값을 꺼낸다. 없으면 "".
func (cf *compiledFormat) group(m []string, name string) string {
	i, ok := cf.idx[name]
	if !ok || i >= len(m) {
		return ""
	}
	return m[i]
}
