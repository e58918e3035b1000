// internal/detect/signature.go
package detect

import (
	"regexp"
	"strings"

	"nginx-sentinel/internal/enrich"
	"nginx-sentinel/internal/model"
)

// ------------------------------------------------------------
// Signature Classifier
//
// 레코드 단위 stateless 패턴 매칭. 상태도, 외부 호출도, 난수도
// 없다 — 같은 레코드에 대해 항상 같은 hit 집합이 나온다.
// 여러 worker 가 병렬로 호출해도 안전하다.
//
// 매칭 대상 텍스트: decoded path + "?" + raw query.
// (query 를 디코딩하지 않는 이유: 인코딩 변형 패턴은 룰 쪽에서
// %2f 등으로 직접 잡는다. 이중 디코딩은 오탐을 만든다.)
// ------------------------------------------------------------

type signatureRule struct {
	name string
	re   *regexp.Regexp
}

type ruleGroup struct {
	attack model.AttackType
	base   float64 // 그룹 base confidence
	rules  []signatureRule
}

func mustRules(pairs ...string) []signatureRule {
	// pairs: name, pattern, name, pattern, ...
	out := make([]signatureRule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, signatureRule{
			name: pairs[i],
			re:   regexp.MustCompile(`(?i)` + pairs[i+1]),
		})
	}
	return out
}

// 룰 그룹은 고정 순서로 평가된다 (결정성 보장).
var ruleGroups = []ruleGroup{
	{
		attack: model.AttackSQLInjection,
		base:   0.85,
		rules: mustRules(
			"union_select", `union\s+select`,
			"sleep_call", `sleep\s*\(\s*\d+\s*\)`,
			"benchmark_call", `benchmark\s*\(.*\)`,
			"quote_or_comment", `(%27)|(')|(--)`,
			"inline_comment", `/\*.*\*/`,
			"or_eq_or", `\bor\b.*=.*\bor\b`,
			"exec_call", `exec\s*\(.*\)`,
			"insert_into", `insert\s+into`,
			"drop_table", `drop\s+table`,
			"select_from", `select\s+.*from`,
		),
	},
	{
		attack: model.AttackXSS,
		base:   0.80,
		rules: mustRules(
			"script_tag", `<script.*?>.*?</script>`,
			"event_handler", `\bon\w+\s*=`,
			"javascript_proto", `javascript:`,
			"vbscript_proto", `vbscript:`,
			"alert_call", `alert\s*\(.*\)`,
			"document_object", `document\.\w+`,
			"window_location", `window\.location`,
			"eval_call", `eval\s*\(.*\)`,
		),
	},
	{
		attack: model.AttackPathTraversal,
		base:   0.90,
		rules: mustRules(
			"dotdot_slash", `\.\./`,
			"dotdot_backslash", `\.\.\\`,
			"etc_passwd", `etc/passwd`,
			"win_ini", `win\.ini`,
			"boot_ini", `boot\.ini`,
			"proc_self", `/proc/self/`,
			"encoded_slash", `\.\.%2f`,
			"encoded_backslash", `\.\.%5c`,
		),
	},
	{
		attack: model.AttackExploitProbe,
		base:   0.75,
		rules: mustRules(
			"phpinfo", `phpinfo\(\)`,
			"dotenv", `\.env\b`,
			"git_config", `\.git/config`,
			"ds_store", `\.DS_Store`,
			"wp_config", `wp-config\.php`,
			"config_json", `config\.json`,
			"backup_suffix", `\.bak$`,
			"old_suffix", `\.old$`,
		),
	},
}

const scanningBase = 0.70

// Classify 는 레코드의 요청 내용에 대한 시그니처 hit 목록을 반환한다.
// 그룹당 매칭된 "모든" 룰이 개별 hit 으로 나온다 — 같은 유형의
// 독립 매칭 수가 많을수록 emitter 의 결합 confidence 가 올라간다.
func Classify(rec *model.LogRecord) []model.SignatureHit {
	text := rec.Path
	if rec.Query != "" {
		text += "?" + rec.Query
	}

	var hits []model.SignatureHit
	for _, g := range ruleGroups {
		for _, r := range g.rules {
			if r.re.MatchString(text) {
				hits = append(hits, model.SignatureHit{
					Type:       g.attack,
					Rule:       r.name,
					Confidence: g.base,
				})
			}
		}
	}

	// scanning: 의심스러운 User-Agent (자동화 도구 / UA 부재 / 초단문).
	if enrich.SuspiciousUA(rec.UserAgent) {
		hits = append(hits, model.SignatureHit{
			Type:       model.AttackScanning,
			Rule:       "suspicious_user_agent",
			Confidence: scanningBase,
		})
	}

	return hits
}

// CombineConfidence
// ------------------------------------------------------------
// 같은 attack type 의 독립 hit confidence 를 결합한다.
//   c = 1 - Π(1 - ci)
// 단순 합산과 달리 1.0 을 향해 수렴만 하므로 무한 인플레이션이
// 없고, corroboration(행동 탐지와의 교차 확인) 전에는 0.99 를
// 넘지 않도록 cap 한다.
func CombineConfidence(confs []float64) float64 {
	if len(confs) == 0 {
		return 0
	}
	miss := 1.0
	for _, c := range confs {
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		miss *= 1 - c
	}
	combined := 1 - miss
	if combined > 0.99 {
		combined = 0.99
	}
	return combined
}

// RuleNames 는 같은 type 의 hit 들에서 evidence 문자열을 만든다.
func RuleNames(hits []model.SignatureHit) string {
	names := make([]string, 0, len(hits))
	for _, h := range hits {
		names = append(names, h.Rule)
	}
	return strings.Join(names, ",")
}
