// internal/config/detection.go
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DetectionConfig
// ------------------------------------------------------------
// 탐지 파이프라인의 튜닝값 전체. Config(env)와 달리 이 값들은
// YAML 파일로 관리되며, 파일이 바뀌면 ingestion 재시작 없이
// hot-reload 된다 (watcher.go).
//
// 주의: reload 시 Validate 를 통과하지 못하면 새 설정은 버려지고
// 이전 설정이 그대로 유지된다. 기동 시점의 Validate 실패만이
// fatal 이다 — 잘못된 룰로 트래픽을 분류하는 것보다 안 뜨는 게 낫다.
type DetectionConfig struct {
	Windows struct {
		Auth  Duration `yaml:"auth"`  // brute force 판정 윈도우 (기본 5m)
		Rate  Duration `yaml:"rate"`  // DoS 판정 윈도우 (기본 1m)
		Bytes Duration `yaml:"bytes"` // exfiltration 판정 윈도우 (기본 1m)
	} `yaml:"windows"`

	Thresholds struct {
		AuthFailures int64   `yaml:"auth_failures"` // T_auth: 윈도우 내 401/403 횟수
		RequestRate  int64   `yaml:"request_rate"`  // T_rate: 윈도우 내 요청 수
		BytesTotal   int64   `yaml:"bytes_total"`   // T_bytes: 윈도우 내 전송 바이트
		OutlierMult  float64 `yaml:"outlier_mult"`  // 단건 응답 outlier 배수 (baseline 대비)
	} `yaml:"thresholds"`

	Coalescing  Duration `yaml:"coalescing_interval"` // alert dedup 구간 (기본 60s)
	EvictionTTL Duration `yaml:"eviction_ttl"`        // idle key 정리 TTL (0 = 최장 윈도우의 10배)

	// Formats 는 파서가 시도할 커스텀 포맷 목록.
	// 비어 있으면 내장 포맷(json/extended/combined/main/error)만 사용한다.
	Formats []FormatDef `yaml:"formats"`
}

// FormatDef — named capture group 기반 라인 포맷 정의.
type FormatDef struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`  // named capture: ip/timestamp/method/endpoint/protocol/status/bytes/...
	Priority int    `yaml:"priority"` // 높을수록 먼저 시도 (구체적 포맷 우선)
	Strict   bool   `yaml:"strict"`   // true: 선택 필드 누락도 실패 처리
}

// Duration — YAML 문자열("5m", "60s")을 time.Duration 으로 받는 래퍼.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// ConfigError
// ------------------------------------------------------------
// 탐지 설정의 구조적 오류. 기동 시에는 fatal, reload 시에는
// 거부 사유로 로그에 남는다. 절대 조용히 무시되지 않는다.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("detection config: %s: %s", e.Field, e.Reason)
}

// DefaultDetection 은 운영 기본값 세트를 반환한다.
// 파일이 없을 때도 이 값으로 기동할 수 있다.
func DefaultDetection() *DetectionConfig {
	d := &DetectionConfig{}
	d.Windows.Auth = Duration{5 * time.Minute}
	d.Windows.Rate = Duration{time.Minute}
	d.Windows.Bytes = Duration{time.Minute}
	d.Thresholds.AuthFailures = 10
	d.Thresholds.RequestRate = 100
	d.Thresholds.BytesTotal = 10 * 1000 * 1000 // 10MB
	d.Thresholds.OutlierMult = 10
	d.Coalescing = Duration{60 * time.Second}
	return d
}

// LoadDetection
//
// YAML 파일을 읽어 DetectionConfig 를 구성한다.
//   - 파일이 없으면: 기본값으로 기동 (경고는 caller 가 남긴다)
//   - 파일이 깨졌거나 Validate 실패: 에러 반환 (기동 시 fatal)
//
// 명시되지 않은 필드는 기본값으로 채워진다.
func LoadDetection(path string) (*DetectionConfig, error) {
	d := DefaultDetection()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, &ConfigError{Field: path, Reason: err.Error()}
	}

	// zero 값 보정 — YAML 에서 일부만 정의한 경우.
	def := DefaultDetection()
	if d.Windows.Auth.Duration == 0 {
		d.Windows.Auth = def.Windows.Auth
	}
	if d.Windows.Rate.Duration == 0 {
		d.Windows.Rate = def.Windows.Rate
	}
	if d.Windows.Bytes.Duration == 0 {
		d.Windows.Bytes = def.Windows.Bytes
	}
	if d.Thresholds.AuthFailures == 0 {
		d.Thresholds.AuthFailures = def.Thresholds.AuthFailures
	}
	if d.Thresholds.RequestRate == 0 {
		d.Thresholds.RequestRate = def.Thresholds.RequestRate
	}
	if d.Thresholds.BytesTotal == 0 {
		d.Thresholds.BytesTotal = def.Thresholds.BytesTotal
	}
	if d.Thresholds.OutlierMult == 0 {
		d.Thresholds.OutlierMult = def.Thresholds.OutlierMult
	}
	if d.Coalescing.Duration == 0 {
		d.Coalescing = def.Coalescing
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate 는 설정의 구조적 오류를 검사한다.
// 잘못된 임계값/윈도우/포맷 패턴은 처리 시작 전에 반드시 걸러진다.
func (d *DetectionConfig) Validate() error {
	if d.Windows.Auth.Duration <= 0 || d.Windows.Rate.Duration <= 0 || d.Windows.Bytes.Duration <= 0 {
		return &ConfigError{Field: "windows", Reason: "all windows must be positive"}
	}
	if d.Thresholds.AuthFailures <= 0 {
		return &ConfigError{Field: "thresholds.auth_failures", Reason: "must be positive"}
	}
	if d.Thresholds.RequestRate <= 0 {
		return &ConfigError{Field: "thresholds.request_rate", Reason: "must be positive"}
	}
	if d.Thresholds.BytesTotal <= 0 {
		return &ConfigError{Field: "thresholds.bytes_total", Reason: "must be positive"}
	}
	if d.Thresholds.OutlierMult < 1 {
		return &ConfigError{Field: "thresholds.outlier_mult", Reason: "must be >= 1"}
	}
	if d.Coalescing.Duration <= 0 {
		return &ConfigError{Field: "coalescing_interval", Reason: "must be positive"}
	}
	if d.EvictionTTL.Duration < 0 {
		return &ConfigError{Field: "eviction_ttl", Reason: "must not be negative"}
	}

	seen := map[string]bool{}
	for i, f := range d.Formats {
		if f.Name == "" {
			return &ConfigError{Field: fmt.Sprintf("formats[%d].name", i), Reason: "empty name"}
		}
		if seen[f.Name] {
			return &ConfigError{Field: fmt.Sprintf("formats[%d].name", i), Reason: "duplicate name " + f.Name}
		}
		seen[f.Name] = true

		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return &ConfigError{Field: fmt.Sprintf("formats[%d].pattern", i), Reason: err.Error()}
		}
		// 필수 필드 capture 가 없는 포맷은 어차피 모든 라인을 거부하게 된다.
		// 설정 실수를 로드 시점에 잡는다.
		for _, req := range []string{"ip", "timestamp", "status"} {
			if !hasGroup(re, req) {
				return &ConfigError{
					Field:  fmt.Sprintf("formats[%d].pattern", i),
					Reason: "missing required capture group: " + req,
				}
			}
		}
	}
	return nil
}

func hasGroup(re *regexp.Regexp, name string) bool {
	for _, g := range re.SubexpNames() {
		if g == name {
			return true
		}
	}
	return false
}

// EffectiveTTL 은 idle key 정리 TTL 을 반환한다.
// 미설정(0) 시 최장 윈도우의 10배 — 지속적인 unique-IP 유입에도
// 메모리가 유한하게 유지되는 수준이다.
func (d *DetectionConfig) EffectiveTTL() time.Duration {
	if d.EvictionTTL.Duration > 0 {
		return d.EvictionTTL.Duration
	}
	max := d.Windows.Auth.Duration
	if d.Windows.Rate.Duration > max {
		max = d.Windows.Rate.Duration
	}
	if d.Windows.Bytes.Duration > max {
		max = d.Windows.Bytes.Duration
	}
	return 10 * max
}
