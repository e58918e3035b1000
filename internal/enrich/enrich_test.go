package enrich

import (
	"os"
	"path/filepath"
	"testing"

	"nginx-sentinel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleUAClassifier(t *testing.T) {
	c := RuleUAClassifier{}

	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"빈 UA", "", Unknown},
		{"초단문 UA", "x", Unknown},
		{"curl", "curl/7.68.0 (x86_64)", UABot},
		{"python-requests", "python-requests/2.28.1", UABot},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1)", UABot},
		{"크롤러 토큰", "SomeCrawler/1.0 (+http://x)", UABot},
		{"브라우저", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/118.0", UABrowser},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.ua))
		})
	}
}

func TestSuspiciousUA(t *testing.T) {
	assert.True(t, SuspiciousUA(""))
	assert.True(t, SuspiciousUA("-"))
	assert.True(t, SuspiciousUA("abc"))
	assert.True(t, SuspiciousUA("curl/7.68.0"))
	assert.True(t, SuspiciousUA("Wget/1.21.2 (linux-gnu)"))
	assert.False(t, SuspiciousUA("Mozilla/5.0 (X11; Linux x86_64) Firefox/118.0"))
}

func writeGeoCSV(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geo.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestGeoTableLookup(t *testing.T) {
	path := writeGeoCSV(t, `# dbip country lite 형식
1.0.0.0,1.0.0.255,AU
1.0.1.0,1.0.3.255,CN
8.8.8.0,8.8.8.255,US
broken line without commas
2.0.0.0,invalid,XX
`)
	table, err := LoadGeoTable(path)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len(), "깨진 라인은 건너뛴다")

	c, err := table.Country("1.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "AU", c)

	c, err = table.Country("8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", c)

	// range 사이의 빈 공간
	_, err = table.Country("5.5.5.5")
	assert.Error(t, err)

	// private / loopback 은 테이블 조회 없이 Local
	c, err = table.Country("192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, CountryLocal, c)

	c, err = table.Country("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, CountryLocal, c)

	// IPv6 / 비정상 입력은 에러 (enricher 가 Unknown 으로 강등)
	_, err = table.Country("2001:db8::1")
	assert.Error(t, err)
	_, err = table.Country("not-an-ip")
	assert.Error(t, err)
}

func TestGeoTableMissingFile(t *testing.T) {
	_, err := LoadGeoTable(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestEnricherApply(t *testing.T) {
	path := writeGeoCSV(t, "1.0.0.0,1.0.0.255,AU\n")
	table, err := LoadGeoTable(path)
	require.NoError(t, err)

	e := New(table, RuleUAClassifier{})

	rec := &model.LogRecord{ClientIP: "1.0.0.7", UserAgent: "curl/7.68.0 (x86_64)"}
	e.Apply(rec)
	assert.Equal(t, "AU", rec.Country)
	assert.Equal(t, UABot, rec.UAClass)

	// 조회 실패는 Unknown 으로 강등, 에러 전파 없음.
	rec = &model.LogRecord{ClientIP: "9.9.9.9", UserAgent: ""}
	e.Apply(rec)
	assert.Equal(t, Unknown, rec.Country)
	assert.Equal(t, Unknown, rec.UAClass)
}

func TestEnricherNilLookups(t *testing.T) {
	e := New(nil, nil)
	rec := &model.LogRecord{ClientIP: "1.2.3.4", UserAgent: "Mozilla/5.0 (X11)"}
	e.Apply(rec)
	assert.Equal(t, Unknown, rec.Country)
	assert.Equal(t, Unknown, rec.UAClass)
}
