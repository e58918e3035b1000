// internal/enrich/geoip.go
package enrich

import (
	"bufio"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
)

// ------------------------------------------------------------
// CSV range 기반 GeoIP 조회
//
// DB-IP country lite 형식("range_start,range_end,country")의
// CSV 를 메모리에 올려 binary search 로 조회한다.
// IPv4 전용 — IPv6 및 private/loopback 은 조회 전에 걸러진다.
//
// 외부 GeoIP 서비스 의존 없이 파일 하나로 동작하므로
// enrichment 의 "비가용 시 Unknown" 규칙과도 잘 맞는다.
// ------------------------------------------------------------

const CountryLocal = "Local"

type geoRange struct {
	start   uint32
	end     uint32
	country string
}

// GeoTable 은 정렬된 IPv4 range 테이블.
type GeoTable struct {
	mu     sync.RWMutex
	ranges []geoRange
}

var errNotFound = errors.New("geoip: no matching range")

// LoadGeoTable 은 CSV 파일을 읽어 테이블을 구성한다.
// 형식이 깨진 라인은 건너뛴다 — geo 데이터 품질 문제로
// 기동이 막히면 안 된다 (enrichment 는 언제나 best-effort).
func LoadGeoTable(path string) (*GeoTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &GeoTable{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		start := ipToUint32(strings.TrimSpace(parts[0]))
		end := ipToUint32(strings.TrimSpace(parts[1]))
		country := strings.TrimSpace(parts[2])
		if start == 0 && end == 0 || country == "" || end < start {
			continue
		}
		t.ranges = append(t.ranges, geoRange{start: start, end: end, country: country})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].start < t.ranges[j].start })
	return t, nil
}

// Country 는 GeoLookup 인터페이스 구현.
func (t *GeoTable) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", errNotFound
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() {
		return CountryLocal, nil
	}
	v4 := parsed.To4()
	if v4 == nil {
		// IPv6 는 테이블 범위 밖 — Unknown 처리 (에러로 강등)
		return "", errNotFound
	}
	n := binary.BigEndian.Uint32(v4)

	t.mu.RLock()
	defer t.mu.RUnlock()

	// start <= n 인 마지막 range 를 찾는다.
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].start > n })
	if i == 0 {
		return "", errNotFound
	}
	r := t.ranges[i-1]
	if n >= r.start && n <= r.end {
		return r.country, nil
	}
	return "", errNotFound
}

// Len 은 로드된 range 수 — 기동 로그용.
func (t *GeoTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ranges)
}

func ipToUint32(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
