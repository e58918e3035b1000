package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// IP Utility Functions
//
// 수집 서버는 보통 reverse proxy / LB 뒤에 배치되므로
// RemoteAddr 만으로는 실제 sender 를 알 수 없다.
// 아래 로직은 표준 헤더 기반으로 가장 신뢰할 수 있는
// sender IP 를 추출한다 (감사 로그용 — 로그 레코드의
// client_ip 와는 무관하다. 그건 로그 라인 안의 값이다).
// ------------------------------------------------------------

// isPublicIP:
//   - private / loopback / link-local 등이 아닌 경우 true
//   - X-Forwarded-For 에서 내부 hop IP 를 제외하기 위해 필요
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// senderIP 는 요청을 보낸 쪽의 IP 를 추출한다.
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. RemoteAddr fallback (내부망 sender 는 그대로 노출)
func senderIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
