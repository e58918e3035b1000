package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSenderIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"XFF 없음 — RemoteAddr host", "", "10.0.0.5:41234", "10.0.0.5"},
		{"XFF 첫 public IP", "203.0.113.9, 10.0.0.1", "10.0.0.5:41234", "203.0.113.9"},
		{"XFF 내부 hop 건너뜀", "10.0.0.2, 198.51.100.3", "10.0.0.5:41234", "198.51.100.3"},
		{"XFF 전부 private — fallback", "10.0.0.2, 192.168.1.1", "10.0.0.5:41234", "10.0.0.5"},
		{"XFF 깨진 값 무시", "not-an-ip, 203.0.113.9", "10.0.0.5:41234", "203.0.113.9"},
		{"XFF 공백 처리", " 203.0.113.9 ", "10.0.0.5:41234", "203.0.113.9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/ingest", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, senderIP(r))
		})
	}
}

func TestIsPublicIP(t *testing.T) {
	assert.False(t, isPublicIP(nil))
	assert.False(t, isPublicIP(safeParseIP("127.0.0.1")))
	assert.False(t, isPublicIP(safeParseIP("192.168.0.1")))
	assert.False(t, isPublicIP(safeParseIP("169.254.1.1")))
	assert.True(t, isPublicIP(safeParseIP("8.8.8.8")))
	assert.Nil(t, safeParseIP("  "))
	assert.Nil(t, safeParseIP("banana"))
}
