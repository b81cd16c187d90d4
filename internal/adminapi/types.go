package adminapi

import (
	"net"
	"net/http"
	"strings"
	"time"
)

type CreateTokenRequest struct {
	DurationSeconds int            `json:"duration_seconds"`
	Role            string         `json:"role"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	IPAllowlist     []string       `json:"ip_allowlist,omitempty"`
	SingleUse       bool           `json:"single_use"`
	CreatedBy       string         `json:"created_by,omitempty"`
}

type IssueLinkRequest struct {
	TTLSeconds int  `json:"ttl_seconds"`
	SingleView bool `json:"single_view"` // только для share-link
}

type VerifyOTPRequest struct {
	Code         string `json:"code"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

type VerifyOTPResponse struct {
	PrincipalID string    `json:"principal_id"`
	Role        string    `json:"role"`
	TokenID     uint      `json:"token_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// clientIP: первый адрес из X-Forwarded-For, иначе RemoteAddr.
// Невалидное значение превращается в 0.0.0.0, а не в пустую строку.
func clientIP(r *http.Request) string {
	ip := ""
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		ip = strings.TrimSpace(strings.Split(xf, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	} else {
		ip = r.RemoteAddr
	}
	if net.ParseIP(ip) == nil {
		return "0.0.0.0"
	}
	return ip
}
