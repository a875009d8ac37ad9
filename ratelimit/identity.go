package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/c360/edgegate/credential"
)

// Identity returns the rate-limit identity for a request: the principal when
// authenticated, otherwise the network origin.
func Identity(r *http.Request, cred *credential.Credential) string {
	if cred != nil && cred.PrincipalID != "" {
		return "principal:" + cred.PrincipalID
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
