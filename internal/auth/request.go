package auth

import (
	"net/http"
	"strings"
)

// ProtocolBearer is the Sec-WebSocket-Protocol marker that precedes a token
// when browsers cannot set an Authorization header.
const ProtocolBearer = "bearer"

// TokenFromRequest extracts the bearer credential of a handshake. It checks the
// Authorization header, then the token query parameter, then a
// "bearer, <token>" Sec-WebSocket-Protocol pair.
func TokenFromRequest(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	protocols := websocketProtocols(r)
	for i := 0; i+1 < len(protocols); i++ {
		if strings.EqualFold(protocols[i], ProtocolBearer) {
			return protocols[i+1]
		}
	}
	return ""
}

// SessionToken returns the value of the session cookie.
func SessionToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// BearerToken returns the credential of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
