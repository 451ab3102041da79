package api

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ricochet1k/beamlink/internal/trust"
)

const (
	csrfCookieName  = "beamlink-csrf-token"
	csrfHeaderName  = "X-CSRF-Token"
	pairingSecretHd = "X-Pairing-Secret"
)

// CSRFMiddleware implements the double-submit cookie check: a state-changing
// request must echo the cookie value in the X-CSRF-Token header.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := r.Cookie(csrfCookieName)
		if err != nil || token.Value == "" {
			newToken := &http.Cookie{
				Name:     csrfCookieName,
				Value:    generateCSRFToken(),
				Path:     "/",
				SameSite: http.SameSiteStrictMode,
				Secure:   false,
				HttpOnly: false,
			}
			http.SetCookie(w, newToken)
			token = newToken
		}

		if isStateChangingMethod(r.Method) {
			header := r.Header.Get(csrfHeaderName)
			if header == "" || header != token.Value {
				writeError(w, http.StatusForbidden, "invalid CSRF token", "csrf header mismatch")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func generateCSRFToken() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// LoopbackOnly rejects requests whose TCP peer is not a loopback address.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackPeer(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "operator routes are only served to local clients", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// corsForClients lets browser pages read client route responses. Trust is
// decided by the handlers, which answer untrusted origins with a pairing
// outcome instead of a token.
func corsForClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, err := trust.NormalizeOrigin(origin); origin != "" && err == nil {
			hdr := w.Header()
			hdr.Add("Vary", "Origin")
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, "+pairingSecretHd)
			hdr.Set("Access-Control-Max-Age", "600")
		}
		next.ServeHTTP(w, r)
	})
}
