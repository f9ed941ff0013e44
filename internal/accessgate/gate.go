// Package accessgate verifies that a request comes from the locked-down browser
// configured for an exam. The client sends SHA-256(requestURL + configKey) in a
// header; the server recomputes it for the URL it actually received.
package accessgate

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// HeaderConfigKeyHash carries the client's keyed hash.
const HeaderConfigKeyHash = "X-SafeExamBrowser-ConfigKeyHash"

// ErrRejected is returned when a locked-browser exam is reached without a valid hash.
var ErrRejected = errors.New("locked browser verification failed")

// ExpectedHash returns lower-case hex SHA-256 of url followed by key.
func ExpectedHash(url, key string) string {
	sum := sha256.Sum256([]byte(url + key))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether header is the keyed hash of url. Comparison ignores
// case; an empty header never verifies.
func Verify(url, key, header string) bool {
	header = strings.ToLower(strings.TrimSpace(header))
	if header == "" {
		return false
	}
	expected := ExpectedHash(url, key)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

// Proof is what a client presented on a request: the URL as the server saw it
// and the hash header. It is kept so the gate can be re-checked at submission.
type Proof struct {
	URL    string
	Header string
}

// ProofFromRequest captures the gate proof of r.
func ProofFromRequest(r *http.Request) Proof {
	return Proof{URL: RequestURL(r), Header: r.Header.Get(HeaderConfigKeyHash)}
}

// Check verifies p for an exam. Exams that do not require the locked browser
// always pass.
func Check(required bool, key string, p Proof) error {
	if !required {
		return nil
	}
	if !Verify(p.URL, key, p.Header) {
		return ErrRejected
	}
	return nil
}

// RequestURL reconstructs the absolute URL the client requested, which is what
// the locked browser hashes. Websocket upgrades use the ws/wss schemes.
func RequestURL(r *http.Request) string {
	secure := r.TLS != nil
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		secure = strings.EqualFold(strings.TrimSpace(strings.Split(proto, ",")[0]), "https")
	}

	scheme := "http"
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		scheme = "ws"
	}
	if secure {
		scheme += "s"
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

// LooksLikeLockedBrowser is a soft hint from the user agent. It is never a
// substitute for Verify on exams that require the gate.
func LooksLikeLockedBrowser(userAgent string) bool {
	return strings.Contains(userAgent, "SEB/") || strings.Contains(userAgent, "SafeExamBrowser")
}
