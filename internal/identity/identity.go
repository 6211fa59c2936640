// Package identity resolves the rate-limit identity of an HTTP request.
//
// Identities are namespaced strings shared across channels so the same
// person hits the same admission window no matter which front-end they
// come through:
//
//	auth:<platform>:<user id>   authenticated caller (X-User-ID)
//	sess:<platform>:<session>   anonymous caller with a session
//	anon:<platform>:<ip>        anonymous caller, address only
package identity

import (
	"net"
	"net/http"
	"strings"
)

// Header names consulted during resolution.
const (
	HeaderUserID    = "X-User-ID"
	HeaderSessionID = "X-Session-ID"
	HeaderPlatform  = "X-Platform"
)

// DefaultPlatform is used when the caller does not declare one.
const DefaultPlatform = "web"

// Kind classifies how an identity was derived.
type Kind string

const (
	KindUser    Kind = "auth"
	KindSession Kind = "sess"
	KindAnon    Kind = "anon"
)

// Identity is a resolved request identity.
type Identity struct {
	// Key is the namespaced store key, e.g. "anon:web:192.0.2.1".
	Key string

	// Kind records which source won the precedence.
	Kind Kind

	// Platform is the declared channel ("web" unless overridden).
	Platform string
}

// Resolver turns requests into identities. trustProxy controls whether
// forwarding headers may override the connection address; enable it only
// behind a proxy that strips client-supplied values.
type Resolver struct {
	trustProxy bool
}

// NewResolver creates a Resolver.
func NewResolver(trustProxy bool) *Resolver {
	return &Resolver{trustProxy: trustProxy}
}

// Resolve derives the request identity. Precedence: authenticated user ID,
// then session ID, then client address. Resolution always succeeds; the
// connection address is the fallback of last resort.
func (res *Resolver) Resolve(r *http.Request) Identity {
	platform := normalizePlatform(r.Header.Get(HeaderPlatform))

	if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
		return Identity{
			Key:      string(KindUser) + ":" + platform + ":" + userID,
			Kind:     KindUser,
			Platform: platform,
		}
	}

	if sessionID := strings.TrimSpace(r.Header.Get(HeaderSessionID)); sessionID != "" {
		return Identity{
			Key:      string(KindSession) + ":" + platform + ":" + sessionID,
			Kind:     KindSession,
			Platform: platform,
		}
	}

	return Identity{
		Key:      string(KindAnon) + ":" + platform + ":" + res.ClientIP(r),
		Kind:     KindAnon,
		Platform: platform,
	}
}

// ClientIP extracts the client address. Forwarding headers are honored
// only when the resolver trusts the proxy; otherwise everything reduces
// to the connection's remote address.
func (res *Resolver) ClientIP(r *http.Request) string {
	if res.trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			if parsed := net.ParseIP(ip); parsed != nil {
				return parsed.String()
			}
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// First hop is the original client.
			first, _, _ := strings.Cut(xff, ",")
			if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
				return parsed.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if parsed := net.ParseIP(host); parsed != nil {
		return parsed.String()
	}
	return host
}

// normalizePlatform lowercases the declared platform and strips anything
// that is not a letter, digit, or hyphen so it is safe inside a store key.
func normalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return DefaultPlatform
	}
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return DefaultPlatform
	}
	return b.String()
}
