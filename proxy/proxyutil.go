// Package proxy accepts ZHTTP requests from the edge, relays them to
// origin targets, and hands GRIP-bearing responses off to the handler.
package proxy

import (
	"log/slog"
	"strings"

	p8 "github.com/P-8-project/P-8"
)

// PrepareRequestHeaders applies per-route policy to a request about to
// go upstream: untrusted clients lose their Grip-* headers, a Grip-Sig
// token is added when the route (or else the engine) has a signing
// issuer and key, and the feature set is advertised.
func PrepareRequestHeaders(headers p8.Headers, route *p8.Route, trustedClient bool, sigIss string, sigKey []byte) p8.Headers {
	if !trustedClient {
		out := headers[:0]
		for _, h := range headers {
			if !strings.HasPrefix(strings.ToLower(h.Name), "grip-") {
				out = append(out, h)
			}
		}
		headers = out
	}

	iss := sigIss
	key := sigKey
	if route != nil && route.SigIss != "" {
		iss = route.SigIss
		key = route.SigKey
	}
	if iss != "" && len(key) > 0 {
		token, err := p8.GripSign(iss, key)
		if err != nil {
			slog.Warn("proxy: unable to sign request", "error", err)
		} else {
			headers = headers.RemoveAll("Grip-Sig")
			headers = append(headers, p8.Header{Name: "Grip-Sig", Value: token})
		}
	}

	headers = headers.RemoveAll("Grip-Feature")
	headers = append(headers, p8.Header{Name: "Grip-Feature", Value: "status, session"})

	if route != nil {
		for _, h := range route.Headers {
			headers = headers.RemoveAll(h.Name)
			headers = append(headers, h)
		}
	}

	return headers
}

// ApplyXForwarded records the client address chain.
func ApplyXForwarded(headers p8.Headers, peerAddress string, scheme string) p8.Headers {
	if peerAddress != "" {
		prior := headers.Get("X-Forwarded-For")
		headers = headers.RemoveAll("X-Forwarded-For")
		v := peerAddress
		if prior != "" {
			v = prior + ", " + peerAddress
		}
		headers = append(headers, p8.Header{Name: "X-Forwarded-For", Value: v})
	}
	headers = headers.RemoveAll("X-Forwarded-Proto")
	return append(headers, p8.Header{Name: "X-Forwarded-Proto", Value: scheme})
}

// TransformPath applies the route's remove/prepend rules to a path.
func TransformPath(path string, route *p8.Route) string {
	if route.PathRemove > 0 && len(path) >= route.PathRemove {
		path = path[route.PathRemove:]
	}
	if route.PathPrepend != "" {
		path = route.PathPrepend + path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// IsTrustedClient reports whether the request carries a valid Grip-Sig
// from a known origin key.
func IsTrustedClient(headers p8.Headers, upstreamKey []byte) bool {
	token := headers.Get("Grip-Sig")
	if token == "" || len(upstreamKey) == 0 {
		return false
	}
	return p8.GripVerify(token, upstreamKey)
}
