package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders lists headers that must be removed when proxying.
// These are connection-specific headers that should not be forwarded
// between hops per HTTP/1.1 specification (RFC 7230 Section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// privateHeaders are consumed by the proxy and never reach the upstream.
var privateHeaders = []string{
	"X-Capability-Token",
	"Content-Length",
}

// CopyHeadersFiltered copies headers from src to dst, excluding hop-by-hop
// headers, proxy-private headers and anything prefixed X-Sentinel-.
func CopyHeadersFiltered(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) || isPrivate(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(header string) bool {
	return inList(hopByHopHeaders, header)
}

func isPrivate(header string) bool {
	if strings.HasPrefix(strings.ToLower(header), "x-sentinel-") {
		return true
	}
	return inList(privateHeaders, header)
}

func inList(list []string, header string) bool {
	canonical := http.CanonicalHeaderKey(header)
	for _, h := range list {
		if canonical == h {
			return true
		}
	}
	return false
}
