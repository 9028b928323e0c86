// Package transport holds helpers shared by the SSE and HTTP server-side
// transports: target URL resolution and the remote mcp_tag derivation.
package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// ResolveTargetURL locates the upstream MCP server a given request should
// be forwarded to: the query
// string wins over the header, which wins over the environment-level
// fallback every (app,server) pair not given an explicit target shares.
func ResolveTargetURL(r *http.Request, envFallback string) string {
	if v := r.URL.Query().Get("target"); v != "" {
		return v
	}
	if v := r.Header.Get("X-MCP-Target-URL"); v != "" {
		return v
	}
	return envFallback
}

// MCPTag derives the opaque per-server identifier for a remote target: the
// SHA-256 hex digest of its URL.
func MCPTag(targetURL string) string {
	sum := sha256.Sum256([]byte(targetURL))
	return hex.EncodeToString(sum[:])
}

// hopByHopHeaders are stripped before forwarding a request.
var hopByHopHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"Transfer-Encoding": true,
}

// CopyForwardHeaders copies every header from src to dst except the
// hop-by-hop set above.
func CopyForwardHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
