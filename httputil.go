package p8

import (
	"net/http"
	"strconv"
)

// StatusReason returns the canonical reason phrase for an HTTP status
// code, or "Unknown" for a code that has none.
func StatusReason(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}

// hop-by-hop headers an intermediary must not forward.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Content-Encoding",
	"Transfer-Encoding",
	"Proxy-Connection",
	"Upgrade",
}

// ScrubResponseHeaders removes hop-by-hop headers from a response about
// to be relayed.
func ScrubResponseHeaders(h Headers) Headers {
	for _, name := range hopHeaders {
		h = h.RemoveAll(name)
	}
	return h
}

// ApplyCORS adds permissive cross-origin headers if not already present.
func ApplyCORS(reqHeaders Headers, h Headers) Headers {
	origin := reqHeaders.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	if !h.Contains("Access-Control-Allow-Origin") {
		h = append(h, Header{Name: "Access-Control-Allow-Origin", Value: origin})
	}
	if !h.Contains("Access-Control-Allow-Credentials") && origin != "*" {
		h = append(h, Header{Name: "Access-Control-Allow-Credentials", Value: "true"})
	}
	return h
}

// MergeHeaders overlays published headers onto instruction headers:
// a published header replaces every instruction header of the same name.
func MergeHeaders(base, overlay Headers) Headers {
	out := make(Headers, 0, len(base)+len(overlay))
	for _, h := range base {
		if !overlay.Contains(h.Name) {
			out = append(out, h)
		}
	}
	return append(out, overlay...)
}

// ChunkHeader returns the transfer-encoding prologue for a chunk of the
// given size.
func ChunkHeader(size int) []byte {
	return append(strconv.AppendInt(nil, int64(size), 16), '\r', '\n')
}

// EncodeChunk wraps data as a single HTTP/1.1 chunk.
func EncodeChunk(data []byte) []byte {
	out := ChunkHeader(len(data))
	out = append(out, data...)
	return append(out, '\r', '\n')
}

// LastChunk is the chunked-encoding terminator.
var LastChunk = []byte("0\r\n\r\n")
