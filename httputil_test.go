package p8

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubResponseHeaders(t *testing.T) {
	h := Headers{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Keep-Alive", Value: "timeout=5"},
		{Name: "Transfer-Encoding", Value: "chunked"},
		{Name: "Content-Encoding", Value: "gzip"},
	}
	h = ScrubResponseHeaders(h)
	assert.Equal(t, Headers{{Name: "Content-Type", Value: "text/plain"}}, h)
}

func TestMergeHeaders(t *testing.T) {
	base := Headers{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-Kept", Value: "yes"},
	}
	overlay := Headers{
		{Name: "Content-Type", Value: "application/json"},
	}
	merged := MergeHeaders(base, overlay)
	assert.Equal(t, "application/json", merged.Get("Content-Type"))
	assert.Equal(t, "yes", merged.Get("X-Kept"))
	assert.Len(t, merged, 2)
}

func TestApplyCORS(t *testing.T) {
	req := Headers{{Name: "Origin", Value: "http://app.example"}}
	h := ApplyCORS(req, nil)
	assert.Equal(t, "http://app.example", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))

	// no origin header falls back to a wildcard without credentials
	h = ApplyCORS(nil, nil)
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.False(t, h.Contains("Access-Control-Allow-Credentials"))
}

func TestEncodeChunk(t *testing.T) {
	assert.Equal(t, "5\r\nhello\r\n", string(EncodeChunk([]byte("hello"))))
	assert.Equal(t, "0\r\n\r\n", string(LastChunk))

	// sizes are hex
	assert.Equal(t, "ff\r\n", string(ChunkHeader(255)))
}

func TestGripSignVerify(t *testing.T) {
	key := []byte("secret")
	token, err := GripSign("proxy", key)
	assert.NoError(t, err)
	assert.True(t, GripVerify(token, key))
	assert.False(t, GripVerify(token, []byte("other")))
	assert.False(t, GripVerify("garbage", key))
}
