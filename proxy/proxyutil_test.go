package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	p8 "github.com/P-8-project/P-8"
)

func TestPrepareRequestHeadersStripsGrip(t *testing.T) {
	headers := p8.Headers{
		{Name: "Host", Value: "a"},
		{Name: "Grip-Sig", Value: "forged"},
		{Name: "Grip-Channel", Value: "injected"},
	}

	out := PrepareRequestHeaders(headers, nil, false, "", nil)
	assert.False(t, out.Contains("Grip-Sig"))
	assert.False(t, out.Contains("Grip-Channel"))
	assert.True(t, out.Contains("Host"))
	assert.Equal(t, "status, session", out.Get("Grip-Feature"))
}

func TestPrepareRequestHeadersTrustedKeepsGrip(t *testing.T) {
	headers := p8.Headers{
		{Name: "Grip-Channel", Value: "kept"},
	}
	out := PrepareRequestHeaders(headers, nil, true, "", nil)
	assert.True(t, out.Contains("Grip-Channel"))
}

func TestPrepareRequestHeadersSigns(t *testing.T) {
	route := &p8.Route{SigIss: "proxy", SigKey: []byte("secret")}
	out := PrepareRequestHeaders(nil, route, false, "", nil)

	token := out.Get("Grip-Sig")
	assert.NotEmpty(t, token)
	assert.True(t, p8.GripVerify(token, []byte("secret")))
}

func TestPrepareRequestHeadersRouteHeaders(t *testing.T) {
	route := &p8.Route{Headers: p8.Headers{{Name: "X-Injected", Value: "v"}}}
	out := PrepareRequestHeaders(p8.Headers{{Name: "X-Injected", Value: "client"}}, route, false, "", nil)
	assert.Equal(t, []string{"v"}, out.GetAll("X-Injected"))
}

func TestApplyXForwarded(t *testing.T) {
	headers := p8.Headers{{Name: "X-Forwarded-For", Value: "1.1.1.1"}}
	out := ApplyXForwarded(headers, "2.2.2.2", "https")
	assert.Equal(t, "1.1.1.1, 2.2.2.2", out.Get("X-Forwarded-For"))
	assert.Equal(t, "https", out.Get("X-Forwarded-Proto"))
}

func TestTransformPath(t *testing.T) {
	route := &p8.Route{PathRemove: 4, PathPrepend: "/internal"}
	assert.Equal(t, "/internal/rest", TransformPath("/app/rest", route))

	route = &p8.Route{}
	assert.Equal(t, "/x", TransformPath("/x", route))
}

func TestIsTrustedClient(t *testing.T) {
	key := []byte("upstream-secret")
	token, err := p8.GripSign("origin", key)
	assert.NoError(t, err)

	headers := p8.Headers{{Name: "Grip-Sig", Value: token}}
	assert.True(t, IsTrustedClient(headers, key))
	assert.False(t, IsTrustedClient(headers, []byte("wrong")))
	assert.False(t, IsTrustedClient(nil, key))
}

func TestNextRetryDelay(t *testing.T) {
	noJitter := func(time.Duration) time.Duration { return 0 }
	assert.Equal(t, p8.RetryTimeout, nextRetryDelay(1, noJitter))
	assert.Equal(t, p8.RetryTimeout*2, nextRetryDelay(2, noJitter))
	assert.Equal(t, p8.RetryTimeout*8, nextRetryDelay(4, noJitter))
}
