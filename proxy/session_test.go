package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	p8 "github.com/P-8-project/P-8"
)

type proxyConnStub struct {
	name    string
	packets []*p8.Packet
}

func (s *proxyConnStub) SessionWrite(_ *p8.ZhttpSession, p *p8.Packet) error {
	s.packets = append(s.packets, p)
	return nil
}

func (s *proxyConnStub) SessionGone(p8.Rid) {}

func (s *proxyConnStub) Instance() string { return s.name }

type acceptRecorder struct {
	accepts []*p8.AcceptData
	fail    bool
}

func (a *acceptRecorder) record(accept *p8.AcceptData) error {
	a.accepts = append(a.accepts, accept)
	if a.fail {
		return p8.ErrRPCRejected{Condition: "bad-instruct"}
	}
	return nil
}

// testEngine builds an engine whose upstream sessions write into stubs.
func testEngine(route string) (*Engine, *proxyConnStub) {
	upConn := &proxyConnStub{name: "proxy-test"}
	upCount := 0

	e := &Engine{
		routes: p8.NewRouteResolver(),
		shared: map[string]*Session{},
		wsSubs: map[string]map[*WsSession]struct{}{},
	}
	e.newUpstream = func() *p8.ZhttpSession {
		upCount++
		return p8.NewSessionWith(upConn, p8.Rid{Sender: "proxy-test", ID: string(rune('a' + upCount))})
	}
	if route != "" {
		e.routes.AddRouteLine(route)
	}
	return e, upConn
}

func startSession(e *Engine, method, uri string, body []byte) (*Session, *proxyConnStub, *p8.ZhttpSession) {
	clientConn := &proxyConnStub{name: "edge"}
	z := p8.NewSessionWith(clientConn, p8.Rid{Sender: "edge", ID: "1"})

	route := e.routes.Resolve(p8.SchemeHTTP, false, "example.com", "/x")
	s := NewSession(e, z, &p8.Packet{
		Type:    p8.Data,
		Method:  method,
		URI:     uri,
		Headers: p8.Headers{{Name: "Host", Value: "example.com"}},
		Body:    body,
	}, route)
	return s, clientConn, z
}

func TestPassthrough(t *testing.T) {
	e, upConn := testEngine("example.com origin:8080")
	s, clientConn, _ := startSession(e, "GET", "http://example.com/x", nil)

	assert.Equal(t, Requesting, s.State())
	assert.Len(t, upConn.packets, 1)
	req := upConn.packets[0]
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "origin", req.ConnectHost)
	assert.Equal(t, 8080, req.ConnectPort)
	assert.True(t, req.Stream)

	// plain response passes through untouched
	s.handleUpstreamPacket(&p8.Packet{
		Type:   p8.Data,
		Code:   200,
		Reason: "OK",
		Headers: p8.Headers{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Content-Length", Value: "2"},
		},
		Body: []byte("hi"),
	})

	assert.Equal(t, Finished, s.State())
	assert.Len(t, clientConn.packets, 2)
	assert.Equal(t, 200, clientConn.packets[0].Code)
	assert.Equal(t, "text/plain", clientConn.packets[0].Headers.Get("Content-Type"))
	assert.Equal(t, []byte("hi"), clientConn.packets[1].Body)
	assert.False(t, clientConn.packets[1].More)
}

func TestResponseHeaderScrub(t *testing.T) {
	e, _ := testEngine("example.com origin:8080")
	s, clientConn, _ := startSession(e, "GET", "http://example.com/x", nil)

	s.handleUpstreamPacket(&p8.Packet{
		Type: p8.Data,
		Code: 200,
		Headers: p8.Headers{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Connection", Value: "keep-alive"},
			{Name: "Content-Encoding", Value: "gzip"},
		},
		Body: []byte("x"),
		More: true,
	})

	h := clientConn.packets[0].Headers
	assert.False(t, h.Contains("Connection"))
	assert.False(t, h.Contains("Content-Encoding"))
	// no content-length means chunked toward the client
	assert.Equal(t, "chunked", h.Get("Transfer-Encoding"))
}

func TestTargetFailover(t *testing.T) {
	e, upConn := testEngine("example.com first:8080 second:8081")
	s, clientConn, _ := startSession(e, "GET", "http://example.com/x", nil)

	assert.Equal(t, "first", upConn.packets[0].ConnectHost)

	s.handleUpstreamError(p8.ConditionRemoteConnectionFailed)
	assert.Equal(t, Requesting, s.State())
	assert.Equal(t, "second", upConn.packets[len(upConn.packets)-1].ConnectHost)

	// all targets exhausted: 502
	s.handleUpstreamError(p8.ConditionConnectionTimeout)
	assert.Equal(t, Finished, s.State())
	last := clientConn.packets[len(clientConn.packets)-1]
	assert.Equal(t, 502, last.Code)
}

func TestLengthRequired(t *testing.T) {
	e, _ := testEngine("example.com origin:8080")
	s, clientConn, _ := startSession(e, "POST", "http://example.com/x", nil)

	s.handleUpstreamError(p8.ConditionLengthRequired)
	assert.Equal(t, 411, clientConn.packets[0].Code)
}

func TestGripDetection(t *testing.T) {
	e, _ := testEngine("example.com origin:8080")
	recorder := &acceptRecorder{}
	e.acceptFn = recorder.record

	s, clientConn, _ := startSession(e, "GET", "http://example.com/x", nil)

	instruct := []byte(`{"hold":{"mode":"response","channels":[{"name":"c"}]}}`)
	s.handleUpstreamPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    200,
		Headers: p8.Headers{{Name: "Content-Type", Value: "application/grip-instruct"}},
		Body:    instruct,
	})

	assert.Len(t, recorder.accepts, 1)
	accept := recorder.accepts[0]
	assert.Equal(t, instruct, accept.Response.Body)
	assert.Equal(t, "example.com", accept.Route)
	assert.Equal(t, p8.Rid{Sender: "edge", ID: "1"}, accept.Requests[0].Rid)

	// the client got a handoff, not a response
	assert.Equal(t, p8.HandoffStart, clientConn.packets[0].Type)
}

func TestGripDetectionParamsStripped(t *testing.T) {
	e, _ := testEngine("example.com origin:8080")
	recorder := &acceptRecorder{}
	e.acceptFn = recorder.record

	s, _, _ := startSession(e, "GET", "http://example.com/x", nil)
	s.handleUpstreamPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    200,
		Headers: p8.Headers{{Name: "Content-Type", Value: "application/grip-instruct; charset=utf-8"}},
		Body:    []byte(`{}`),
	})
	assert.Len(t, recorder.accepts, 1)
}

func TestAcceptRejectionFallsBack(t *testing.T) {
	e, _ := testEngine("example.com origin:8080")
	recorder := &acceptRecorder{fail: true}
	e.acceptFn = recorder.record

	s, clientConn, _ := startSession(e, "GET", "http://example.com/x", nil)
	body := []byte(`{"hold":{}}`)
	s.handleUpstreamPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    200,
		Headers: p8.Headers{{Name: "Content-Type", Value: "application/grip-instruct"}},
		Body:    body,
	})

	// cached response delivered to the client instead
	var sawBody bool
	for _, p := range clientConn.packets {
		if strings.Contains(string(p.Body), `"hold"`) {
			sawBody = true
		}
	}
	assert.True(t, sawBody)
	assert.Equal(t, Finished, s.State())
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	e, upConn := testEngine("example.com origin:8080")
	s, _, z := startSession(e, "GET", "http://example.com/x", nil)

	// client goes away mid-response
	s.handleClientPacket(s.clients[0], &p8.Packet{Type: p8.Cancel})

	last := upConn.packets[len(upConn.packets)-1]
	assert.Equal(t, p8.Cancel, last.Type)
	assert.Equal(t, Finished, s.State())
	assert.True(t, z.Finished)
}

func TestRequestBufferBoundary(t *testing.T) {
	e, _ := testEngine("example.com origin:8080")

	exact := make([]byte, p8.MaxAcceptRequestBody)
	s, _, _ := startSession(e, "POST", "http://example.com/x", exact)
	assert.False(t, s.reqOverflow)
	assert.Len(t, s.reqBody, p8.MaxAcceptRequestBody)

	over := make([]byte, p8.MaxAcceptRequestBody+1)
	s2, _, _ := startSession(e, "POST", "http://example.com/x", over)
	assert.True(t, s2.reqOverflow)
	assert.Nil(t, s2.reqBody)
}

func TestTrustedClientBypassesGrip(t *testing.T) {
	key := []byte("upstream-secret")
	token, _ := p8.GripSign("origin", key)

	e, _ := testEngine("example.com origin:8080")
	e.upstreamKey = key
	recorder := &acceptRecorder{}
	e.acceptFn = recorder.record

	clientConn := &proxyConnStub{name: "edge"}
	z := p8.NewSessionWith(clientConn, p8.Rid{Sender: "edge", ID: "1"})
	route := e.routes.Resolve(p8.SchemeHTTP, false, "example.com", "/x")
	s := NewSession(e, z, &p8.Packet{
		Type:   p8.Data,
		Method: "GET",
		URI:    "http://example.com/x",
		Headers: p8.Headers{
			{Name: "Host", Value: "example.com"},
			{Name: "Grip-Sig", Value: token},
		},
	}, route)

	s.handleUpstreamPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    200,
		Headers: p8.Headers{{Name: "Content-Type", Value: "application/grip-instruct"}},
		Body:    []byte(`{}`),
	})

	// passthrough, no accept
	assert.Empty(t, recorder.accepts)
	assert.Equal(t, Finished, s.State())
}
