package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	p8 "github.com/P-8-project/P-8"
)

type wsConnStub struct {
	packets []*p8.Packet
}

func (s *wsConnStub) SessionWrite(_ *p8.ZhttpSession, p *p8.Packet) error {
	s.packets = append(s.packets, p)
	return nil
}

func (s *wsConnStub) SessionGone(p8.Rid) {}

func (s *wsConnStub) Instance() string { return "proxy-test" }

func newTestWsSession() (*WsSession, *wsConnStub, *wsConnStub) {
	clientConn := &wsConnStub{}
	upConn := &wsConnStub{}

	s := &WsSession{
		engine:        &Engine{wsSubs: map[string]map[*WsSession]struct{}{}},
		client:        p8.NewSessionWith(clientConn, p8.Rid{Sender: "edge", ID: "c1"}),
		up:            p8.NewSessionWith(upConn, p8.Rid{Sender: "proxy-test", ID: "u1"}),
		messagePrefix: defaultMessagePrefix,
		channels:      map[string]struct{}{},
	}
	return s, clientConn, upConn
}

func acceptPacket(ext string) *p8.Packet {
	headers := p8.Headers{{Name: "Upgrade", Value: "websocket"}}
	if ext != "" {
		headers = append(headers, p8.Header{Name: "Sec-WebSocket-Extensions", Value: ext})
	}
	return &p8.Packet{Type: p8.Data, Code: 101, Headers: headers, More: true}
}

func TestWsGripExtensionDetected(t *testing.T) {
	s, clientConn, _ := newTestWsSession()

	s.handleUpstreamData(acceptPacket("grip; message-prefix=m:"))
	assert.True(t, s.gripEnabled)
	assert.Equal(t, "m:", s.messagePrefix)
	// the extension never reaches the client
	assert.False(t, clientConn.packets[0].Headers.Contains("Sec-WebSocket-Extensions"))
}

func TestWsGripFrameFiltering(t *testing.T) {
	s, clientConn, _ := newTestWsSession()
	s.handleUpstreamData(acceptPacket("grip; message-prefix=m:"))
	accepted := len(clientConn.packets)

	// control frames are consumed, not forwarded
	s.handleUpstreamData(&p8.Packet{Type: p8.Data, ContentType: p8.ContentText,
		Body: []byte(`c:{"type":"subscribe","channel":"room"}`), More: true})
	assert.Len(t, clientConn.packets, accepted)
	assert.Contains(t, s.channels, "room")

	// prefixed messages forward with the prefix stripped
	s.handleUpstreamData(&p8.Packet{Type: p8.Data, ContentType: p8.ContentText,
		Body: []byte("m:hello"), More: true})
	assert.Len(t, clientConn.packets, accepted+1)
	assert.Equal(t, []byte("hello"), clientConn.packets[accepted].Body)

	// unprefixed frames drop
	s.handleUpstreamData(&p8.Packet{Type: p8.Data, ContentType: p8.ContentText,
		Body: []byte("plain"), More: true})
	assert.Len(t, clientConn.packets, accepted+1)
}

func TestWsNoGripPassthrough(t *testing.T) {
	s, clientConn, _ := newTestWsSession()
	s.handleUpstreamData(acceptPacket(""))
	assert.False(t, s.gripEnabled)
	accepted := len(clientConn.packets)

	s.handleUpstreamData(&p8.Packet{Type: p8.Data, ContentType: p8.ContentText,
		Body: []byte("plain"), More: true})
	assert.Len(t, clientConn.packets, accepted+1)
	assert.Equal(t, []byte("plain"), clientConn.packets[accepted].Body)
}

func TestWsUnsubscribeControl(t *testing.T) {
	s, _, _ := newTestWsSession()
	s.handleUpstreamData(acceptPacket("grip"))

	s.handleControlMessage(`{"type":"subscribe","channel":"a"}`)
	s.handleControlMessage(`{"type":"subscribe","channel":"b"}`)
	assert.Len(t, s.channels, 2)

	s.handleControlMessage(`{"type":"unsubscribe","channel":"a"}`)
	assert.Len(t, s.channels, 1)
	assert.NotContains(t, s.channels, "a")
}

func TestWsPublishDelivery(t *testing.T) {
	s, clientConn, _ := newTestWsSession()
	s.handleUpstreamData(acceptPacket("grip"))
	before := len(clientConn.packets)

	s.DeliverPublish(p8.PublishFormat{Type: p8.FormatWebSocketMessage, Body: []byte("news")})
	assert.Len(t, clientConn.packets, before+1)
	assert.Equal(t, []byte("news"), clientConn.packets[before].Body)

	big := make([]byte, p8.WSMaxFrame*2+5)
	s.DeliverPublish(p8.PublishFormat{Type: p8.FormatWebSocketMessage, Body: big, Binary: true})
	assert.Len(t, clientConn.packets, before+4)
	assert.Equal(t, p8.ContentBinary, clientConn.packets[before+1].ContentType)
}

func TestParseExtension(t *testing.T) {
	name, params := parseExtension("permessage-deflate, grip; message-prefix=x:", "grip")
	assert.Equal(t, "grip", name)
	assert.Equal(t, "x:", params["message-prefix"])

	name, _ = parseExtension("permessage-deflate", "grip")
	assert.Empty(t, name)
}
