package proxy

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	p8 "github.com/P-8-project/P-8"
)

// WebSocket passthrough. If the origin's 101 response advertises the
// grip extension, the proxy consumes control frames and strips the
// message prefix from text data frames; unprefixed text frames are
// dropped and binary frames pass through unchanged.

const defaultMessagePrefix = "m:"

// wsControl is a control-channel message from the origin over a grip
// WebSocket.
type wsControl struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// WsSession relays one WebSocket connection between a client and an
// origin, interpreting the grip extension when the origin enables it.
type WsSession struct {
	engine *Engine
	route  *p8.Route

	mu     sync.Mutex
	client *p8.ZhttpSession
	up     *p8.ZhttpSession

	gripEnabled   bool
	messagePrefix string
	acceptedResp  bool

	channels map[string]struct{}
}

// NewWsSession starts relaying a WebSocket handshake upstream.
func NewWsSession(e *Engine, z *p8.ZhttpSession, first *p8.Packet, route *p8.Route) *WsSession {
	s := &WsSession{
		engine:        e,
		route:         route,
		client:        z,
		messagePrefix: defaultMessagePrefix,
		channels:      map[string]struct{}{},
	}

	z.OnPacket = s.handleClientPacket
	z.OnError = func(string) { s.teardown() }

	headers := PrepareRequestHeaders(first.Headers, route, IsTrustedClient(first.Headers, e.upstreamKey), e.sigIss, e.sigKey)

	up := e.newUpstream()
	s.up = up
	up.OnPacket = s.handleUpstreamPacket
	up.OnError = func(string) { s.teardown() }

	var target p8.Target
	if len(route.Targets) > 0 {
		target = route.Targets[0]
	}

	up.SendPacket(&p8.Packet{
		Type:        p8.Data,
		Stream:      true,
		More:        true,
		Credits:     p8.MaxStreamBuffer,
		Method:      first.Method,
		URI:         first.URI,
		Headers:     headers,
		Body:        first.Body,
		PeerAddress: first.PeerAddress,
		ConnectHost: target.ConnectHost,
		ConnectPort: target.ConnectPort,
	})
	return s
}

func (s *WsSession) handleClientPacket(p *p8.Packet) {
	s.mu.Lock()
	up := s.up
	s.mu.Unlock()
	if up == nil {
		return
	}

	switch p.Type {
	case p8.Data, p8.Ping, p8.Pong, p8.Close:
		up.SendPacket(&p8.Packet{
			Type:        p.Type,
			Body:        p.Body,
			ContentType: p.ContentType,
			Code:        p.Code,
			More:        true,
		})
	case p8.Cancel, p8.Error:
		s.teardown()
	}
}

func (s *WsSession) handleUpstreamPacket(p *p8.Packet) {
	switch p.Type {
	case p8.Data:
		s.handleUpstreamData(p)
	case p8.Ping, p8.Pong:
		s.client.SendPacket(&p8.Packet{Type: p.Type, Body: p.Body, More: true})
	case p8.Close:
		s.client.SendPacket(&p8.Packet{Type: p8.Close, Code: p.Code})
		s.teardown()
	case p8.Cancel, p8.Error:
		s.teardown()
	}
}

func (s *WsSession) handleUpstreamData(p *p8.Packet) {
	s.mu.Lock()
	if !s.acceptedResp {
		// the 101 acceptance; look for the grip extension
		s.acceptedResp = true
		ext := p.Headers.Get("Sec-WebSocket-Extensions")
		if name, params := parseExtension(ext, "grip"); name != "" {
			s.gripEnabled = true
			if mp, ok := params["message-prefix"]; ok && mp != "" {
				s.messagePrefix = mp
			}
			slog.Debug("wsproxy: grip extension enabled", "prefix", s.messagePrefix)
			// the extension is internal; the client must not see it
			p.Headers = removeExtension(p.Headers, "grip")
		}
		s.mu.Unlock()
		s.client.SendPacket(&p8.Packet{
			Type:    p8.Data,
			Code:    p.Code,
			Reason:  p.Reason,
			Headers: p.Headers,
			Body:    p.Body,
			More:    true,
		})
		return
	}

	gripEnabled := s.gripEnabled
	prefix := s.messagePrefix
	s.mu.Unlock()

	if !gripEnabled || p.ContentType == p8.ContentBinary {
		s.client.SendPacket(&p8.Packet{Type: p8.Data, Body: p.Body, ContentType: p.ContentType, More: true})
		return
	}

	text := string(p.Body)
	switch {
	case strings.HasPrefix(text, "c:"):
		s.handleControlMessage(text[2:])
	case strings.HasPrefix(text, prefix):
		s.client.SendPacket(&p8.Packet{
			Type:        p8.Data,
			Body:        []byte(text[len(prefix):]),
			ContentType: p8.ContentText,
			More:        true,
		})
	default:
		slog.Debug("wsproxy: dropping unprefixed frame")
	}
}

func (s *WsSession) handleControlMessage(body string) {
	var c wsControl
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		slog.Warn("wsproxy: invalid control message", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.Type {
	case "subscribe":
		if c.Channel != "" {
			s.channels[c.Channel] = struct{}{}
			if s.engine.wsSubscribe != nil {
				s.engine.wsSubscribe(s, c.Channel)
			}
		}
	case "unsubscribe":
		if c.Channel != "" {
			delete(s.channels, c.Channel)
			if s.engine.wsUnsubscribe != nil {
				s.engine.wsUnsubscribe(s, c.Channel)
			}
		}
	case "keep-alive":
	case "detach":
		// origin is done; keep the client side open for publishes
		if s.up != nil {
			s.up.Finish()
			s.up = nil
		}
	default:
		slog.Debug("wsproxy: unknown control message", "type", c.Type)
	}
}

// DeliverPublish writes a published WebSocket message to the client,
// fragmenting at the frame limit.
func (s *WsSession) DeliverPublish(f p8.PublishFormat) {
	if f.Close {
		s.client.SendPacket(&p8.Packet{Type: p8.Close, Code: 1000})
		s.teardown()
		return
	}

	ct := p8.ContentText
	if f.Binary {
		ct = p8.ContentBinary
	}
	body := f.Body
	for len(body) > p8.WSMaxFrame {
		s.client.SendPacket(&p8.Packet{Type: p8.Data, Body: body[:p8.WSMaxFrame], ContentType: ct, More: true})
		body = body[p8.WSMaxFrame:]
	}
	s.client.SendPacket(&p8.Packet{Type: p8.Data, Body: body, ContentType: ct, More: true})
}

// Channels returns the channels this session subscribed to.
func (s *WsSession) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *WsSession) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up != nil {
		s.up.Cancel()
		s.up = nil
	}
	if s.client != nil {
		s.client.Cancel()
		if s.engine.stats != nil {
			s.engine.stats.RemoveConnection(s.client.Rid.String())
		}
		s.client = nil
	}
	if s.engine.wsClosed != nil {
		s.engine.wsClosed(s)
	}
}

// parseExtension finds a named extension in a Sec-WebSocket-Extensions
// value, returning its name and parameters.
func parseExtension(v, name string) (string, map[string]string) {
	for _, part := range strings.Split(v, ",") {
		extName, params := splitExtension(strings.TrimSpace(part))
		if extName == name {
			return extName, params
		}
	}
	return "", nil
}

func splitExtension(s string) (string, map[string]string) {
	fields := strings.Split(s, ";")
	params := map[string]string{}
	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		if i := strings.IndexByte(f, '='); i >= 0 {
			params[strings.TrimSpace(f[:i])] = strings.Trim(strings.TrimSpace(f[i+1:]), `"`)
		} else if f != "" {
			params[f] = ""
		}
	}
	return strings.TrimSpace(fields[0]), params
}

func removeExtension(headers p8.Headers, name string) p8.Headers {
	v := headers.Get("Sec-WebSocket-Extensions")
	if v == "" {
		return headers
	}
	var kept []string
	for _, part := range strings.Split(v, ",") {
		extName, _ := splitExtension(strings.TrimSpace(part))
		if extName != name {
			kept = append(kept, strings.TrimSpace(part))
		}
	}
	headers = headers.RemoveAll("Sec-WebSocket-Extensions")
	if len(kept) > 0 {
		headers = append(headers, p8.Header{Name: "Sec-WebSocket-Extensions", Value: strings.Join(kept, ", ")})
	}
	return headers
}
