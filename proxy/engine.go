package proxy

import (
	"log/slog"
	"net/url"
	"sync"

	p8 "github.com/P-8-project/P-8"
)

// Engine wires the proxy: inbound ZHTTP server sessions from the edge,
// outbound ZHTTP client sessions to origins, route resolution, and the
// accept bridge to the handler.
type Engine struct {
	zserver *p8.ZhttpManager
	zclient *p8.ZhttpManager
	routes  *p8.RouteResolver
	accept  *AcceptBridge
	stats   *p8.StatsEngine

	sigIss      string
	sigKey      []byte
	upstreamKey []byte

	// newUpstream allocates an outbound session; tests substitute it
	newUpstream func() *p8.ZhttpSession
	// acceptFn hands a bundle to the handler; tests substitute it
	acceptFn func(*p8.AcceptData) error

	mu     sync.Mutex
	shared map[string]*Session // method+uri -> attachable session

	wsMu          sync.Mutex
	wsSubs        map[string]map[*WsSession]struct{}
	wsSubscribe   func(*WsSession, string)
	wsUnsubscribe func(*WsSession, string)
	wsClosed      func(*WsSession)
}

// EngineConfig carries the engine's construction parameters.
type EngineConfig struct {
	ZServer     *p8.ZhttpManager
	ZClient     *p8.ZhttpManager
	Routes      *p8.RouteResolver
	Accept      *AcceptBridge
	Stats       *p8.StatsEngine
	SigIss      string
	SigKey      []byte
	UpstreamKey []byte
}

// NewEngine starts handling inbound requests.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		zserver:     cfg.ZServer,
		zclient:     cfg.ZClient,
		routes:      cfg.Routes,
		accept:      cfg.Accept,
		stats:       cfg.Stats,
		sigIss:      cfg.SigIss,
		sigKey:      cfg.SigKey,
		upstreamKey: cfg.UpstreamKey,
		shared:      map[string]*Session{},
		wsSubs:      map[string]map[*WsSession]struct{}{},
	}
	if cfg.ZClient != nil {
		e.newUpstream = cfg.ZClient.CreateSession
	}
	if cfg.Accept != nil {
		e.acceptFn = cfg.Accept.Accept
	}
	e.wsSubscribe = func(s *WsSession, channel string) {
		e.wsMu.Lock()
		set := e.wsSubs[channel]
		if set == nil {
			set = map[*WsSession]struct{}{}
			e.wsSubs[channel] = set
		}
		set[s] = struct{}{}
		e.wsMu.Unlock()
		if e.stats != nil {
			e.stats.AddSubscription("ws", channel, len(set))
		}
	}
	e.wsUnsubscribe = func(s *WsSession, channel string) {
		e.wsMu.Lock()
		if set := e.wsSubs[channel]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(e.wsSubs, channel)
			}
		}
		e.wsMu.Unlock()
		if e.stats != nil {
			e.stats.RemoveSubscription("ws", channel, true)
		}
	}
	e.wsClosed = func(s *WsSession) {
		for _, channel := range s.Channels() {
			e.wsUnsubscribe(s, channel)
		}
	}
	if e.zserver != nil {
		e.zserver.OnRequest = e.handleRequest
	}
	return e
}

// Close shuts down the engine's transport attachments.
func (e *Engine) Close() {
	if e.accept != nil {
		e.accept.Close()
	}
	if e.zclient != nil {
		e.zclient.Close()
	}
	if e.zserver != nil {
		e.zserver.Close()
	}
}

// DispatchWsPublish delivers a published ws-message to every WebSocket
// session subscribed to the item's channel.
func (e *Engine) DispatchWsPublish(item *p8.PublishItem) {
	f, ok := item.Formats[p8.FormatWebSocketMessage]
	if !ok {
		return
	}
	e.wsMu.Lock()
	var sessions []*WsSession
	for s := range e.wsSubs[item.Channel] {
		sessions = append(sessions, s)
	}
	e.wsMu.Unlock()
	for _, s := range sessions {
		s.DeliverPublish(f)
	}
}

func (e *Engine) handleRequest(z *p8.ZhttpSession, first *p8.Packet) {
	u, err := url.Parse(first.URI)
	if err != nil || first.URI == "" {
		slog.Warn("proxy: request with unparseable uri", "uri", first.URI)
		z.SendPacket(&p8.Packet{Type: p8.Error, Condition: p8.ConditionBadRequest})
		z.Finish()
		return
	}

	scheme := p8.SchemeHTTP
	isTLS := u.Scheme == "https" || u.Scheme == "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = p8.SchemeWebSocket
	}

	route := e.routes.Resolve(scheme, isTLS, u.Host, u.Path)
	if route == nil {
		body := []byte("no route for host: " + u.Host + "\n")
		z.SendPacket(&p8.Packet{
			Type:   p8.Data,
			Code:   502,
			Reason: "Bad Gateway",
			Headers: p8.Headers{
				{Name: "Content-Type", Value: "text/plain"},
			},
			Body: body,
		})
		z.Finish()
		return
	}

	if e.stats != nil {
		connType := p8.ConnHTTP
		if scheme == p8.SchemeWebSocket {
			connType = p8.ConnWebSocket
		}
		e.stats.AddConnection(z.Rid.String(), route.ID, connType, first.PeerAddress, isTLS)
	}

	if scheme == p8.SchemeWebSocket {
		NewWsSession(e, z, first, route)
		return
	}

	// share one upstream among identical GET requests while attachable
	key := first.Method + " " + first.URI
	if first.Method == "GET" {
		e.mu.Lock()
		existing := e.shared[key]
		e.mu.Unlock()
		if existing != nil && existing.AddClient(z, first) {
			return
		}
	}

	s := NewSession(e, z, first, route)
	if first.Method == "GET" {
		s.sharedKey = key
		e.mu.Lock()
		e.shared[key] = s
		e.mu.Unlock()
	}
}

func (e *Engine) sessionFinished(s *Session) {
	if s.sharedKey != "" {
		e.mu.Lock()
		if e.shared[s.sharedKey] == s {
			delete(e.shared, s.sharedKey)
		}
		e.mu.Unlock()
	}
	if e.stats != nil {
		for _, rid := range s.clientRids {
			e.stats.RemoveConnection(rid.String())
		}
	}
}
