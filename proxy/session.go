package proxy

import (
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	p8 "github.com/P-8-project/P-8"
)

// SessionState tracks a proxy session's lifecycle.
type SessionState int

const (
	// Stopped is the initial state, before the request goes upstream.
	Stopped SessionState = iota
	// Requesting means the outbound request is in flight and response
	// headers have not been settled yet. Target failover is only legal
	// here.
	Requesting
	// Accepting means the response carries a GRIP instruction and is
	// being buffered for handoff.
	Accepting
	// Responding means the response is passing through to the client.
	Responding
	// Finished means the session completed and detached.
	Finished
)

// clientSession is one downstream requester attached to this proxy
// session. Multiple clients may share an upstream before response
// headers arrive.
type clientSession struct {
	z           *p8.ZhttpSession
	peerAddress string
	sentHeader  bool
}

// Session relays one upstream request to one or more downstream
// clients, watching for GRIP instructions.
type Session struct {
	engine    *Engine
	route     *p8.Route
	sharedKey string

	mu    sync.Mutex
	state SessionState

	clients []*clientSession
	addAllowed bool

	method  string
	uri     string
	reqURL  *url.URL
	headers p8.Headers

	reqBody        []byte
	reqOverflow    bool
	reqFinished    bool
	trustedClient  bool

	up         *p8.ZhttpSession
	targetIdx  int
	upHeaders  p8.Headers
	upCode     int
	upReason   string
	haveHeader bool

	respBody     []byte
	respComplete bool
	instructMode bool

	clientRids []p8.Rid // every client ever attached, for stats cleanup
}

// NewSession starts a proxy session for an inbound request.
func NewSession(engine *Engine, z *p8.ZhttpSession, first *p8.Packet, route *p8.Route) *Session {
	s := &Session{
		engine:     engine,
		route:      route,
		state:      Stopped,
		method:     first.Method,
		uri:        first.URI,
		headers:    first.Headers,
		addAllowed: true,
	}
	s.reqURL, _ = url.Parse(first.URI)

	client := &clientSession{z: z, peerAddress: first.PeerAddress}
	s.clients = append(s.clients, client)
	s.clientRids = append(s.clientRids, z.Rid)
	z.OnPacket = func(p *p8.Packet) { s.handleClientPacket(client, p) }
	z.OnError = func(string) { s.removeClient(client) }

	s.trustedClient = IsTrustedClient(first.Headers, engine.upstreamKey)

	if len(first.Body) > 0 {
		s.appendRequestBody(first.Body)
	}
	s.reqFinished = !first.More

	s.startRequest()
	return s
}

func (s *Session) appendRequestBody(data []byte) {
	if s.reqOverflow {
		return
	}
	if len(s.reqBody)+len(data) > p8.MaxAcceptRequestBody {
		// too big to replay; accept capability is lost but streaming
		// continues
		s.reqBody = nil
		s.reqOverflow = true
		return
	}
	s.reqBody = append(s.reqBody, data...)
}

// startRequest opens the outbound request to the current target.
func (s *Session) startRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startRequestLocked()
}

func (s *Session) startRequestLocked() {
	if s.targetIdx >= len(s.route.Targets) {
		s.respondErrorLocked(502, "Bad Gateway", "no usable targets")
		return
	}
	target := s.route.Targets[s.targetIdx]
	s.state = Requesting

	if target.Type == p8.TargetTest {
		body := []byte("hello\n")
		for _, c := range s.clients {
			c.z.SendPacket(&p8.Packet{
				Type:   p8.Data,
				Code:   200,
				Reason: "OK",
				Headers: p8.Headers{
					{Name: "Content-Type", Value: "text/plain"},
					{Name: "Content-Length", Value: strconv.Itoa(len(body))},
				},
				Body: body,
			})
			c.z.Finish()
		}
		s.clients = nil
		s.finishLocked()
		return
	}

	headers := PrepareRequestHeaders(s.headers, s.route, s.trustedClient, s.engine.sigIss, s.engine.sigKey)
	scheme := "http"
	if s.reqURL != nil && (s.reqURL.Scheme == "https" || s.reqURL.Scheme == "wss") {
		scheme = "https"
	}
	if len(s.clients) > 0 {
		headers = ApplyXForwarded(headers, s.clients[0].peerAddress, scheme)
	}

	uri := s.uri
	if s.reqURL != nil {
		u := *s.reqURL
		u.Path = TransformPath(u.Path, s.route)
		if s.route.AsHost != "" {
			u.Host = s.route.AsHost
		}
		uri = u.String()
	}

	up := s.engine.newUpstream()
	s.up = up
	up.OnPacket = s.handleUpstreamPacket
	up.OnError = func(condition string) { s.handleUpstreamError(condition) }

	p := &p8.Packet{
		Type:    p8.Data,
		Stream:  true,
		Credits: p8.MaxStreamBuffer,
		Method:  s.method,
		URI:     uri,
		Headers: headers,
		Body:    s.reqBody,
		More:    !s.reqFinished,
	}
	if target.Type == p8.TargetDefault {
		p.ConnectHost = target.ConnectHost
		p.ConnectPort = target.ConnectPort
		p.TrustConnectHost = target.TrustConnectHost
		if target.Insecure {
			p.IgnorePolicies = true
		}
	}
	if err := up.SendPacket(p); err != nil {
		slog.Warn("proxy: unable to send request upstream", "error", err)
		s.respondErrorLocked(502, "Bad Gateway", "upstream send failed")
	}
}

// handleClientPacket processes request-direction traffic from one
// downstream client.
func (s *Session) handleClientPacket(c *clientSession, p *p8.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Type {
	case p8.Data:
		s.appendRequestBody(p.Body)
		if s.up != nil {
			s.up.SendPacket(&p8.Packet{Type: p8.Data, Body: p.Body, More: p.More})
		}
		if !p.More {
			s.reqFinished = true
		}
	case p8.Cancel, p8.Error:
		s.removeClientLocked(c)
	case p8.Credit, p8.KeepAlive:
		// flow control toward the client is implicit in the shared
		// buffer; nothing to do
	}
}

func (s *Session) removeClient(c *clientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeClientLocked(c)
}

func (s *Session) removeClientLocked(c *clientSession) {
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	c.z.Finish()

	if len(s.clients) == 0 && s.state != Finished {
		// client gone: cancel upstream and tear down
		if s.up != nil {
			s.up.Cancel()
		}
		s.finishLocked()
	}
}

// AddClient attaches a late requester to the shared upstream. Returns
// false once the full response has been received.
func (s *Session) AddClient(z *p8.ZhttpSession, first *p8.Packet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.addAllowed || s.respComplete {
		return false
	}

	c := &clientSession{z: z, peerAddress: first.PeerAddress}
	s.clients = append(s.clients, c)
	s.clientRids = append(s.clientRids, z.Rid)
	z.OnPacket = func(p *p8.Packet) { s.handleClientPacket(c, p) }
	z.OnError = func(string) { s.removeClient(c) }

	if s.haveHeader && s.state == Responding {
		// catch up with the cached response so far
		s.writeClientHeaderLocked(c)
		if len(s.respBody) > 0 {
			c.z.SendPacket(&p8.Packet{Type: p8.Data, Body: s.respBody, More: true})
		}
	}
	return true
}

func (s *Session) handleUpstreamError(condition string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Requesting {
		switch condition {
		case p8.ConditionRemoteConnectionFailed, p8.ConditionConnectionTimeout, p8.ConditionTLSError:
			if !s.reqOverflow {
				s.targetIdx++
				slog.Debug("proxy: trying next target", "route", s.route.ID, "index", s.targetIdx)
				s.startRequestLocked()
				return
			}
		case p8.ConditionLengthRequired:
			s.respondErrorLocked(411, "Length Required", "length required")
			return
		}
		s.respondErrorLocked(502, "Bad Gateway", "error while proxying to origin")
		return
	}

	// mid-response errors cannot be rewritten; drop clients quietly
	for _, c := range s.clients {
		c.z.Finish()
	}
	s.clients = nil
	s.finishLocked()
}

// handleUpstreamPacket processes response-direction traffic from the
// origin.
func (s *Session) handleUpstreamPacket(p *p8.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Type {
	case p8.Data:
		s.handleUpstreamDataLocked(p)
	case p8.Error, p8.Cancel:
		s.handleUpstreamErrorPacketLocked(p)
	case p8.Credit, p8.KeepAlive:
	}
}

func (s *Session) handleUpstreamErrorPacketLocked(p *p8.Packet) {
	s.mu.Unlock()
	s.handleUpstreamError(p.Condition)
	s.mu.Lock()
}

func (s *Session) handleUpstreamDataLocked(p *p8.Packet) {
	if !s.haveHeader {
		s.haveHeader = true
		s.upCode = p.Code
		s.upReason = p.Reason
		s.upHeaders = p.Headers

		ctype, _ := p8.ParseContentType(p.Headers.Get("Content-Type"))
		if ctype == p8.GripInstructType && !s.trustedClient && !s.reqOverflow {
			s.instructMode = true
			s.state = Accepting
		} else {
			s.state = Responding
			for _, c := range s.clients {
				s.writeClientHeaderLocked(c)
			}
		}
	}

	if s.instructMode {
		if len(s.respBody)+len(p.Body) > p8.MaxAcceptResponseBody {
			s.respondErrorLocked(502, "Bad Gateway", "GRIP instruct response too large")
			if s.up != nil {
				s.up.Cancel()
			}
			return
		}
		s.respBody = append(s.respBody, p.Body...)
		if !p.More {
			s.respComplete = true
			s.addAllowed = false
			s.mu.Unlock()
			s.startAccept()
			s.mu.Lock()
		}
		return
	}

	// passthrough; remember the body for late attachees
	if s.addAllowed && len(s.respBody)+len(p.Body) <= p8.MaxInitialBuffer {
		s.respBody = append(s.respBody, p.Body...)
	} else {
		s.respBody = nil
		s.addAllowed = false
	}

	for _, c := range s.clients {
		c.z.SendPacket(&p8.Packet{Type: p8.Data, Body: p.Body, More: p.More})
	}
	if s.up != nil && len(p.Body) > 0 {
		s.up.SendPacket(&p8.Packet{Type: p8.Credit, Credits: len(p.Body)})
	}
	if !p.More {
		s.respComplete = true
		s.addAllowed = false
		for _, c := range s.clients {
			c.z.Finish()
		}
		s.clients = nil
		s.finishLocked()
	}
}

func (s *Session) writeClientHeaderLocked(c *clientSession) {
	if c.sentHeader {
		return
	}
	c.sentHeader = true

	headers := p8.ScrubResponseHeaders(s.upHeaders)
	if !headers.Contains("Content-Length") {
		headers = append(headers, p8.Header{Name: "Transfer-Encoding", Value: "chunked"})
	}

	c.z.SendPacket(&p8.Packet{
		Type:    p8.Data,
		Code:    s.upCode,
		Reason:  s.upReason,
		Headers: headers,
		More:    true,
	})
}

// startAccept pauses the attached clients and hands the session to the
// handler. Must be called unlocked.
func (s *Session) startAccept() {
	s.mu.Lock()
	var states []p8.RequestState
	for _, c := range s.clients {
		c.z.SendPacket(&p8.Packet{Type: p8.HandoffStart})
		states = append(states, p8.RequestState{
			Rid:            c.z.Rid,
			PeerAddress:    c.peerAddress,
			ReceiveCredits: p8.ClientBufferSize,
		})
	}

	accept := &p8.AcceptData{
		Requests: states,
		Request: p8.RequestData{
			Method:  s.method,
			URI:     s.uri,
			Headers: s.headers,
			Body:    s.reqBody,
		},
		Response: p8.ResponseData{
			Code:    s.upCode,
			Reason:  s.upReason,
			Headers: s.upHeaders,
			Body:    s.respBody,
		},
		Route:   s.route.ID,
		Trusted: s.trustedClient,
		SigIss:  s.route.SigIss,
		SigKey:  s.route.SigKey,
	}
	clients := s.clients
	s.mu.Unlock()

	if err := s.engine.acceptFn(accept); err != nil {
		slog.Warn("proxy: accept failed, falling back to passthrough", "error", err)
		s.mu.Lock()
		s.instructMode = false
		s.state = Responding
		for _, c := range clients {
			s.writeClientHeaderLocked(c)
			c.z.SendPacket(&p8.Packet{Type: p8.Data, Body: s.respBody, More: false})
			c.z.Finish()
		}
		s.clients = nil
		s.finishLocked()
		s.mu.Unlock()
		return
	}

	// the handler owns the client sessions now
	s.mu.Lock()
	for _, c := range clients {
		c.z.Finish()
	}
	s.clients = nil
	s.finishLocked()
	s.mu.Unlock()
}

func (s *Session) respondErrorLocked(code int, reason, text string) {
	body := []byte(text + "\n")
	for _, c := range s.clients {
		if c.sentHeader {
			c.z.Finish()
			continue
		}
		c.z.SendPacket(&p8.Packet{
			Type:   p8.Data,
			Code:   code,
			Reason: reason,
			Headers: p8.Headers{
				{Name: "Content-Type", Value: "text/plain"},
				{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			},
			Body: body,
		})
		c.z.Finish()
	}
	s.clients = nil
	s.finishLocked()
}

func (s *Session) finishLocked() {
	if s.state == Finished {
		return
	}
	s.state = Finished
	if s.up != nil {
		s.up.Finish()
	}
	s.engine.sessionFinished(s)
}

// State returns the session state, for tests and introspection.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// nextRetryDelay computes an exponential backoff with jitter:
// RetryTimeout doubled once per try after the first, plus
// jitter(RetryRandMax). Target failover does not call it; the next
// target is tried at once.
func nextRetryDelay(tries int, jitter func(time.Duration) time.Duration) time.Duration {
	d := p8.RetryTimeout
	for i := 1; i < tries; i++ {
		d *= 2
	}
	return d + jitter(p8.RetryRandMax)
}
