package edge

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	p8 "github.com/P-8-project/P-8"
)

// ErrBadRequestLine reports an external request the adapter refuses to
// forward.
type ErrBadRequestLine struct{ Reason string }

func (e ErrBadRequestLine) Error() string { return "bad request: " + e.Reason }

// Adapter consumes external web server messages, drives ZHTTP client
// sessions toward the proxy, and writes response bytes back out.
type Adapter struct {
	cfg   *p8.Config
	zhttp *p8.ZhttpManager
	stats *p8.StatsEngine

	in      *p8.Socket // PULL: requests from the external server
	out     *p8.Socket // PUB: response bytes to the external server
	control *p8.Socket // DEALER: ack polling

	mu       sync.Mutex
	sessions map[string]*Session // key: sender + " " + conn id

	done chan struct{}
}

// NewAdapter opens the external sockets and starts the loops.
func NewAdapter(cfg *p8.Config, t *p8.Transport, zhttp *p8.ZhttpManager, stats *p8.StatsEngine) (*Adapter, error) {
	if len(cfg.M2InSpecs) == 0 || len(cfg.M2OutSpecs) == 0 {
		return nil, errors.Errorf("edge: no external socket specs configured")
	}

	a := &Adapter{
		cfg:      cfg,
		zhttp:    zhttp,
		stats:    stats,
		sessions: map[string]*Session{},
		done:     make(chan struct{}),
	}

	var err error
	if a.in, err = t.Pull(cfg.ResolveSpec(cfg.M2InSpecs[0]), false); err != nil {
		return nil, err
	}
	if a.out, err = t.Pub(cfg.ResolveSpec(cfg.M2OutSpecs[0]), false, p8.DefaultHWM); err != nil {
		return nil, err
	}
	if len(cfg.M2ControlSpecs) > 0 {
		if a.control, err = t.Dealer(cfg.ResolveSpec(cfg.M2ControlSpecs[0]), false); err != nil {
			return nil, err
		}
		go a.controlLoop()
	}

	go a.readLoop()
	go a.timerLoop()
	return a, nil
}

// Stop shuts the adapter down.
func (a *Adapter) Stop() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	a.in.Close()
	a.out.Close()
	if a.control != nil {
		a.control.Close()
	}
}

func sessionKey(sender, id string) string { return sender + " " + id }

// SessionCount returns the number of live edge sessions.
func (a *Adapter) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Adapter) removeSession(s *Session) {
	a.mu.Lock()
	_, present := a.sessions[sessionKey(s.Sender, s.ConnID)]
	delete(a.sessions, sessionKey(s.Sender, s.ConnID))
	a.mu.Unlock()
	if present && a.stats != nil {
		a.stats.RemoveConnection(s.Sender + ":" + s.ConnID)
	}
}

// WriteExternal implements ExternalWriter.
func (a *Adapter) WriteExternal(sender, id string, data []byte) error {
	return a.out.Send(BuildResponse(sender, id, data))
}

// WriteExternalClose implements ExternalWriter.
func (a *Adapter) WriteExternalClose(sender, id string) error {
	return a.out.Send(BuildClose(sender, id))
}

// WriteExternalControl implements ExternalWriter.
func (a *Adapter) WriteExternalControl(sender, id string, c Control) error {
	data, err := BuildControl(sender, id, c)
	if err != nil {
		return err
	}
	return a.out.Send(data)
}

func (a *Adapter) readLoop() {
	for {
		frames, err := a.in.Recv()
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			slog.Warn("edge: recv failed", "error", err)
			return
		}
		if len(frames) == 0 {
			continue
		}

		req, err := ParseRequest(frames[len(frames)-1])
		if err != nil {
			slog.Warn("edge: invalid external packet, dropping", "error", err)
			continue
		}
		a.handleRequest(req)
	}
}

func (a *Adapter) handleRequest(req *Request) {
	a.mu.Lock()
	s := a.sessions[sessionKey(req.Sender, req.ID)]
	a.mu.Unlock()

	if req.Disconnect {
		if s != nil {
			s.handleDisconnect()
		}
		return
	}

	if s != nil {
		if s.InFinished {
			// a second request on the same connection before any
			// response went out
			slog.Warn("edge: packet before response, failing session", "sender", s.Sender, "id", s.ConnID)
			if s.Zhttp != nil && !s.UpClosed {
				s.Zhttp.SendPacket(&p8.Packet{Type: p8.Error, Condition: p8.ConditionBadRequest})
				s.UpClosed = true
			}
			s.destroy(true)
			return
		}
		// continuation of an in-flight upload
		s.handleContinuation(s.ReadCount, req.Body, req.UploadDone || len(req.Body) == 0)
		return
	}

	if err := a.startSession(req); err != nil {
		slog.Warn("edge: rejecting request", "error", err)
		a.WriteExternal(req.Sender, req.ID, []byte("HTTP/1.0 400 Bad Request\r\nContent-Length: 0\r\n\r\n"))
		a.WriteExternalClose(req.Sender, req.ID)
	}
}

func (a *Adapter) startSession(req *Request) error {
	if req.Version != "HTTP/1.0" && req.Version != "HTTP/1.1" {
		return errors.WithStack(ErrBadRequestLine{Reason: "unsupported version " + req.Version})
	}
	host := req.Headers.Get("Host")
	if host == "" || strings.ContainsRune(host, '/') {
		return errors.WithStack(ErrBadRequestLine{Reason: "invalid host"})
	}
	if !strings.HasPrefix(req.URI, "/") {
		return errors.WithStack(ErrBadRequestLine{Reason: "uri must begin with /"})
	}

	mode := ModeHTTP
	scheme := "http"
	upgrade := strings.ToLower(req.Headers.Get("Upgrade"))
	if req.Method == "GET" && upgrade == "websocket" {
		mode = ModeWebSocket
		scheme = "ws"
	}
	if req.Scheme == "https" {
		if mode == ModeWebSocket {
			scheme = "wss"
		} else {
			scheme = "https"
		}
	}

	s := &Session{
		Sender:       req.Sender,
		ConnID:       req.ID,
		Mode:         mode,
		HTTPVersion:  req.Version,
		AllowChunked: req.Version == "HTTP/1.1",
		LastActive:   time.Now(),
		external:     a,
		adapter:      a,
	}

	// client connection persistence
	connection := strings.ToLower(req.Headers.Get("Connection"))
	switch {
	case req.Version == "HTTP/1.1":
		s.Persistent = connection != "close"
		s.RespondClose = connection == "close"
	case strings.Contains(connection, "keep-alive"):
		s.Persistent = true
		s.RespondKeepAlive = true
	}

	if mode == ModeWebSocket {
		s.AcceptToken = string(req.Body)
		s.Persistent = true
	}

	s.ReadCount = len(req.Body)

	z := a.zhttp.CreateSession()
	s.Zhttp = z
	z.OnPacket = s.handleZhttpPacket
	z.OnError = func(string) { s.destroy(true) }

	a.mu.Lock()
	a.sessions[sessionKey(req.Sender, req.ID)] = s
	a.mu.Unlock()

	if a.stats != nil {
		connType := p8.ConnHTTP
		if mode == ModeWebSocket {
			connType = p8.ConnWebSocket
		}
		a.stats.AddConnection(s.Sender+":"+s.ConnID, "", connType, req.Headers.Get("X-Forwarded-For"), scheme == "https" || scheme == "wss")
	}

	uri := scheme + "://" + host + req.URI

	p := &p8.Packet{
		Type:        p8.Data,
		Stream:      true,
		Credits:     a.cfg.SessionBufferSize,
		Method:      req.Method,
		URI:         uri,
		Headers:     req.Headers,
		PeerAddress: req.Headers.Get("X-Forwarded-For"),
	}
	if mode == ModeWebSocket {
		p.Body = []byte(s.AcceptToken)
	} else {
		p.Body = req.Body
		p.More = req.UploadStart && !req.UploadDone
	}
	s.InFinished = !p.More

	return z.SendPacket(p)
}

// timerLoop expires idle sessions and emits external keep-alives. ZHTTP
// keep-alives are sent by the ZhttpManager's own expiry loop.
func (a *Adapter) timerLoop() {
	zhttpTicker := time.NewTicker(p8.SessionKeepAlive)
	externalTicker := time.NewTicker(p8.ExternalKeepAlive)
	defer zhttpTicker.Stop()
	defer externalTicker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-zhttpTicker.C:
			a.expireSessions()
		case <-externalTicker.C:
			a.mu.Lock()
			sessions := make([]*Session, 0, len(a.sessions))
			for _, s := range a.sessions {
				sessions = append(sessions, s)
			}
			a.mu.Unlock()
			for _, s := range sessions {
				a.WriteExternalControl(s.Sender, s.ConnID, Control{KeepAlive: true})
			}
		}
	}
}

func (a *Adapter) expireSessions() {
	a.mu.Lock()
	var expired []*Session
	now := time.Now()
	for _, s := range a.sessions {
		if now.Sub(s.LastActive) > p8.SessionExpire {
			expired = append(expired, s)
		}
	}
	a.mu.Unlock()

	for _, s := range expired {
		slog.Debug("edge: session expired", "sender", s.Sender, "id", s.ConnID)
		if s.Zhttp != nil && !s.UpClosed {
			s.Zhttp.Cancel()
			s.UpClosed = true
		}
		s.destroy(true)
	}
}

// controlLoop polls the external server for confirmed-written byte
// counts and turns the deltas into ZHTTP credits.
func (a *Adapter) controlLoop() {
	ticker := time.NewTicker(p8.ControlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}

		req, err := p8.TnetEncode([]byte("status "), map[string]interface{}{})
		if err != nil {
			continue
		}
		if err := a.control.Send(nil, req); err != nil {
			continue
		}

		frames, err := a.control.Recv()
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			continue
		}
		if len(frames) == 0 {
			continue
		}

		v, _, err := p8.TnetDecode(frames[len(frames)-1])
		if err != nil {
			continue
		}
		counts, ok := v.(map[string]interface{})
		if !ok {
			continue
		}

		a.mu.Lock()
		sessions := make(map[string]*Session, len(a.sessions))
		for k, s := range a.sessions {
			sessions[k] = s
		}
		a.mu.Unlock()

		for key, s := range sessions {
			if cv, ok := counts[key]; ok {
				if n, isInt := cv.(int64); isInt {
					s.confirmWritten(int(n))
				}
			}
		}
	}
}
