package p8

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ZHTTP session management. A client manager opens outbound request
// sequences: the first packet travels over PUSH to whoever pulls it,
// follow-ups travel over a bound ROUTER identity-addressed to the
// worker owning the rid, and replies arrive over SUB filtered on our
// instance id. A server manager is the mirror image: PULL plus a
// connected DEALER in, PUB out.
//
// Per rid, packets carry a monotonic seq per direction starting at 0,
// the first packet of a sequence carries a from address, and a Data
// packet without more or an Error/Cancel terminates the sequence.

// ErrSessionGone is returned when writing to a finished session.
type ErrSessionGone struct{}

func (ErrSessionGone) Error() string { return "session gone" }

// ErrBadSeq is returned when a packet arrives out of order.
type ErrBadSeq struct{ Expected, Got int }

func (e ErrBadSeq) Error() string {
	return "bad seq: expected " + strconv.Itoa(e.Expected) + ", got " + strconv.Itoa(e.Got)
}

// SessionConnection is what a session needs from its owner in order to
// reach the outside world and clean up.
type SessionConnection interface {
	// SessionWrite routes a stamped packet for the session.
	SessionWrite(s *ZhttpSession, p *Packet) error
	// SessionGone tells the owner the session is finished.
	SessionGone(rid Rid)
	// Instance returns the reply address written into from fields.
	Instance() string
}

// ZhttpSession is one live rid with its sequencing and credit state.
type ZhttpSession struct {
	Rid        Rid
	PeerAddr   string // where follow-ups and replies go
	OutSeq     int
	InSeq      int
	SkipSeq    bool // adopted sessions send seq -1, meaning "current"
	Credits    int  // bytes the peer may still accept from us
	Finished   bool
	LastActive time.Time

	// OnPacket receives each inbound packet for the session, in seq
	// order. Set before the first packet can arrive.
	OnPacket func(*Packet)
	// OnError is invoked when the session dies abnormally (bad seq,
	// expiry). The session is already removed when it fires.
	OnError func(condition string)

	conn SessionConnection
}

// NewSessionWith returns a session bound to a custom connection, used
// by tests and in-process wiring.
func NewSessionWith(conn SessionConnection, rid Rid) *ZhttpSession {
	return &ZhttpSession{
		Rid:        rid,
		LastActive: time.Now(),
		conn:       conn,
	}
}

// ZhttpManager owns one side's sockets and demultiplexes packets to
// sessions by rid.
type ZhttpManager struct {
	t          *Transport
	instanceID string

	isServer  bool
	firstSock *Socket // PUSH (client) / PULL (server)
	streamOut *Socket // ROUTER (client) / DEALER (server) -- follow-ups; the server also reads on it
	inSock    *Socket // SUB (client) / nil (server) -- inbound
	replySock *Socket // nil (client) / PUB (server)

	mu       sync.Mutex
	sessions map[Rid]*ZhttpSession
	nextID   uint64

	// OnRequest fires on a server manager when a new rid arrives. The
	// callback owns the session from then on.
	OnRequest func(*ZhttpSession, *Packet)

	done chan struct{}
}

// NewZhttpClient opens the client-side socket triple. Replies may come
// from more than one worker, so the SUB side accepts several specs.
func NewZhttpClient(t *Transport, outSpec, outStreamSpec string, inSpecs ...string) (*ZhttpManager, error) {
	m := &ZhttpManager{
		t:          t,
		instanceID: t.InstanceID(),
		sessions:   map[Rid]*ZhttpSession{},
		done:       make(chan struct{}),
	}

	var err error
	if m.firstSock, err = t.Push(outSpec, false); err != nil {
		return nil, err
	}
	// follow-ups are identity-routed to whichever worker owns the rid
	if m.streamOut, err = t.Router(outStreamSpec, true); err != nil {
		return nil, err
	}
	if m.inSock, err = t.SubMulti(inSpecs); err != nil {
		return nil, err
	}

	go m.readLoop(m.inSock, true)
	go m.expireLoop()
	return m, nil
}

// NewZhttpServer opens the server-side socket triple. An empty inSpec
// skips the PULL socket, for workers that only adopt handed-off
// sessions.
func NewZhttpServer(t *Transport, inSpec, inStreamSpec, outSpec string) (*ZhttpManager, error) {
	m := &ZhttpManager{
		t:          t,
		instanceID: t.InstanceID(),
		isServer:   true,
		sessions:   map[Rid]*ZhttpSession{},
		done:       make(chan struct{}),
	}

	var err error
	if inSpec != "" {
		if m.firstSock, err = t.Pull(inSpec, true); err != nil {
			return nil, err
		}
		go m.firstLoop()
	}
	if m.streamOut, err = t.Dealer(inStreamSpec, false); err != nil {
		return nil, err
	}
	if m.replySock, err = t.Pub(outSpec, true, DefaultHWM); err != nil {
		return nil, err
	}

	go m.readLoop(m.streamOut, false)
	go m.expireLoop()
	return m, nil
}

// Close shuts every socket and abandons all sessions.
func (m *ZhttpManager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	if m.firstSock != nil {
		m.firstSock.Close()
	}
	m.streamOut.Close()
	if m.inSock != nil {
		m.inSock.Close()
	}
	if m.replySock != nil {
		m.replySock.Close()
	}
}

// InstanceID returns the reply address this manager writes into from
// fields.
func (m *ZhttpManager) InstanceID() string { return m.instanceID }

// CreateSession allocates a client-side session with a fresh rid.
func (m *ZhttpManager) CreateSession() *ZhttpSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s := &ZhttpSession{
		Rid:        Rid{Sender: m.instanceID, ID: strconv.FormatUint(m.nextID, 16)},
		LastActive: time.Now(),
		conn:       m,
	}
	m.sessions[s.Rid] = s
	return s
}

// AdoptSession registers a session taken over from another worker via
// handoff. Packets it sends use seq -1 so the peer treats them as
// current.
func (m *ZhttpManager) AdoptSession(rid Rid, peerAddr string) *ZhttpSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &ZhttpSession{
		Rid:        rid,
		PeerAddr:   peerAddr,
		SkipSeq:    true,
		LastActive: time.Now(),
		conn:       m,
	}
	m.sessions[rid] = s
	return s
}

// SessionCount returns the number of live sessions.
func (m *ZhttpManager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *ZhttpManager) removeSession(rid Rid) {
	m.mu.Lock()
	delete(m.sessions, rid)
	m.mu.Unlock()
}

// SendPacket stamps seq and from and routes the packet for the session.
// The first packet of a client sequence goes over PUSH; everything else
// is addressed to the session's peer.
func (s *ZhttpSession) SendPacket(p *Packet) error {
	if s.Finished {
		return errors.WithStack(ErrSessionGone{})
	}

	p.ID = s.Rid.ID
	if s.SkipSeq {
		p.Seq = -1
	} else {
		p.Seq = s.OutSeq
	}
	p.HaveSeq = true
	p.From = s.conn.Instance()
	s.OutSeq++
	s.LastActive = time.Now()

	return s.conn.SessionWrite(s, p)
}

// SessionWrite implements SessionConnection: the first packet of a
// client sequence goes over PUSH, server replies fan out over PUB
// filtered by the peer's address prefix, and everything else is
// identity-routed to the session's peer.
func (m *ZhttpManager) SessionWrite(s *ZhttpSession, p *Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return err
	}

	if m.isServer || s.OutSeq > 1 {
		if m.replySock != nil {
			return m.replySock.Send(PubPrefix(s.PeerAddr, data))
		}
		return m.streamOut.Send([]byte(s.PeerAddr), nil, data)
	}
	return m.firstSock.Send(data)
}

// SessionGone implements SessionConnection.
func (m *ZhttpManager) SessionGone(rid Rid) {
	m.removeSession(rid)
}

// Instance implements SessionConnection.
func (m *ZhttpManager) Instance() string { return m.instanceID }

// terminal packet types end the sequence for the sender
func packetTerminates(p *Packet) bool {
	switch p.Type {
	case Error, Cancel, Close:
		return true
	case Data:
		return !p.More
	}
	return false
}

// Cancel sends a cancel packet and forgets the session.
func (s *ZhttpSession) Cancel() {
	if s.Finished {
		return
	}
	s.SendPacket(&Packet{Type: Cancel})
	s.Finish()
}

// Finish removes the session without sending anything.
func (s *ZhttpSession) Finish() {
	if s.Finished {
		return
	}
	s.Finished = true
	s.conn.SessionGone(s.Rid)
}

func (m *ZhttpManager) firstLoop() {
	for {
		frames, err := m.firstSock.Recv()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			slog.Warn("zhttp: recv failed", "error", err)
			return
		}
		if len(frames) == 0 {
			continue
		}
		m.handleIncoming(frames[len(frames)-1], true)
	}
}

func (m *ZhttpManager) readLoop(sock *Socket, subPrefixed bool) {
	for {
		frames, err := sock.Recv()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			slog.Warn("zhttp: recv failed", "error", err)
			return
		}
		if len(frames) == 0 {
			continue
		}

		payload := frames[len(frames)-1]
		if subPrefixed {
			// "<instanceId> T..." from the PUB side
			i := 0
			for i < len(payload) && payload[i] != ' ' {
				i++
			}
			if i >= len(payload) {
				slog.Warn("zhttp: missing address prefix, dropping")
				continue
			}
			payload = payload[i+1:]
		}
		m.handleIncoming(payload, false)
	}
}

func (m *ZhttpManager) handleIncoming(data []byte, isFirst bool) {
	p, err := UnmarshalPacket(data)
	if err != nil {
		slog.Warn("zhttp: invalid packet, dropping", "error", err)
		return
	}

	var rid Rid
	if m.isServer {
		rid = Rid{Sender: p.From, ID: p.ID}
	} else {
		rid = Rid{Sender: m.instanceID, ID: p.ID}
	}

	m.mu.Lock()
	s, known := m.sessions[rid]
	m.mu.Unlock()

	if !known {
		if m.isServer && isFirst && p.Type == Data {
			if p.From == "" {
				slog.Warn("zhttp: first packet without from, dropping", "id", p.ID)
				return
			}
			s = &ZhttpSession{
				Rid:        rid,
				PeerAddr:   p.From,
				InSeq:      1,
				LastActive: time.Now(),
				conn:       m,
			}
			if p.HaveSeq && p.Seq != 0 {
				slog.Warn("zhttp: first packet with nonzero seq, dropping", "id", p.ID)
				return
			}
			m.mu.Lock()
			m.sessions[rid] = s
			m.mu.Unlock()
			if m.OnRequest != nil {
				m.OnRequest(s, p)
			}
			return
		}
		// unknown rid: reply cancel unless this is itself a terminator
		if p.Type != Cancel && p.Type != Error && p.From != "" {
			m.sendDirectCancel(p.From, p.ID)
		}
		return
	}

	if p.From != "" {
		s.PeerAddr = p.From
	}
	if p.HaveSeq && p.Seq != -1 {
		if p.Seq != s.InSeq {
			slog.Warn("zhttp: bad seq, cancelling", "id", p.ID, "expected", s.InSeq, "got", p.Seq)
			s.SendPacket(&Packet{Type: Cancel})
			s.Finished = true
			m.removeSession(rid)
			if s.OnError != nil {
				s.OnError(ConditionBadRequest)
			}
			return
		}
	}
	s.InSeq++
	s.LastActive = time.Now()

	if p.Type == Credit && p.Credits > 0 {
		s.Credits += p.Credits
	}

	if s.OnPacket != nil {
		s.OnPacket(p)
	}

	if packetTerminates(p) && p.Type != Data {
		s.Finished = true
		m.removeSession(rid)
	}
}

// sendDirectCancel addresses a cancel for a rid we do not track.
func (m *ZhttpManager) sendDirectCancel(peer, id string) {
	p := &Packet{Type: Cancel, ID: id, From: m.instanceID, Seq: -1, HaveSeq: true}
	data, err := p.Marshal()
	if err != nil {
		return
	}
	if m.replySock != nil {
		m.replySock.Send(PubPrefix(peer, data))
	} else {
		m.streamOut.Send([]byte(peer), nil, data)
	}
}

// expireLoop cancels idle sessions and keep-alives live ones.
func (m *ZhttpManager) expireLoop() {
	ticker := time.NewTicker(SessionKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		var expired, alive []*ZhttpSession
		now := time.Now()
		for _, s := range m.sessions {
			if now.Sub(s.LastActive) > SessionExpire {
				expired = append(expired, s)
			} else {
				alive = append(alive, s)
			}
		}
		m.mu.Unlock()

		for _, s := range expired {
			slog.Debug("zhttp: session expired", "rid", s.Rid.String())
			s.SendPacket(&Packet{Type: Error, Condition: ConditionDisconnected})
			s.Finish()
			if s.OnError != nil {
				s.OnError(ConditionDisconnected)
			}
		}
		for _, s := range alive {
			// a client session has no route for follow-ups until the
			// peer's first reply names its address
			if !m.isServer && s.PeerAddr == "" {
				continue
			}
			s.SendPacket(&Packet{Type: KeepAlive})
		}
	}
}
